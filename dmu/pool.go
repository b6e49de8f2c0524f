// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package dmu

import "context"

// ReadKind selects which representation of a block a reader wants back from
// Pool.ReadBlock.
type ReadKind int

const (
	// Decompressed is the default: the block pool hands back fully
	// decoded, decompressed, decrypted bytes.
	Decompressed ReadKind = iota
	// Compressed requests the on-disk compressed form, used when
	// stream-compression has been negotiated and the block is eligible.
	Compressed
	// RawCompressed requests the verbatim on-disk ciphertext, used for raw
	// sends; the returned bytes are whatever is in the block, compressed
	// or not, decrypted or not.
	RawCompressed
)

// Block is the result of a Pool.ReadBlock call.
type Block struct {
	BP   BlockPointer
	Kind ReadKind
	Data []byte
}

// Pool is the block pool, transaction manager, and on-disk allocator,
// treated by the send engine purely as an external collaborator (spec.md
// §1's "out of scope" list). The engine never touches on-disk structures
// directly; it only reads through these four methods.
type Pool interface {
	// Dnode returns the dnode of object within ds.
	Dnode(ctx context.Context, ds DatasetHandle, object uint64) (Dnode, error)
	// Children returns the block pointers immediately below bp in the
	// tree rooted there, covering the blkid range [start, end).
	Children(ctx context.Context, ds DatasetHandle, bp BlockPointer, start, end BlockID) ([]BlockPointer, error)
	// ReadBlock reads the block at (object, blkid) within ds, in the
	// representation requested by kind.
	ReadBlock(ctx context.Context, ds DatasetHandle, object uint64, blkid BlockID, kind ReadKind) (Block, error)
	// Capabilities reports the on-disk feature bits of ds needed to
	// negotiate the send stream's feature-flag set (spec.md §6.2).
	Capabilities(ctx context.Context, ds DatasetHandle) (Capabilities, error)
}

// Capabilities is the subset of pool/dataset feature information needed
// to negotiate a send's feature-flag set.
type Capabilities struct {
	SupportsLZ4      bool
	SupportsZSTD     bool
	HasLargeDnodes   bool
	HasSpillBlocks   bool
	HasLargeMicroZAP bool
	HasLongNames     bool
}

// Catalog is the dataset/snapshot/bookmark catalog, also treated as an
// external collaborator.
type Catalog interface {
	// Hold resolves name to a DatasetHandle and long-holds it, preventing
	// deletion for the duration of the send. Release must be called
	// exactly once to drop the hold.
	Hold(ctx context.Context, name string) (DatasetHandle, error)
	// Release drops a hold acquired by Hold.
	Release(ctx context.Context, ds DatasetHandle) error
	// ResolveBookmark resolves a from-endpoint name (a snapshot or
	// bookmark) to a Bookmark value.
	ResolveBookmark(ctx context.Context, name string) (Bookmark, error)
}

// RedactionStore is the redaction-list store, also an external
// collaborator.
type RedactionStore interface {
	// Load returns the RedactionList with the given id.
	Load(ctx context.Context, id string) (RedactionList, error)
}
