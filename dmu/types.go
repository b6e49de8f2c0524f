// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package dmu defines the data model that the send-stream engine (package
// zsend) is coded against: block pointers, dnodes, datasets, bookmarks, and
// redaction lists, plus the Pool/Catalog/RedactionStore interfaces through
// which the engine reads them. Nothing in this package performs I/O itself;
// dmutest provides an in-memory implementation for tests and for the CLI's
// local mode.
package dmu

import (
	"github.com/grailbio/zsend/digest"
)

// CompressionCode identifies the on-disk compression algorithm of a block.
type CompressionCode uint8

const (
	CompressOff CompressionCode = iota
	CompressLZ4
	CompressGZIP
	CompressZSTD
)

// DnodeType identifies the kind of object a dnode describes.
type DnodeType uint16

const (
	// MetaDnodeType is the object-0 type, whose leaves are themselves
	// dnodes.
	MetaDnodeType DnodeType = iota
	PlainFileType
	DirectoryContentsType
	MasterNodeType
)

// BlockID identifies a block's position within an object, in units of the
// object's block size. SpillBlockID is a reserved sentinel identifying the
// object's spill block rather than a leaf in its ordinary address space.
type BlockID uint64

const SpillBlockID BlockID = 1<<64 - 1

// BlockPointer is the fixed-size descriptor OpenZFS calls a "BP": the
// location, shape and checksum of one on-disk block. It is a struct value,
// not a pointer-identity type, and is immutable once a Pool hands one back.
type BlockPointer struct {
	Level       int
	BirthTxg    uint64
	Type        DnodeType
	Compression CompressionCode
	PSize       uint64 // physical (on-disk, possibly compressed) size
	LSize       uint64 // logical (decompressed) size
	Checksum    digest.Digest
	Embedded    bool
	EmbedType   uint8 // meaningful only when Embedded is set
	Hole        bool
	Redacted    bool
	ByteSwap    bool

	// Protected is set for blocks belonging to an encrypted dataset that
	// have not been decrypted; Salt, IV and MAC are then populated and
	// must be preserved verbatim by a raw send.
	Protected bool
	Salt      [8]byte
	IV        [12]byte
	MAC       [16]byte
}

// IsSpill reports whether bp is the spill block of its object.
func (bp BlockPointer) IsSpill() bool { return bp.Type == MasterNodeType }

// Dnode is the fixed-size on-disk record describing one object.
type Dnode struct {
	Object       uint64
	Type         DnodeType
	BonusType    DnodeType
	BlockSize    uint32
	BonusLen     uint32
	RawBonusLen  uint32
	NumLevels    int
	NBlkPtr      int
	IndBlkShift  int
	MaxBlkID     BlockID
	DNodeSlots   int // >1 only under LARGE_DNODE
	HasSpill     bool
	SpillUnmod   bool
	RootBP       BlockPointer
	Bonus        []byte
	ChecksumType digest.Digester
}

// Bookmark is a lightweight, space-free reference to a dataset version. It
// may carry a redaction-list identity, in which case blocks redacted by
// that list must not be transmitted when the bookmark is used as a `from`
// endpoint.
type Bookmark struct {
	GUID          uint64
	CreationTxg   uint64
	RedactionList string // empty if none
	IVSetGUID     uint64
}

// RedactionEntry is one (object, block-id, span) triple in a RedactionList.
// HistoricalLSize is only meaningful for entries produced by the target
// redaction list (the REDACT stage), which must preserve the original
// logical block size in the Redact wire record.
type RedactionEntry struct {
	Object          uint64
	StartBlkID      BlockID
	EndBlkID        BlockID // exclusive
	HistoricalLSize uint32
}

// RedactionList is a persistent, (object, block-id)-ordered sequence of
// RedactionEntry values.
type RedactionList struct {
	ID      string
	Entries []RedactionEntry
}

// DatasetHandle identifies one held version of a dataset. The engine treats
// it as an opaque, long-held reference: acquired from a Catalog at send
// start, released in reverse acquisition order at send end.
type DatasetHandle struct {
	Name        string
	GUID        uint64
	CreationTxg uint64
	Encrypted   bool
	RootBP      BlockPointer
}
