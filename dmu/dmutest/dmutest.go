// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package dmutest provides an in-memory implementation of the dmu package's
// Pool, Catalog, and RedactionStore interfaces, for use by zsend's tests and
// by cmd/zsend's local (pool-less) mode.
package dmutest

import (
	"context"
	"crypto"
	"sort"
	"sync"

	"github.com/grailbio/zsend/bitset"
	"github.com/grailbio/zsend/compress/zstd"
	"github.com/grailbio/zsend/digest"
	"github.com/grailbio/zsend/dmu"
	"github.com/grailbio/zsend/errors"
)

// Object is one fake object's in-memory contents: a dense map of leaf
// blkid -> block data, plus its dnode metadata. Blocks always holds the
// logical (decompressed) bytes; Compression, when not CompressOff, tells
// Children and ReadBlock to simulate the on-disk compressed representation
// by running the block through the real compress/zstd codec rather than
// just reporting PSize == LSize.
type Object struct {
	Dnode       dmu.Dnode
	Blocks      map[dmu.BlockID][]byte
	Compression dmu.CompressionCode

	// allocated tracks which blkids in [0, MaxBlkID] are present, as a
	// bitset, so Children can answer hole-vs-allocated queries without
	// scanning Blocks.
	allocated []uintptr
}

// compressed returns data's on-disk bytes under o's compression setting.
// Only CompressZSTD is simulated with a real codec; other non-off codes
// fall back to storing the logical bytes verbatim (PSize == LSize), since
// this package has no LZ4/GZIP implementation among its dependencies.
func (o *Object) compressed(data []byte) ([]byte, error) {
	if o.Compression != dmu.CompressZSTD {
		return data, nil
	}
	return zstd.Compress(nil, data)
}

// Dataset is a fake, fully in-memory dataset version: a set of objects
// keyed by object id. Object 0, the meta-dnode, is never stored in objects;
// Pool.Dnode and Pool.Children synthesize it on demand from whatever real
// objects are currently registered.
type Dataset struct {
	mu      sync.Mutex
	handle  dmu.DatasetHandle
	objects map[uint64]*Object
}

// NewDataset creates an empty fake dataset with the given name and guid.
func NewDataset(name string, guid uint64) *Dataset {
	return &Dataset{
		handle: dmu.DatasetHandle{
			Name:        name,
			GUID:        guid,
			CreationTxg: 1,
		},
		objects: make(map[uint64]*Object),
	}
}

// Handle returns the dataset's handle.
func (d *Dataset) Handle() dmu.DatasetHandle { return d.handle }

// SetEncrypted marks the dataset as encrypted, for tests that exercise raw
// send negotiation and OBJECT_RANGE emission.
func (d *Dataset) SetEncrypted(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle.Encrypted = v
}

// PutObject installs an object's full contents, recomputing its allocated
// bitset and per-block checksums. compression selects the codec Children
// and ReadBlock simulate when a caller asks for the block's on-disk
// representation; CompressOff stores and serves blocks uncompressed.
func (d *Dataset) PutObject(object uint64, dn dmu.Dnode, compression dmu.CompressionCode, blocks map[dmu.BlockID][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	allocated := bitset.NewClearBits(int(dn.MaxBlkID) + 1)
	for blkid := range blocks {
		if blkid != dmu.SpillBlockID {
			bitset.Set(allocated, int(blkid))
		}
	}
	dn.Object = object
	d.objects[object] = &Object{Dnode: dn, Blocks: blocks, Compression: compression, allocated: allocated}
}

// metaBP is the sentinel BlockPointer identifying the meta-dnode's own
// root. Real objects are expected to carry a distinguishing RootBP (in
// practice a nonzero BirthTxg, as every PutObject call in this package
// does), so no real object's RootBP collides with it.
var metaBP = dmu.BlockPointer{}

// metaDnode synthesizes object 0: a virtual dnode whose "blocks" are every
// other object's own dnode, addressed one per blkid == object id, exactly
// as a real meta-dnode's block array addresses every object's dnode block.
// It is synthesized on demand rather than stored, so it always reflects
// the current object set without callers needing to rebuild it after every
// PutObject. Must be called with d.mu held.
func (d *Dataset) metaDnode() dmu.Dnode {
	var maxObject uint64
	for object := range d.objects {
		if object > maxObject {
			maxObject = object
		}
	}
	return dmu.Dnode{Type: dmu.MetaDnodeType, MaxBlkID: dmu.BlockID(maxObject), RootBP: metaBP}
}

// Pool is an in-memory implementation of dmu.Pool backed by a set of
// Datasets registered by guid.
type Pool struct {
	mu           sync.Mutex
	datasets     map[uint64]*Dataset
	capabilities dmu.Capabilities
}

// SetCapabilities overrides the feature bits Capabilities reports; tests
// use this to exercise feature-flag negotiation (LARGE_MICROZAP requiring
// LARGE_BLOCKS, ZSTD gating, and so on).
func (p *Pool) SetCapabilities(c dmu.Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capabilities = c
}

// NewPool creates an empty Pool.
func NewPool() *Pool { return &Pool{datasets: make(map[uint64]*Dataset)} }

// Register makes ds visible to later Dnode/Children/ReadBlock calls whose
// DatasetHandle.GUID matches.
func (p *Pool) Register(ds *Dataset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.datasets == nil {
		p.datasets = make(map[uint64]*Dataset)
	}
	p.datasets[ds.handle.GUID] = ds
}

func (p *Pool) dataset(ds dmu.DatasetHandle) (*Dataset, error) {
	p.mu.Lock()
	d, ok := p.datasets[ds.GUID]
	p.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotFound, "no such dataset", ds.Name)
	}
	return d, nil
}

func (p *Pool) Dnode(ctx context.Context, ds dmu.DatasetHandle, object uint64) (dmu.Dnode, error) {
	d, err := p.dataset(ds)
	if err != nil {
		return dmu.Dnode{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if object == 0 {
		return d.metaDnode(), nil
	}
	obj, ok := d.objects[object]
	if !ok {
		return dmu.Dnode{}, errors.E(errors.NotFound, "no such object")
	}
	return obj.Dnode, nil
}

// Children reports, for the object whose RootBP equals bp (callers pass the
// object's root BP; metaBP selects the meta-dnode), which of [start, end)
// are holes vs. allocated leaves. It returns one synthetic BlockPointer per
// blkid in range, with Hole set appropriately; real fakes only need to
// distinguish hole from non-hole, so LSize/Checksum are filled in for
// allocated blkids only.
func (p *Pool) Children(ctx context.Context, ds dmu.DatasetHandle, bp dmu.BlockPointer, start, end dmu.BlockID) ([]dmu.BlockPointer, error) {
	d, err := p.dataset(ds)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if bp == metaBP {
		out := make([]dmu.BlockPointer, 0, end-start)
		for blkid := start; blkid < end; blkid++ {
			obj, ok := d.objects[uint64(blkid)]
			if !ok {
				out = append(out, dmu.BlockPointer{Hole: true})
				continue
			}
			out = append(out, dmu.BlockPointer{BirthTxg: obj.Dnode.RootBP.BirthTxg})
		}
		return out, nil
	}
	var obj *Object
	for _, o := range d.objects {
		if o.Dnode.RootBP == bp {
			obj = o
			break
		}
	}
	if obj == nil {
		return nil, errors.E(errors.NotFound, "no such block tree")
	}
	out := make([]dmu.BlockPointer, 0, end-start)
	for blkid := start; blkid < end; blkid++ {
		if int(blkid) >= len(obj.allocated)*bitsPerWord {
			out = append(out, dmu.BlockPointer{Hole: true})
			continue
		}
		if !bitset.Test(obj.allocated, int(blkid)) {
			out = append(out, dmu.BlockPointer{Hole: true})
			continue
		}
		data := obj.Blocks[blkid]
		onDisk, err := obj.compressed(data)
		if err != nil {
			return nil, errors.E(errors.IoError, "compressing block", err)
		}
		out = append(out, dmu.BlockPointer{
			LSize:       uint64(len(data)),
			PSize:       uint64(len(onDisk)),
			Compression: obj.Compression,
			Checksum:    digest.New(crypto.SHA256, data),
			BirthTxg:    obj.Dnode.RootBP.BirthTxg,
		})
	}
	return out, nil
}

const bitsPerWord = 32 << (^uintptr(0) >> 63)

func (p *Pool) ReadBlock(ctx context.Context, ds dmu.DatasetHandle, object uint64, blkid dmu.BlockID, kind dmu.ReadKind) (dmu.Block, error) {
	d, err := p.dataset(ds)
	if err != nil {
		return dmu.Block{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[object]
	if !ok {
		return dmu.Block{}, errors.E(errors.NotFound, "no such object")
	}
	data, ok := obj.Blocks[blkid]
	if !ok {
		return dmu.Block{}, errors.E(errors.NotFound, "no such block")
	}
	out := data
	if kind != dmu.Decompressed {
		onDisk, err := obj.compressed(data)
		if err != nil {
			return dmu.Block{}, errors.E(errors.IoError, "compressing block", err)
		}
		out = onDisk
	}
	return dmu.Block{
		BP: dmu.BlockPointer{
			LSize:       uint64(len(data)),
			PSize:       uint64(len(out)),
			Compression: obj.Compression,
			Checksum:    digest.New(crypto.SHA256, data),
		},
		Kind: kind,
		Data: out,
	}, nil
}

func (p *Pool) Capabilities(ctx context.Context, ds dmu.DatasetHandle) (dmu.Capabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capabilities, nil
}

// Catalog is an in-memory implementation of dmu.Catalog.
type Catalog struct {
	mu        sync.Mutex
	datasets  map[string]dmu.DatasetHandle
	bookmarks map[string]dmu.Bookmark
	held      map[uint64]int
}

func NewCatalog() *Catalog {
	return &Catalog{
		datasets:  make(map[string]dmu.DatasetHandle),
		bookmarks: make(map[string]dmu.Bookmark),
		held:      make(map[uint64]int),
	}
}

func (c *Catalog) AddDataset(ds dmu.DatasetHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[ds.Name] = ds
}

func (c *Catalog) AddBookmark(name string, b dmu.Bookmark) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bookmarks[name] = b
}

func (c *Catalog) Hold(ctx context.Context, name string) (dmu.DatasetHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.datasets[name]
	if !ok {
		return dmu.DatasetHandle{}, errors.E(errors.NotFound, "no such dataset", name)
	}
	c.held[ds.GUID]++
	return ds, nil
}

func (c *Catalog) Release(ctx context.Context, ds dmu.DatasetHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[ds.GUID] == 0 {
		return errors.E(errors.CallerError, "release without hold")
	}
	c.held[ds.GUID]--
	return nil
}

func (c *Catalog) ResolveBookmark(ctx context.Context, name string) (dmu.Bookmark, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bookmarks[name]
	if !ok {
		return dmu.Bookmark{}, errors.E(errors.NotFound, "no such bookmark", name)
	}
	return b, nil
}

// Outstanding reports how many holds remain un-released, for tests that
// check the engine releases long-holds in reverse order at send end.
func (c *Catalog) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.held {
		n += v
	}
	return n
}

// RedactionStore is an in-memory implementation of dmu.RedactionStore.
type RedactionStore struct {
	mu    sync.Mutex
	lists map[string]dmu.RedactionList
}

func NewRedactionStore() *RedactionStore {
	return &RedactionStore{lists: make(map[string]dmu.RedactionList)}
}

func (s *RedactionStore) Add(list dmu.RedactionList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sort.Slice(list.Entries, func(i, j int) bool {
		if list.Entries[i].Object != list.Entries[j].Object {
			return list.Entries[i].Object < list.Entries[j].Object
		}
		return list.Entries[i].StartBlkID < list.Entries[j].StartBlkID
	})
	if s.lists == nil {
		s.lists = make(map[string]dmu.RedactionList)
	}
	s.lists[list.ID] = list
}

func (s *RedactionStore) Load(ctx context.Context, id string) (dmu.RedactionList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lists[id]
	if !ok {
		return dmu.RedactionList{}, errors.E(errors.NotFound, "no such redaction list", id)
	}
	return l, nil
}
