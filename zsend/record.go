// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package zsend implements the send-stream engine: a five-stage concurrent
// pipeline that serializes a dataset (or an incremental range between two
// dataset versions) into a self-describing byte stream.
package zsend

import (
	"sync"

	"github.com/grailbio/zsend/dmu"
)

// recordKind is the discriminator of a record's tagged union. Go has no
// native sum type, so record pairs a kind with a pointer to exactly one of
// the typed bodies below; this preserves the "exactly one case populated"
// invariant of the source's tagged struct without resorting to a C-style
// union.
type recordKind int

const (
	kindObject recordKind = iota
	kindObjectRange
	kindData
	kindHole
	kindRedact
	kindPreviouslyRedacted
	kindRangeMarker
	kindEos
)

// listSource distinguishes the two producers of kindRangeMarker records:
// the FROM-list stage, which marks ranges already present in the FROM
// snapshot, and the REDACT-list stage, which marks ranges a redaction
// bookmark requires to be withheld. Both stages are instances of the same
// listStage, parameterized only by which of these tags their scan function
// attaches (spec.md §4.3).
type listSource int

const (
	listSourceFrom listSource = iota
	listSourceRedact
)

func (k recordKind) String() string {
	switch k {
	case kindObject:
		return "object"
	case kindObjectRange:
		return "objectRange"
	case kindData:
		return "data"
	case kindHole:
		return "hole"
	case kindRedact:
		return "redact"
	case kindPreviouslyRedacted:
		return "previouslyRedacted"
	case kindRangeMarker:
		return "rangeMarker"
	case kindEos:
		return "eos"
	default:
		return "unknown"
	}
}

// record is the internal, in-flight unit of work passed between stages. It
// carries the (object, start, end) range used for canonical ordering
// (§3.2-3) plus exactly one populated body, selected by kind.
type record struct {
	kind            recordKind
	object          uint64
	startBlkID      dmu.BlockID
	endBlkID        dmu.BlockID // exclusive; unused (== startBlkID+1) for single-block records
	seq             int         // assigned when the record leaves the merge stage; orders reader completions
	rangeSource     listSource  // kindRangeMarker only: which listStage produced it
	// historicalLSize carries dmu.RedactionEntry.HistoricalLSize through a
	// kindRangeMarker record. Only meaningful when rangeSource ==
	// listSourceRedact: it is the logical block size the merge stage must
	// stamp onto a Redact record it synthesizes for a span toStage never
	// itself visited, since no TO record body exists in that case to borrow
	// LSize from.
	historicalLSize uint32

	objBody  *objectBody
	rngBody  *objectRangeBody
	data     *dataBody
	hole     *holeBody
	redact   *redactBody
	prevRed  *previouslyRedactedBody

	err error
}

type objectBody struct {
	Dnode dmu.Dnode
}

type objectRangeBody struct {
	FirstObject uint64
	NumSlots    uint64
	Salt        [8]byte
	IV          [12]byte
	MAC         [16]byte
	ByteSwap    bool
}

// dataBody is a single leaf block. The decoded payload may not be available
// yet: once the reader stage issues an async read, done is closed by the
// completion callback, mirroring the source's mutex+cv with an idiomatic
// one-shot channel.
type dataBody struct {
	BP          dmu.BlockPointer
	LSize       uint32
	Kind        dmu.ReadKind
	once        sync.Once
	done        chan struct{}
	payload     []byte
	readErr     error
}

func newDataBody() *dataBody {
	return &dataBody{done: make(chan struct{})}
}

// complete is called by the reader stage's async-read callback exactly
// once.
func (d *dataBody) complete(payload []byte, err error) {
	d.once.Do(func() {
		d.payload, d.readErr = payload, err
		close(d.done)
	})
}

// wait blocks until the read completes, co-owning the buffer slot with the
// IO subsystem until then (§3.3).
func (d *dataBody) wait() ([]byte, error) {
	<-d.done
	return d.payload, d.readErr
}

type holeBody struct {
	LSize uint32
}

type redactBody struct {
	LSize uint32
}

type previouslyRedactedBody struct {
	LSize uint32
}

// objectEquivalent returns the (object) range this record occupies for the
// purpose of canonical ordering: a whole-object range for Object records
// and Hole-of-meta-dnode records, else the object id repeated (spec.md
// §3.2-3).
func (r *record) objectEquivalent() (lo, hi uint64) {
	if r.kind == kindObject || (r.kind == kindHole && r.object == 0) {
		return r.object, r.object + 1
	}
	return r.object, r.object
}

// typeClass orders records that tie on objectEquivalent: OBJECT_RANGE
// precedes OBJECT precedes per-blkid records, per spec.md §3.2-3.
func (r *record) typeClass() int {
	switch r.kind {
	case kindObjectRange:
		return 0
	case kindObject:
		return 1
	default:
		return 2
	}
}

// less implements the canonical total order of §3.2-3: objectEquivalent,
// then typeClass, then start block-id.
func (r *record) less(o *record) bool {
	if r.kind == kindEos {
		return false
	}
	if o.kind == kindEos {
		return true
	}
	rlo, _ := r.objectEquivalent()
	olo, _ := o.objectEquivalent()
	if rlo != olo {
		return rlo < olo
	}
	if tc, otc := r.typeClass(), o.typeClass(); tc != otc {
		return tc < otc
	}
	return r.startBlkID < o.startBlkID
}

// cost returns the byte cost this record contributes to a queue's byte
// budget (§5).
func (r *record) cost() int64 {
	blocks := int64(r.endBlkID - r.startBlkID)
	if blocks < 1 {
		blocks = 1
	}
	switch r.kind {
	case kindData:
		return int64(r.data.LSize)
	case kindHole:
		return blocks * int64(r.hole.LSize)
	case kindPreviouslyRedacted:
		return blocks * int64(r.prevRed.LSize)
	case kindObject:
		return int64(r.objBody.Dnode.BonusLen) + 512
	default:
		return 64
	}
}

func eosRecord() *record { return &record{kind: kindEos} }
