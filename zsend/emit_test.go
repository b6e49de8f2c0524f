// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"bytes"
	"testing"

	"github.com/grailbio/zsend/dmu"
)

func newTestMainStage(buf *bytes.Buffer) *mainStage {
	m := newMainStage(nil, buf, FlagSet(0), 0xf00d, DefaultEngineConfig())
	return m
}

func dataRecord(object uint64, blkid dmu.BlockID, lsize uint32, payload []byte) *record {
	r := &record{kind: kindData, object: object, startBlkID: blkid, endBlkID: blkid + 1}
	r.data = newDataBody()
	r.data.LSize = lsize
	r.data.complete(payload, nil)
	return r
}

// TestMonotoneEmission is Property 2: the sequence of (object, offset) pairs
// of emitted WRITE/SPILL records is strictly increasing.
func TestMonotoneEmission(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMainStage(&buf)
	m.objType[1] = dmu.PlainFileType

	if err := m.emit(nil, dataRecord(1, 0, 8, []byte("aaaaaaaa"))); err != nil {
		t.Fatalf("emit block 0: %v", err)
	}
	if err := m.emit(nil, dataRecord(1, 1, 8, []byte("bbbbbbbb"))); err != nil {
		t.Fatalf("emit block 1: %v", err)
	}
	if got, want := m.lastOffset, uint64(8); got != want {
		t.Errorf("lastOffset: got %d, want %d", got, want)
	}
}

func TestMonotoneEmissionRejectsOutOfOrder(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMainStage(&buf)
	m.objType[1] = dmu.PlainFileType

	if err := m.emit(nil, dataRecord(1, 1, 8, []byte("bbbbbbbb"))); err != nil {
		t.Fatalf("emit block 1: %v", err)
	}
	err := m.emit(nil, dataRecord(1, 0, 8, []byte("aaaaaaaa")))
	if err == nil {
		t.Fatal("expected an error emitting an out-of-order block, got nil")
	}
}

func TestMonotoneEmissionRejectsDecreasingObject(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMainStage(&buf)
	m.objType[1] = dmu.PlainFileType
	m.objType[2] = dmu.PlainFileType

	if err := m.emit(nil, dataRecord(2, 0, 8, []byte("aaaaaaaa"))); err != nil {
		t.Fatalf("emit object 2: %v", err)
	}
	err := m.emit(nil, dataRecord(1, 0, 8, []byte("bbbbbbbb")))
	if err == nil {
		t.Fatal("expected an error emitting a lower object id after a higher one, got nil")
	}
}

// TestAggregationSingleCover is Property 3: two adjacent Hole records for
// the same object must aggregate into a single FREE whose range is the
// union of the two, not a pair of overlapping or gapped records.
func TestAggregationSingleCover(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMainStage(&buf)
	m.objType[1] = dmu.PlainFileType

	h1 := &record{kind: kindHole, object: 1, startBlkID: 0, endBlkID: 2, hole: &holeBody{LSize: 4096}}
	h2 := &record{kind: kindHole, object: 1, startBlkID: 2, endBlkID: 4, hole: &holeBody{LSize: 4096}}
	if err := m.emit(nil, h1); err != nil {
		t.Fatalf("emit h1: %v", err)
	}
	if err := m.emit(nil, h2); err != nil {
		t.Fatalf("emit h2: %v", err)
	}
	if m.agg.pending == nil {
		t.Fatal("expected h2 to have been absorbed into h1's pending FREE")
	}
	if got, want := m.agg.pending.offset, uint64(0); got != want {
		t.Errorf("offset: got %d, want %d", got, want)
	}
	if got, want := m.agg.pending.length, uint64(4*4096); got != want {
		t.Errorf("length: got %d, want %d (single contiguous cover, no overlap)", got, want)
	}
}

// TestChecksumWellFormed is Property 6: the checksum folded over a sequence
// of writes equals a fresh checksum folded over the same header/payload
// bytes with the checksum trailer zeroed, confirming the trailer itself is
// excluded from its own computation.
func TestChecksumWellFormed(t *testing.T) {
	var cksum streamChecksum
	w1 := &wireRecord{kind: wireFree, object: 1, offset: 0, length: 10}
	w2 := &wireRecord{kind: wireFree, object: 1, offset: 10, length: 10}

	var buf bytes.Buffer
	if err := w1.writeTo(&cksum, &buf); err != nil {
		t.Fatalf("writeTo w1: %v", err)
	}
	sumAfterFirst := cksum.Sum()
	if err := w2.writeTo(&cksum, &buf); err != nil {
		t.Fatalf("writeTo w2: %v", err)
	}
	sumAfterSecond := cksum.Sum()
	if sumAfterFirst == sumAfterSecond {
		t.Fatal("checksum did not change after folding a second record")
	}

	// Recompute independently: the trailer embedded in the first record's
	// serialized header must have been zero at fold time, matching
	// w1.checksum which writeTo populated only after folding.
	var verify streamChecksum
	header := w1.encodeHeader(uint32(len(w1.payload)))
	copy(header[len(header)-32:], make([]byte, 32))
	if _, err := verify.Write(header); err != nil {
		t.Fatalf("verify.Write: %v", err)
	}
	if got, want := verify.Sum(), sumAfterFirst; got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
	if w1.checksum != sumAfterFirst {
		t.Fatalf("w1.checksum = %x, want %x", w1.checksum, sumAfterFirst)
	}
}

func TestChecksumWriterSplitAcrossCalls(t *testing.T) {
	var a, b streamChecksum
	full := []byte("0123456789abcdef01234")
	if _, err := a.Write(full); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write(full[:5]); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write(full[5:13]); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write(full[13:]); err != nil {
		t.Fatal(err)
	}
	if a.Sum() != b.Sum() {
		t.Fatalf("checksum depends on Write call boundaries: %x != %x", a.Sum(), b.Sum())
	}
}
