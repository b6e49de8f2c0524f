// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"encoding/binary"
	"io"
)

// wireKind identifies one of the on-wire record types of spec.md §6.1.
type wireKind uint32

const (
	wireBegin wireKind = iota
	wireEnd
	wireObject
	wireObjectRange
	wireFreeObjects
	wireFree
	wireWrite
	wireWriteEmbedded
	wireSpill
	wireRedact
)

// streamMagic is the fixed magic number that opens every stream's BEGIN
// record, letting a receiver sanity-check the byte order and framing
// before trusting anything else.
const streamMagic uint64 = 0x0000002f5bacbac

// wireVersion is the on-wire format version this package emits.
const wireVersion uint64 = 1

// wireRecord is one emitted replay record: a fixed header plus an optional
// payload whose length the header declares. Every record except BEGIN
// carries the rolling checksum-so-far in a 32-byte trailer slot, zeroed
// during its own checksum computation (spec.md §4.6).
type wireRecord struct {
	kind wireKind

	// header fields, populated according to kind; unused fields for a
	// given kind are left zero and not written.
	object      uint64
	objType     dmuType
	bonusType   dmuType
	blockSize   uint32
	bonusLen    uint32
	dnodeSlots  uint32
	indBlkShift uint32
	nLevels     uint32
	nBlkPtr     uint32
	maxBlkID    uint64
	hasSpill    bool

	firstObject uint64
	numSlots    uint64
	numObjects  uint64

	offset     uint64
	length     uint64

	toGUID   uint64
	fromGUID uint64

	compression  uint8
	compressed   bool
	compressedSz uint64
	logicalSz    uint64
	embedType    uint8

	salt [8]byte
	iv   [12]byte
	mac  [16]byte

	byteSwap bool
	dedup    bool
	unmodified bool
	clone      bool
	ciData     bool
	freeRecords bool

	creationTime uint64
	toName       string

	payload []byte

	checksum [32]byte // the trailer; Sum is copied in after folding, before write
}

type dmuType = uint16

// writeTo folds the record's header (checksum trailer zeroed) and payload
// into cksum, then — for every kind but BEGIN, which carries no checksum —
// patches the trailer with cksum's post-fold value before writing the
// patched bytes to w. This ordering matters: spec.md §4.6 requires the
// running checksum to reflect this record's own bytes (trailer zeroed)
// before that same checksum is copied into the trailer that actually
// reaches the sink.
func (r *wireRecord) writeTo(cksum *streamChecksum, w io.Writer) error {
	header := r.encodeHeader(uint32(len(r.payload)))
	if _, err := cksum.Write(header); err != nil {
		return err
	}
	if len(r.payload) > 0 {
		if _, err := cksum.Write(r.payload); err != nil {
			return err
		}
	}
	if r.kind != wireBegin {
		r.checksum = cksum.Sum()
		copy(header[len(header)-32:], r.checksum[:])
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(r.payload) > 0 {
		if _, err := w.Write(r.payload); err != nil {
			return err
		}
	}
	return nil
}

// encodeHeader renders the fixed-size header fields little-endian, per
// spec.md §6.1. The checksum trailer (32 bytes, all but BEGIN) is appended
// from r.checksum, which is still zero when writeTo encodes the record, so
// the fold sees the trailer zero-filled, matching invariant 6 ("the
// checksum field ... is zero-filled during checksum computation"). writeTo
// then patches the computed value into the same header buffer before
// writing it.
func (r *wireRecord) encodeHeader(payloadLen uint32) []byte {
	var buf []byte
	putU32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putU64 := func(v uint64) {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putBool := func(b bool) {
		if b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	putU32(uint32(r.kind))
	switch r.kind {
	case wireBegin:
		putU64(streamMagic)
		putU64(wireVersion)
		putU64(r.creationTime)
		putU64(r.toGUID)
		putU64(r.fromGUID)
		putBool(r.clone)
		putBool(r.ciData)
		putBool(r.freeRecords)
		putU32(uint32(len(r.toName)))
		buf = append(buf, r.toName...)
		putU32(uint32(len(r.payload)))
	case wireEnd:
		putU64(r.toGUID)
	case wireObject:
		putU64(r.object)
		putU32(uint32(r.objType))
		putU32(uint32(r.bonusType))
		putU32(r.blockSize)
		putU32(r.bonusLen)
		putU32(r.dnodeSlots)
		putBool(r.hasSpill)
		putU32(r.indBlkShift)
		putU32(r.nLevels)
		putU32(r.nBlkPtr)
		putU64(r.maxBlkID)
	case wireObjectRange:
		putU64(r.firstObject)
		putU64(r.numSlots)
		putU64(r.toGUID)
		putBool(r.byteSwap)
		buf = append(buf, r.salt[:]...)
		buf = append(buf, r.iv[:]...)
		buf = append(buf, r.mac[:]...)
	case wireFreeObjects:
		putU64(r.firstObject)
		putU64(r.numObjects)
		putU64(r.toGUID)
	case wireFree:
		putU64(r.object)
		putU64(r.offset)
		putU64(r.length)
	case wireWrite:
		putU64(r.object)
		putU32(uint32(r.objType))
		putU64(r.offset)
		putU64(r.toGUID)
		putU64(r.logicalSz)
		putBool(r.compressed)
		putU32(uint32(r.compression))
		putU64(r.compressedSz)
		buf = append(buf, r.salt[:]...)
		buf = append(buf, r.iv[:]...)
		buf = append(buf, r.mac[:]...)
		putBool(r.byteSwap)
		putBool(r.dedup)
	case wireWriteEmbedded:
		putU64(r.object)
		putU64(r.offset)
		putU64(r.length)
		putU64(r.toGUID)
		putU32(uint32(r.compression))
		putU32(uint32(r.embedType))
		putU64(r.logicalSz)
		putU64(r.compressedSz)
	case wireSpill:
		putU64(r.object)
		putU64(r.length)
		putU64(r.toGUID)
		putBool(r.unmodified)
		putBool(r.compressed)
		putU32(uint32(r.compression))
		putU64(r.compressedSz)
		buf = append(buf, r.salt[:]...)
		buf = append(buf, r.iv[:]...)
		buf = append(buf, r.mac[:]...)
	case wireRedact:
		putU64(r.object)
		putU64(r.offset)
		putU64(r.length)
		putU64(r.toGUID)
	}
	if r.kind != wireBegin {
		buf = append(buf, r.checksum[:]...) // zeroed at this point
	}
	return buf
}
