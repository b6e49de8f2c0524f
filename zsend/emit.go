// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"context"
	"io"

	"github.com/grailbio/zsend/dmu"
	"github.com/grailbio/zsend/errors"
	"github.com/grailbio/zsend/syncqueue"
)

// legacyMaxBlockSize is SPA_OLD_MAXBLOCKSIZE: the largest WRITE payload a
// receiver without LARGE_BLOCKS may accept (spec.md Scenario C).
const legacyMaxBlockSize = 128 << 10

// mainStage implements spec.md §4.6: it reads completed records from the
// reader stage in canonical order, translates each into one or more
// on-wire records, maintains the rolling checksum and the single pending-
// aggregation slot, and writes to the sink.
type mainStage struct {
	in     *syncqueue.OrderedQueue
	sink   io.Writer
	flags  FlagSet
	toGUID uint64
	config EngineConfig

	cksum streamChecksum
	agg   aggregator

	// objType remembers each object's dnode type, populated when its
	// Object record is emitted, for use building later WRITE headers
	// (§6.1 WRITE's "type" field). Object records always precede a
	// object's Data records in canonical order (§3.2-3).
	objType map[uint64]dmu.DnodeType

	haveLast              bool
	lastObject, lastOffset uint64

	bytesWritten int64
	// progress is invoked after every successful sink write, mirroring
	// spec.md §6.3's progress_cursor mutation.
	progress func(object, offset uint64)
}

func newMainStage(in *syncqueue.OrderedQueue, sink io.Writer, flags FlagSet, toGUID uint64, cfg EngineConfig) *mainStage {
	return &mainStage{
		in:      in,
		sink:    sink,
		flags:   flags,
		toGUID:  toGUID,
		config:  cfg,
		objType: make(map[uint64]dmu.DnodeType),
	}
}

func (m *mainStage) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.E(errors.Interrupted, err)
		}
		v, ok, err := m.in.Next()
		if err != nil {
			return err
		}
		if !ok {
			return m.flushPending()
		}
		res := v.(readResult)
		r := res.record
		if r == nil {
			continue // dropped PreviouslyRedacted placeholder
		}
		if r.kind == kindEos {
			return m.flushPending()
		}
		if err := m.emit(ctx, r); err != nil {
			return err
		}
	}
}

func (m *mainStage) emit(ctx context.Context, r *record) error {
	switch r.kind {
	case kindObject:
		return m.emitObject(r)
	case kindObjectRange:
		return m.emitObjectRange(r)
	case kindData:
		return m.emitData(r)
	case kindHole:
		return m.emitHole(r)
	case kindRedact:
		return m.emitRedact(r)
	default:
		return errors.E(errors.ProtocolError, "unexpected record kind reaching main stage", r.kind.String())
	}
}

// write folds w into the rolling checksum and sends it to the sink,
// advancing the progress cursor on success (spec.md §4.6, §6.3).
func (m *mainStage) write(w *wireRecord) error {
	if err := w.writeTo(&m.cksum, m.sink); err != nil {
		return errors.E(errors.SinkError, "writing to sink", err)
	}
	if m.progress != nil {
		m.progress(w.object, w.offset)
	}
	return nil
}

// flushPending unconditionally flushes and writes the aggregator's pending
// record, if any (spec.md §4.6 step 1 and the Eos case of step 7).
func (m *mainStage) flushPending() error {
	if w := m.agg.flush(); w != nil {
		return m.write(w)
	}
	return nil
}

// offerAggregated routes w through the aggregator, writing whatever it
// flushes.
func (m *mainStage) offerAggregated(w *wireRecord) error {
	flushed, absorbed := m.agg.offer(w)
	if flushed != nil {
		if err := m.write(flushed); err != nil {
			return err
		}
	}
	if !absorbed {
		return m.write(w)
	}
	return nil
}

func (m *mainStage) emitObject(r *record) error {
	if err := m.flushPending(); err != nil {
		return err
	}
	dn := r.objBody.Dnode
	m.objType[r.object] = dn.Type

	bonusLen := dn.BonusLen
	if m.flags.Has(FlagRaw) {
		bonusLen = dn.RawBonusLen
	}
	w := &wireRecord{
		kind:        wireObject,
		object:      r.object,
		objType:     uint16(dn.Type),
		bonusType:   uint16(dn.BonusType),
		blockSize:   dn.BlockSize,
		bonusLen:    bonusLen,
		dnodeSlots:  uint32(dn.DNodeSlots),
		hasSpill:    dn.HasSpill,
		toGUID:      m.toGUID,
		payload:     padTo8(dn.Bonus),
	}
	if m.flags.Has(FlagRaw) {
		w.indBlkShift = uint32(dn.IndBlkShift)
		w.nLevels = uint32(dn.NumLevels)
		w.nBlkPtr = uint32(dn.NBlkPtr)
		w.maxBlkID = uint64(dn.MaxBlkID)
	}
	if err := m.write(w); err != nil {
		return err
	}

	// spec.md §9 Open Question: a trailing FREE past the object's max
	// blkid is emitted unconditionally, even if a subsequent record
	// immediately overwrites part of the range. Do not special-case this
	// away.
	freeOffset := uint64(dn.MaxBlkID+1) * uint64(dn.BlockSize)
	trailer := &wireRecord{kind: wireFree, object: r.object, offset: freeOffset, length: ^uint64(0)}
	return m.offerAggregated(trailer)
}

func (m *mainStage) emitObjectRange(r *record) error {
	if err := m.flushPending(); err != nil {
		return err
	}
	b := r.rngBody
	w := &wireRecord{
		kind:        wireObjectRange,
		firstObject: b.FirstObject,
		numSlots:    b.NumSlots,
		toGUID:      m.toGUID,
		byteSwap:    b.ByteSwap,
		salt:        b.Salt,
		iv:          b.IV,
		mac:         b.MAC,
	}
	return m.write(w)
}

func (m *mainStage) emitHole(r *record) error {
	if r.object == 0 {
		w := &wireRecord{kind: wireFreeObjects, firstObject: uint64(r.startBlkID), numObjects: uint64(r.endBlkID - r.startBlkID), toGUID: m.toGUID}
		return m.offerAggregated(w)
	}
	lsize := uint64(r.hole.LSize)
	w := &wireRecord{
		kind:   wireFree,
		object: r.object,
		offset: uint64(r.startBlkID) * lsize,
		length: uint64(r.endBlkID-r.startBlkID) * lsize,
	}
	return m.offerAggregated(w)
}

func (m *mainStage) emitRedact(r *record) error {
	lsize := uint64(r.redact.LSize)
	w := &wireRecord{
		kind:   wireRedact,
		object: r.object,
		offset: uint64(r.startBlkID) * lsize,
		length: uint64(r.endBlkID-r.startBlkID) * lsize,
		toGUID: m.toGUID,
	}
	return m.offerAggregated(w)
}

func (m *mainStage) emitData(r *record) error {
	if err := m.flushPending(); err != nil {
		return err
	}
	payload, err := r.data.wait()
	if err != nil {
		if m.config.AllowCorruptData && errors.Is(errors.CorruptionError, err) {
			payload = make([]byte, r.data.LSize)
		} else {
			return err
		}
	}
	bp := r.data.BP

	if r.startBlkID == dmu.SpillBlockID {
		if !m.flags.Has(FlagSASpill) {
			return errors.E(errors.ProtocolError, "spill block encountered without SA_SPILL negotiated")
		}
		// A spill block has no address-space offset; it always follows
		// every ordinary WRITE for its object, so ^uint64(0) keeps the
		// monotone check (§3.2-1) meaningful without a real offset.
		return m.assertMonotoneSpillAndWrite(r, bp, payload)
	}

	if bp.Embedded {
		if m.flags.Has(FlagEmbedData) && m.embedCompressionOK(bp) {
			return m.assertMonotoneAndWrite(r.object, uint64(r.startBlkID)*uint64(r.data.LSize), &wireRecord{
				kind:         wireWriteEmbedded,
				object:       r.object,
				offset:       uint64(r.startBlkID) * uint64(r.data.LSize),
				length:       uint64(len(payload)),
				toGUID:       m.toGUID,
				compression:  uint8(bp.Compression),
				embedType:    bp.EmbedType,
				logicalSz:    bp.LSize,
				compressedSz: bp.PSize,
				payload:      payload,
			})
		}
		// Embedding not negotiated: the reader stage is expected to have
		// requested the decompressed form already for embedded BPs (see
		// chooseReadKind), so payload here is the plain leaf bytes and a
		// normal WRITE is correct.
	}

	objType := m.objType[r.object]
	offset := uint64(r.startBlkID) * uint64(r.data.LSize)

	if r.data.Kind != dmu.Decompressed {
		// Compressed or raw payload: never split regardless of size; a
		// compressed blob has no fixed-offset chunk boundaries to split
		// at (see DESIGN.md).
		return m.assertMonotoneAndWrite(r.object, offset, m.buildWrite(r, objType, offset, payload, bp))
	}

	if !m.flags.Has(FlagLargeBlocks) && uint64(len(payload)) > legacyMaxBlockSize {
		for off := uint64(0); off < uint64(len(payload)); off += legacyMaxBlockSize {
			end := off + legacyMaxBlockSize
			if end > uint64(len(payload)) {
				end = uint64(len(payload))
			}
			chunk := payload[off:end]
			w := &wireRecord{
				kind:      wireWrite,
				object:    r.object,
				objType:   objType,
				offset:    offset + off,
				toGUID:    m.toGUID,
				logicalSz: uint64(len(chunk)),
				payload:   chunk,
			}
			if err := m.assertMonotoneAndWrite(r.object, offset+off, w); err != nil {
				return err
			}
		}
		return nil
	}

	return m.assertMonotoneAndWrite(r.object, offset, m.buildWrite(r, objType, offset, payload, bp))
}

func (m *mainStage) buildWrite(r *record, objType dmu.DnodeType, offset uint64, payload []byte, bp dmu.BlockPointer) *wireRecord {
	w := &wireRecord{
		kind:      wireWrite,
		object:    r.object,
		objType:   uint16(objType),
		offset:    offset,
		toGUID:    m.toGUID,
		logicalSz: bp.LSize,
		payload:   payload,
	}
	switch r.data.Kind {
	case dmu.RawCompressed:
		w.compressed = true
		w.compression = uint8(bp.Compression)
		w.compressedSz = bp.PSize
		w.salt, w.iv, w.mac = bp.Salt, bp.IV, bp.MAC
		w.byteSwap = bp.ByteSwap
	case dmu.Compressed:
		w.compressed = true
		w.compression = uint8(bp.Compression)
		w.compressedSz = bp.PSize
	}
	return w
}

func (m *mainStage) assertMonotoneSpillAndWrite(r *record, bp dmu.BlockPointer, payload []byte) error {
	w := &wireRecord{
		kind:   wireSpill,
		object: r.object,
		toGUID: m.toGUID,
	}
	switch r.data.Kind {
	case dmu.RawCompressed:
		w.compressed = true
		w.compression = uint8(bp.Compression)
		w.compressedSz = bp.PSize
		w.length = bp.PSize
		w.salt, w.iv, w.mac = bp.Salt, bp.IV, bp.MAC
	case dmu.Compressed:
		w.compressed = true
		w.compression = uint8(bp.Compression)
		w.compressedSz = bp.PSize
		w.length = bp.PSize
	default:
		w.length = bp.LSize
	}
	w.payload = payload
	if !m.config.IncludeUnmodifiedSpill && bp.BirthTxg == 0 {
		w.unmodified = true
	}
	return m.assertMonotoneAndWrite(r.object, ^uint64(0), w)
}

// embedCompressionOK gates WRITE_EMBEDDED on the compression the embedded
// payload uses being permitted by negotiated flags (spec.md §6.2: LZ4
// gates legacy-compression embedded payloads).
func (m *mainStage) embedCompressionOK(bp dmu.BlockPointer) bool {
	if bp.Compression == dmu.CompressOff {
		return true
	}
	if bp.Compression == dmu.CompressLZ4 {
		return m.flags.Has(FlagLZ4)
	}
	if bp.Compression == dmu.CompressZSTD {
		return m.flags.Has(FlagZSTD)
	}
	return true
}

// assertMonotoneAndWrite enforces invariant 1 (spec.md §3.2-1) before
// writing a WRITE/WRITE_EMBEDDED/SPILL record.
func (m *mainStage) assertMonotoneAndWrite(object, offset uint64, w *wireRecord) error {
	if m.haveLast {
		if object < m.lastObject || (object == m.lastObject && offset <= m.lastOffset) {
			return errors.E(errors.ProtocolError, "monotone emission order violated")
		}
	}
	m.lastObject, m.lastOffset, m.haveLast = object, offset, true
	return m.write(w)
}

func padTo8(b []byte) []byte {
	if len(b)%8 == 0 {
		return b
	}
	padded := make([]byte, (len(b)+7)&^7)
	copy(padded, b)
	return padded
}
