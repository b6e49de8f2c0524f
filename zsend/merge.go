// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"context"
	"sort"

	"github.com/grailbio/zsend/dmu"
)

// blkRange is a half-open [start, end) block-id interval. lsize carries
// dmu.RedactionEntry.HistoricalLSize for ranges sourced from the REDACT-list
// (see record.historicalLSize); it is meaningless for FROM-list-sourced
// ranges and is left zero there.
type blkRange struct {
	start, end dmu.BlockID
	lsize      uint32
}

// mergeStage implements spec.md §4.4's 3-way merge of the TO, FROM-list, and
// REDACT-list streams. The REDACT-list and FROM-list are drained fully into
// in-core per-object interval indexes before TO is consumed — mirroring the
// source, which loads the whole redaction block list into an in-memory AVL
// tree for the duration of a send rather than streaming it record by
// record.
//
// Each object's REDACT-list and FROM-list ranges partition into three sets
// (spec.md §4.3, §4.5, invariant 4):
//
//   - drop:   redacted at FROM and still redacted now — the receiver already
//     lacks this data and must keep lacking it; no record at all.
//   - redact: redacted now but not at FROM — newly withheld this send.
//   - revive: redacted at FROM but not now — must be resent as real data.
//
// TO drives output for every object it visits, with drop/redact/revive only
// modulating how each TO record is classified. For an object TO never
// visits at all (unmodified since `from`, so toStage's birth-txg skip never
// looks at it), or for a span within a visited object that toStage skipped
// for the same reason, drop/redact/revive entries still apply: redact and
// revive spans falling in such a gap are synthesized as standalone records
// so the REDACT-list and the FROM-list's revival obligation are honored
// even where TO produced nothing to classify.
type mergeStage struct {
	to     *byteQueue
	from   *byteQueue
	redact *byteQueue
	out    *byteQueue
}

func (m *mergeStage) run(ctx context.Context) error {
	defer m.out.close(nil)

	fromIdx, err := drainRanges(ctx, m.from)
	if err != nil {
		return err
	}
	redactIdx, err := drainRanges(ctx, m.redact)
	if err != nil {
		return err
	}

	objects := sortedObjectUnion(fromIdx, redactIdx)
	drop := make(map[uint64][]blkRange, len(objects))
	redact := make(map[uint64][]blkRange, len(objects))
	revive := make(map[uint64][]blkRange, len(objects))
	for _, object := range objects {
		drop[object] = intersectRanges(redactIdx[object], fromIdx[object])
		redact[object] = differenceRanges(redactIdx[object], fromIdx[object])
		revive[object] = differenceRanges(fromIdx[object], redactIdx[object])
	}

	seq := 0
	emit := func(r *record) error {
		r.seq = seq
		seq++
		return m.out.push(ctx, r)
	}

	// ri walks objects in ascending order, in step with TO's own ascending
	// object walk, so standalone records for objects TO skips entirely are
	// interleaved into the output at the right position in canonical order.
	ri := 0
	flushStandaloneBelow := func(bound uint64) error {
		for ri < len(objects) && objects[ri] < bound {
			object := objects[ri]
			ri++
			for _, rr := range redact[object] {
				if err := emit(standaloneRedact(object, rr)); err != nil {
					return err
				}
			}
			for _, rr := range revive[object] {
				if err := emit(standalonePreviouslyRedacted(object, rr)); err != nil {
					return err
				}
			}
		}
		return nil
	}

	processObject := func(object uint64, batch []*record) error {
		if err := flushStandaloneBelow(object); err != nil {
			return err
		}
		if ri < len(objects) && objects[ri] == object {
			// TO visited this object itself; mergeObject below already
			// accounts for its redact/revive gaps, so skip the standalone
			// pass for it.
			ri++
		}
		for _, out := range m.mergeObject(object, batch, drop[object], redact[object], revive[object]) {
			if err := emit(out); err != nil {
				return err
			}
		}
		return nil
	}

	var pendingObject uint64
	var pendingBatch []*record
	havePending := false

	for {
		r, err := m.to.pop(ctx)
		if err != nil {
			return err
		}
		if r.kind == kindEos {
			if havePending {
				if err := processObject(pendingObject, pendingBatch); err != nil {
					return err
				}
			}
			if err := flushStandaloneBelow(^uint64(0)); err != nil {
				return err
			}
			return emit(r)
		}
		if havePending && r.object != pendingObject {
			if err := processObject(pendingObject, pendingBatch); err != nil {
				return err
			}
			pendingBatch = nil
		}
		pendingObject = r.object
		havePending = true
		pendingBatch = append(pendingBatch, r)
	}
}

// mergeObject classifies one object's buffered TO records against its
// drop/redact ranges, then fills in any redact/revive span TO's own walk
// skipped over (birth-txg gaps), and returns everything in canonical order.
func (m *mergeStage) mergeObject(object uint64, batch []*record, drop, redact, revive []blkRange) []*record {
	var whole []*record
	var perBlk []*record
	var toSpans []blkRange
	for _, r := range batch {
		switch r.kind {
		case kindObject, kindObjectRange:
			whole = append(whole, r)
			continue
		case kindHole:
			if object == 0 {
				whole = append(whole, r)
				continue
			}
		}
		perBlk = append(perBlk, r)
		toSpans = append(toSpans, blkRange{start: r.startBlkID, end: r.endBlkID})
	}

	var out []*record
	for _, r := range perBlk {
		out = append(out, m.classify3(r, drop, redact)...)
	}
	for _, rr := range differenceRanges(redact, toSpans) {
		out = append(out, standaloneRedact(object, rr))
	}
	for _, rr := range differenceRanges(revive, toSpans) {
		out = append(out, standalonePreviouslyRedacted(object, rr))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].less(out[j]) })

	return append(whole, out...)
}

// taggedRange is a drop or redact interval tagged so classify3 can sweep
// both lists in one pass; drop and redact are always disjoint, since both
// are derived by intersecting/differencing the same two per-object lists.
type taggedRange struct {
	blkRange
	drop bool
}

func mergeTagged(drop, redact []blkRange) []taggedRange {
	out := make([]taggedRange, 0, len(drop)+len(redact))
	for _, rr := range drop {
		out = append(out, taggedRange{rr, true})
	}
	for _, rr := range redact {
		out = append(out, taggedRange{rr, false})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

// classify3 applies the three-way tie rule to a single TO record r: the
// portion covered by drop produces no record at all (invariant 4), the
// portion covered by redact is replaced by a Redact record, and the
// remainder passes through unchanged, splitting r at range boundaries as
// needed.
func (m *mergeStage) classify3(r *record, drop, redact []blkRange) []*record {
	switch r.kind {
	case kindObject, kindObjectRange:
		return []*record{r}
	case kindHole:
		if r.object == 0 {
			return []*record{r}
		}
	}

	combined := mergeTagged(drop, redact)
	if len(combined) == 0 {
		return []*record{r}
	}

	var out []*record
	cur := r.startBlkID
	for _, seg := range combined {
		if seg.end <= cur || seg.start >= r.endBlkID {
			continue
		}
		start := maxBlkID(seg.start, cur)
		end := minBlkID(seg.end, r.endBlkID)
		if start > cur {
			out = append(out, sliceRecord(r, cur, start))
		}
		if !seg.drop {
			out = append(out, redactSlice(r, start, end))
		}
		cur = end
	}
	if cur < r.endBlkID {
		out = append(out, sliceRecord(r, cur, r.endBlkID))
	}
	return out
}

// sliceRecord returns r narrowed to [start, end), reusing r's body. toStage's
// Data records cover exactly one block, but its coalesced Hole and Redact
// records may span many, so classify3 can cut one of those into several
// pieces at drop/redact range boundaries.
func sliceRecord(r *record, start, end dmu.BlockID) *record {
	if start == r.startBlkID && end == r.endBlkID {
		return r
	}
	cp := *r
	cp.startBlkID, cp.endBlkID = start, end
	return &cp
}

// redactSlice produces a Redact record covering [start, end) in place of
// r's original kind, dropping any pending read so the reader stage never
// issues IO for data the merge has decided to withhold.
func redactSlice(r *record, start, end dmu.BlockID) *record {
	lsize := uint32(0)
	switch r.kind {
	case kindData:
		lsize = r.data.LSize
	case kindHole:
		lsize = r.hole.LSize
	case kindRedact:
		lsize = r.redact.LSize
	}
	return &record{
		kind:       kindRedact,
		object:     r.object,
		startBlkID: start,
		endBlkID:   end,
		redact:     &redactBody{LSize: lsize},
	}
}

// standaloneRedact synthesizes a Redact record for a span TO never visited
// at all (neither the object nor, within a visited object, this particular
// block range), so lsize must come from the REDACT-list entry's
// HistoricalLSize rather than from any TO record body.
func standaloneRedact(object uint64, rr blkRange) *record {
	return &record{
		kind:       kindRedact,
		object:     object,
		startBlkID: rr.start,
		endBlkID:   rr.end,
		redact:     &redactBody{LSize: rr.lsize},
	}
}

// standalonePreviouslyRedacted synthesizes a PreviouslyRedacted record for a
// revive span TO never visited, so readerStage.resolve can look up the
// current dnode and send the real Hole/Data content. Revive spans come from
// FROM-list ranges, which carry no lsize, so LSize here is zero: resolve()
// replaces this record outright with ones stamped with the dnode's real
// block size once it reads it, so the zero size does not affect wire output.
func standalonePreviouslyRedacted(object uint64, rr blkRange) *record {
	return &record{
		kind:       kindPreviouslyRedacted,
		object:     object,
		startBlkID: rr.start,
		endBlkID:   rr.end,
		prevRed:    &previouslyRedactedBody{LSize: rr.lsize},
	}
}

// drainRanges pops every kindRangeMarker off q until Eos, grouping by
// object. Entries arrive object-major and start-sorted from both
// listStage producers, so no further sort is needed within a group.
func drainRanges(ctx context.Context, q *byteQueue) (map[uint64][]blkRange, error) {
	idx := make(map[uint64][]blkRange)
	for {
		r, err := q.pop(ctx)
		if err != nil {
			return nil, err
		}
		if r.kind == kindEos {
			return idx, nil
		}
		idx[r.object] = append(idx[r.object], blkRange{r.startBlkID, r.endBlkID, r.historicalLSize})
	}
}

// sortedObjectUnion returns the sorted set of object ids that appear in
// either index.
func sortedObjectUnion(a, b map[uint64][]blkRange) []uint64 {
	seen := make(map[uint64]bool, len(a)+len(b))
	out := make([]uint64, 0, len(a)+len(b))
	for o := range a {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	for o := range b {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// intersectRanges returns the intersection of two sorted, non-overlapping
// interval lists. Output ranges carry a's lsize.
func intersectRanges(a, b []blkRange) []blkRange {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	a = append([]blkRange(nil), a...)
	b = append([]blkRange(nil), b...)
	sort.Slice(a, func(i, j int) bool { return a[i].start < a[j].start })
	sort.Slice(b, func(i, j int) bool { return b[i].start < b[j].start })

	var out []blkRange
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := maxBlkID(a[i].start, b[j].start)
		end := minBlkID(a[i].end, b[j].end)
		if start < end {
			out = append(out, blkRange{start, end, a[i].lsize})
		}
		if a[i].end < b[j].end {
			i++
		} else {
			j++
		}
	}
	return out
}

// differenceRanges returns the portions of a not covered by any range in b.
// Both inputs are treated as sorted, non-overlapping interval lists (the
// same precondition intersectRanges relies on). Output ranges carry a's
// lsize.
func differenceRanges(a, b []blkRange) []blkRange {
	if len(a) == 0 {
		return nil
	}
	if len(b) == 0 {
		return append([]blkRange(nil), a...)
	}
	a = append([]blkRange(nil), a...)
	b = append([]blkRange(nil), b...)
	sort.Slice(a, func(i, j int) bool { return a[i].start < a[j].start })
	sort.Slice(b, func(i, j int) bool { return b[i].start < b[j].start })

	var out []blkRange
	bi := 0
	for _, rr := range a {
		cur := rr.start
		for bi < len(b) && b[bi].end <= cur {
			bi++
		}
		j := bi
		for j < len(b) && b[j].start < rr.end {
			if b[j].start > cur {
				out = append(out, blkRange{cur, b[j].start, rr.lsize})
			}
			if b[j].end > cur {
				cur = b[j].end
			}
			j++
		}
		if cur < rr.end {
			out = append(out, blkRange{cur, rr.end, rr.lsize})
		}
	}
	return out
}

func maxBlkID(a, b dmu.BlockID) dmu.BlockID {
	if a > b {
		return a
	}
	return b
}

func minBlkID(a, b dmu.BlockID) dmu.BlockID {
	if a < b {
		return a
	}
	return b
}
