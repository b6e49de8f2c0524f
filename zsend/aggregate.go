// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

// aggregator holds the single pending-record slot described in spec.md §9
// ("Aggregation state"): a pending FREE, FREEOBJECTS, or REDACT record that
// may still absorb an adjacent record of the same class. Keeping exactly
// one slot, rather than a queue, is a deliberate design choice that avoids
// out-of-order flushes (spec.md §9).
type aggregator struct {
	pending *wireRecord
}

// offer presents rec to the aggregator. If rec can extend the pending
// record, it is absorbed and offer returns (nil, true). Otherwise the
// previously pending record (if any) is flushed and returned, and rec
// becomes the new pending record (absorbed is true) if it is itself
// aggregatable; if not, absorbed is false and the caller emits rec right
// after the flushed record.
func (a *aggregator) offer(rec *wireRecord) (flushed *wireRecord, absorbed bool) {
	if a.pending != nil && a.canAbsorb(a.pending, rec) {
		a.extend(a.pending, rec)
		return nil, true
	}
	flushed = a.flush()
	if a.aggregatable(rec) {
		a.pending = rec
		return flushed, true
	}
	return flushed, false
}

// flush flushes the pending record unconditionally (end of stream,
// or a record that cannot aggregate at all arrives).
func (a *aggregator) flush() *wireRecord {
	p := a.pending
	a.pending = nil
	return p
}

func (a *aggregator) aggregatable(r *wireRecord) bool {
	switch r.kind {
	case wireFree, wireFreeObjects, wireRedact:
		return true
	default:
		return false
	}
}

// canAbsorb reports whether new can extend pending: same wire kind, same
// object (for FREE/REDACT), and contiguous in (offset, length) or
// (firstObject, numObjects), per spec.md invariant 5.
func (a *aggregator) canAbsorb(pending, new *wireRecord) bool {
	if pending.kind != new.kind {
		return false
	}
	switch pending.kind {
	case wireFree, wireRedact:
		if pending.object != new.object {
			return false
		}
		return pending.offset+pending.length == new.offset
	case wireFreeObjects:
		return pending.firstObject+pending.numObjects == new.firstObject
	default:
		return false
	}
}

// extend mutates pending in place to cover new's range too. Aggregation
// caps at ^uint64(0) length for FREE, extending to end-of-object (spec.md
// §4.6).
func (a *aggregator) extend(pending, new *wireRecord) {
	switch pending.kind {
	case wireFree, wireRedact:
		if pending.length == ^uint64(0) {
			return
		}
		if new.length == ^uint64(0) {
			pending.length = ^uint64(0)
			return
		}
		pending.length += new.length
	case wireFreeObjects:
		pending.numObjects += new.numObjects
	}
}
