// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"context"

	"github.com/grailbio/zsend/dmu"
	"github.com/grailbio/zsend/errors"
)

// listStage is the generic engine behind both the FROM-list and REDACT-list
// stages of spec.md §4.3: each iterates an ordered (object, block-id, span)
// sequence and emits a kindRangeMarker record per entry, terminated by
// Eos. The two stages differ only in which RedactionList they iterate and
// which listSource tag they attach to the records they emit: the REDACT
// stage reads the target redaction bookmark's list; the FROM stage reads
// the redaction list (if any) that was attached to the `from` bookmark
// itself, i.e. the blocks that were already withheld when `from` was
// produced.
type listStage struct {
	out  *byteQueue
	scan func(ctx context.Context, emit func(*record) error) error
}

func (s *listStage) run(ctx context.Context) error {
	err := s.scan(ctx, func(r *record) error { return s.out.push(ctx, r) })
	s.out.close(err)
	return err
}

// emptyListStage implements the "no list is configured" case of spec.md
// §4.3: it emits nothing and lets run's close(nil) produce a
// clean Eos.
func emptyListStage(out *byteQueue) *listStage {
	return &listStage{out: out, scan: func(ctx context.Context, emit func(*record) error) error { return nil }}
}

// newRedactionListStage reads list and emits one kindRangeMarker per
// entry, tagged src. Entries already arrive object-major, start-blkid
// sorted per dmutest.RedactionStore.Add (and per the real on-disk
// ZAP-backed redaction object), so no further sort is needed here.
func newRedactionListStage(list dmu.RedactionList, out *byteQueue, src listSource) *listStage {
	return &listStage{out: out, scan: func(ctx context.Context, emit func(*record) error) error {
		for _, e := range list.Entries {
			if err := ctx.Err(); err != nil {
				return errors.E(errors.Interrupted, err)
			}
			r := &record{
				kind:        kindRangeMarker,
				object:      e.Object,
				startBlkID:  e.StartBlkID,
				endBlkID:    e.EndBlkID,
				rangeSource: src,
			}
			if src == listSourceRedact {
				r.historicalLSize = e.HistoricalLSize
			}
			if err := emit(r); err != nil {
				return err
			}
		}
		return nil
	}}
}
