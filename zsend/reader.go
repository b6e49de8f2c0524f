// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/zsend/dmu"
	"github.com/grailbio/zsend/errors"
	"github.com/grailbio/zsend/limiter"
	"github.com/grailbio/zsend/retry"
	"github.com/grailbio/zsend/syncqueue"
)

// readRetryPolicy governs how many times and for how long completeRead
// retries a transient Pool.ReadBlock failure before giving up. Block reads
// are idempotent, so a bounded exponential backoff is safe here in a way it
// would not be for, say, a partially-applied write.
var readRetryPolicy = retry.MaxRetries(retry.Backoff(10*time.Millisecond, time.Second, 2), 4)

// readerStage implements spec.md §4.5: it consumes merge output and, for
// every record that will carry a data payload, resolves the current block
// pointer against the TO dataset and issues an asynchronous read.
//
// Its output is a syncqueue.OrderedQueue rather than a byteQueue. Reads
// that miss the engine-wide block cache complete out of order; keying each
// record by the seq the merge stage assigned and handing them to an
// OrderedQueue lets several reads run concurrently (bounded by sem) while
// main/emit still dequeues in canonical order via Next, without main/emit
// having to wait on a per-record completion channel itself. This is the
// one place in the pipeline that needs OrderedQueue's actual reordering,
// as opposed to the other four queues, which are genuinely FIFO.
type readerStage struct {
	pool  dmu.Pool
	ds    dmu.DatasetHandle
	opts  Options
	flags FlagSet

	in  *byteQueue
	out *syncqueue.OrderedQueue

	sem *limiter.Limiter // bounds EngineConfig.ReadConcurrency in-flight reads

	// existCache remembers, per object, whether the dnode exists in the TO
	// dataset, so a run of PreviouslyRedacted records for the same object
	// does not repeat the lookup (§4.5-3).
	existCache map[uint64]bool
}

func newReaderStage(pool dmu.Pool, ds dmu.DatasetHandle, opts Options, flags FlagSet, concurrency int, in *byteQueue, out *syncqueue.OrderedQueue) *readerStage {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := limiter.New()
	sem.Release(concurrency)
	return &readerStage{
		pool:       pool,
		ds:         ds,
		opts:       opts,
		flags:      flags,
		in:         in,
		out:        out,
		sem:        sem,
		existCache: make(map[uint64]bool),
	}
}

// readResult is what the reader stage hands main/emit through out, one per
// OrderedQueue slot.
type readResult struct {
	record *record
}

// run drives the stage. The background read-completion goroutines it
// spawns call s.out.Insert themselves; closing s.out must wait for all of
// them to finish (syncqueue.OrderedQueue forbids Insert after Close), so
// the deferred wg.Wait() must run strictly before the deferred Close.
func (s *readerStage) run(ctx context.Context) (err error) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		s.out.Close(err)
	}()

	// outSeq is this stage's own canonical-order counter. A single
	// PreviouslyRedacted record can expand to several Hole/Data records
	// (§4.5 "PreviouslyRedacted resolution"), so the seq the merge stage
	// assigned no longer identifies one output record 1:1; outSeq is
	// assigned, in order, at dispatch time in this single-threaded loop,
	// then captured by value for the completing goroutine to Insert under.
	outSeq := 0
	next := func() int {
		v := outSeq
		outSeq++
		return v
	}

	for {
		var r *record
		r, err = s.in.pop(ctx)
		if err != nil {
			return err
		}
		if r.kind == kindEos {
			err = s.out.Insert(next(), readResult{record: r})
			return err
		}
		var expanded []*record
		expanded, err = s.resolve(ctx, r)
		if err != nil {
			return err
		}
		if len(expanded) == 0 {
			// A dropped PreviouslyRedacted record (object gone at TO) still
			// occupies one slot in the canonical order; insert a no-op
			// placeholder so the OrderedQueue's sequence stays contiguous.
			if err = s.out.Insert(next(), readResult{}); err != nil {
				return err
			}
			continue
		}
		for _, out := range expanded {
			out := out
			if out.kind != kindData {
				if err = s.out.Insert(next(), readResult{record: out}); err != nil {
					return err
				}
				continue
			}
			if acqErr := s.sem.Acquire(ctx, 1); acqErr != nil {
				err = errors.E(errors.Interrupted, acqErr)
				return err
			}
			seq := next()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.sem.Release(1)
				s.completeRead(ctx, out)
				_ = s.out.Insert(seq, readResult{record: out})
			}()
		}
	}
}

// resolve expands a PreviouslyRedacted record into Hole/Data records per
// spec.md §4.5 "PreviouslyRedacted resolution"; every other kind passes
// through unchanged. When the object no longer exists at TO, it returns
// an empty slice and the record is dropped.
func (s *readerStage) resolve(ctx context.Context, r *record) ([]*record, error) {
	if r.kind != kindPreviouslyRedacted {
		return []*record{r}, nil
	}

	exists, cached := s.existCache[r.object]
	if !cached {
		_, err := s.pool.Dnode(ctx, s.ds, r.object)
		exists = err == nil
		if err != nil && !errors.Is(errors.NotFound, err) {
			return nil, err
		}
		s.existCache[r.object] = exists
	}
	if !exists {
		return nil, nil
	}

	dn, err := s.pool.Dnode(ctx, s.ds, r.object)
	if err != nil {
		return nil, errors.E(errors.IoError, "resolving previously-redacted object", err)
	}
	end := r.endBlkID
	if dn.MaxBlkID+1 < end {
		end = dn.MaxBlkID + 1
	}
	if end <= r.startBlkID {
		return nil, nil
	}
	children, err := s.pool.Children(ctx, s.ds, dn.RootBP, r.startBlkID, end)
	if err != nil {
		return nil, errors.E(errors.IoError, "walking previously-redacted span", err)
	}

	var out []*record
	holeStart := r.startBlkID
	inHole := true
	flushHole := func(at dmu.BlockID) {
		if at > holeStart {
			hr := &record{kind: kindHole, object: r.object, startBlkID: holeStart, endBlkID: at, seq: r.seq}
			hr.hole = &holeBody{LSize: dn.BlockSize}
			out = append(out, hr)
		}
	}
	for i, bp := range children {
		blkid := r.startBlkID + dmu.BlockID(i)
		if bp.Hole {
			if !inHole {
				inHole, holeStart = true, blkid
			}
			continue
		}
		if inHole {
			flushHole(blkid)
			inHole = false
		}
		dr := &record{kind: kindData, object: r.object, startBlkID: blkid, endBlkID: blkid + 1, seq: r.seq}
		dr.data = newDataBody()
		dr.data.BP = bp
		dr.data.LSize = dn.BlockSize
		out = append(out, dr)
		holeStart = blkid + 1
	}
	if inHole {
		flushHole(end)
	}
	return out, nil
}

// chooseReadKind implements spec.md §4.5 "Read policy".
func chooseReadKind(flags FlagSet, bp dmu.BlockPointer) dmu.ReadKind {
	if flags.Has(FlagRaw) {
		return dmu.RawCompressed
	}
	if flags.Has(FlagCompressed) && !bp.Embedded && !bp.ByteSwap && bp.Type != dmu.MetaDnodeType {
		return dmu.Compressed
	}
	return dmu.Decompressed
}

// completeRead performs r's read, synchronously or not (the Pool
// implementation decides; a cache hit is cheap either way per spec.md
// §4.5), and signals r.data's completion condition exactly once.
func (s *readerStage) completeRead(ctx context.Context, r *record) {
	kind := chooseReadKind(s.flags, r.data.BP)
	r.data.Kind = kind
	var blk dmu.Block
	var err error
	for attempt := 0; ; attempt++ {
		blk, err = s.pool.ReadBlock(ctx, s.ds, r.object, r.startBlkID, kind)
		if err == nil || !errors.Is(errors.IoError, err) {
			break
		}
		if waitErr := retry.Wait(ctx, readRetryPolicy, attempt); waitErr != nil {
			break
		}
	}
	if err != nil {
		errKind := errors.IoError
		if errors.Is(errors.CorruptionError, err) {
			errKind = errors.CorruptionError
		}
		r.data.complete(nil, errors.E(errKind, "reading block", err))
		return
	}
	r.data.complete(blk.Data, nil)
}
