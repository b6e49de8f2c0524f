// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grailbio/zsend/dmu"
	"github.com/grailbio/zsend/errors"
	"github.com/grailbio/zsend/syncqueue"
)

// Progress is the caller-visible progress cursor of spec.md §6.3: the main
// stage mutates Object/Offset after every successful sink write, and
// toStage's visited-block counter is exposed for coarser-grained reporting
// (spec.md §4.2 "Tracks a shared 'blocks visited' counter").
type Progress struct {
	Object        uint64
	Offset        uint64
	BlocksVisited int64
}

// Engine is the send-stream orchestrator of spec.md §4.7: it resolves
// holds, negotiates feature flags, builds the five-stage pipeline, pumps
// the main stage, and tears everything down on completion or error.
type Engine struct {
	Pool    dmu.Pool
	Catalog dmu.Catalog
	Redact  dmu.RedactionStore
	Config  EngineConfig
}

// NewEngine constructs an Engine with DefaultEngineConfig.
func NewEngine(pool dmu.Pool, catalog dmu.Catalog, redact dmu.RedactionStore) *Engine {
	return &Engine{Pool: pool, Catalog: catalog, Redact: redact, Config: DefaultEngineConfig()}
}

// Send serializes the range between an already-resolved from-endpoint
// (nil for a full send) and the already-held to-dataset. This is the Go
// name for send_obj (§6.3): the caller supplies handles directly rather
// than asking the engine to resolve them from the catalog by name, and
// retains ownership of any holds.
func (e *Engine) Send(ctx context.Context, to dmu.DatasetHandle, from *dmu.Bookmark, opts Options, sink io.Writer, progress *Progress) error {
	return e.send(ctx, to, from, opts, sink, progress)
}

// SendNamed resolves to and, optionally, from by name through the
// Catalog, long-holding each for the duration of the send and releasing
// them in reverse acquisition order at the end (§4.7 step 1, step 6).
// This is the Go name for send_named (§6.3).
func (e *Engine) SendNamed(ctx context.Context, toName, fromName string, opts Options, sink io.Writer, progress *Progress) error {
	to, err := e.Catalog.Hold(ctx, toName)
	if err != nil {
		return err
	}
	defer e.Catalog.Release(ctx, to)

	var from *dmu.Bookmark
	if fromName != "" {
		b, err := e.Catalog.ResolveBookmark(ctx, fromName)
		if err != nil {
			return err
		}
		from = &b
	}
	return e.send(ctx, to, from, opts, sink, progress)
}

func (e *Engine) send(ctx context.Context, to dmu.DatasetHandle, from *dmu.Bookmark, opts Options, sink io.Writer, progress *Progress) (retErr error) {
	if opts.RawOK && !to.Encrypted {
		return errors.E(errors.CallerError, "raw send requested for an unencrypted dataset")
	}

	caps, err := e.Pool.Capabilities(ctx, to)
	if err != nil {
		return errors.E(errors.IoError, "reading pool capabilities", err)
	}
	dsCaps := datasetCapabilities{
		Encrypted:        to.Encrypted,
		SupportsLZ4:      caps.SupportsLZ4,
		SupportsZSTD:     caps.SupportsZSTD,
		HasLargeDnodes:   caps.HasLargeDnodes,
		HasSpillBlocks:   caps.HasSpillBlocks,
		HasLargeMicroZAP: caps.HasLargeMicroZAP,
		HasLongNames:     caps.HasLongNames,
	}
	flags, err := negotiate(opts, dsCaps)
	if err != nil {
		return err
	}

	var fromTxg uint64
	var fromRedactListID string
	if from != nil {
		fromTxg = from.CreationTxg
		fromRedactListID = from.RedactionList
	}

	var redactList dmu.RedactionList
	var redactSnaps []uint64
	if opts.RedactBookmark != "" {
		b, err := e.Catalog.ResolveBookmark(ctx, opts.RedactBookmark)
		if err != nil {
			return err
		}
		if b.RedactionList != "" {
			redactList, err = e.Redact.Load(ctx, b.RedactionList)
			if err != nil {
				return err
			}
		}
		redactSnaps = []uint64{b.GUID}
	}
	var fromRedactList dmu.RedactionList
	if fromRedactListID != "" {
		fromRedactList, err = e.Redact.Load(ctx, fromRedactListID)
		if err != nil {
			return err
		}
	}

	cfg := e.Config
	main := newMainStage(nil, sink, flags, to.GUID, cfg)
	if progress != nil {
		main.progress = func(object, offset uint64) {
			progress.Object, progress.Offset = object, offset
		}
	}

	begin := e.buildBegin(to, from, opts, flags, redactSnaps, fromRedactList)
	if err := main.write(begin); err != nil {
		return err
	}

	toQueue := newByteQueue(cfg.QueueBytes)
	fromQueue := newByteQueue(cfg.QueueBytes)
	redactQueue := newByteQueue(cfg.QueueBytes)
	mergeOut := newByteQueue(cfg.QueueBytes)
	readerOut := syncqueue.NewOrderedQueue(maxInt(cfg.ReadConcurrency*2, 2))

	var visited int64
	if progress != nil {
		go func() {
			// Coarse polling is adequate: BlocksVisited is advisory
			// progress, not used for correctness.
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
					atomic.StoreInt64(&progress.BlocksVisited, atomic.LoadInt64(&visited))
				}
			}
		}()
	}

	toS := &toStage{pool: e.Pool, ds: to, fromTxg: fromTxg, resumeObj: opts.ResumeObj, resumeOff: opts.ResumeOff, flags: flags, out: toQueue, visited: &visited}
	fromS := emptyListStage(fromQueue)
	if fromRedactListID != "" {
		fromS = newRedactionListStage(fromRedactList, fromQueue, listSourceFrom)
	}
	redactS := emptyListStage(redactQueue)
	if opts.RedactBookmark != "" {
		redactS = newRedactionListStage(redactList, redactQueue, listSourceRedact)
	}
	mergeS := &mergeStage{to: toQueue, from: fromQueue, redact: redactQueue, out: mergeOut}
	readerS := newReaderStage(e.Pool, to, opts, flags, cfg.ReadConcurrency, mergeOut, readerOut)
	main.in = readerOut

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return toS.run(gctx) })
	g.Go(func() error { return fromS.run(gctx) })
	g.Go(func() error { return redactS.run(gctx) })
	g.Go(func() error { return mergeS.run(gctx) })
	g.Go(func() error { return readerS.run(gctx) })

	mainErr := main.run(gctx)
	stageErr := g.Wait()

	err = firstRealError(mainErr, stageErr)
	if err != nil {
		return err
	}
	if progress != nil {
		progress.BlocksVisited = atomic.LoadInt64(&visited)
	}
	if opts.SavedOK {
		return nil
	}
	end := &wireRecord{kind: wireEnd, toGUID: to.GUID}
	return main.write(end)
}

// firstRealError prefers the first non-Interrupted error among its
// arguments, falling back to Interrupted only if nothing else was
// observed (spec.md §7 "Propagation").
func firstRealError(errs ...error) error {
	var interrupted error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(errors.Interrupted, err) {
			if interrupted == nil {
				interrupted = err
			}
			continue
		}
		return err
	}
	return interrupted
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// buildBegin constructs the BEGIN wire record and its nvlist payload per
// spec.md §6.1.
func (e *Engine) buildBegin(to dmu.DatasetHandle, from *dmu.Bookmark, opts Options, flags FlagSet, redactSnaps []uint64, fromRedactList dmu.RedactionList) *wireRecord {
	nv := newNvlist()
	if flags.Has(FlagResuming) {
		nv.SetUint64("resume_object", opts.ResumeObj)
		nv.SetUint64("resume_offset", opts.ResumeOff)
	}
	if len(redactSnaps) > 0 {
		nv.SetUint64Array("redact_snaps", redactSnaps)
	}
	if from != nil && from.RedactionList != "" {
		nv.SetUint64Array("redact_from_snaps", []uint64{from.GUID})
	}

	var fromGUID uint64
	if from != nil {
		fromGUID = from.GUID
	}
	return &wireRecord{
		kind:     wireBegin,
		toGUID:   to.GUID,
		fromGUID: fromGUID,
		toName:   to.Name,
		payload:  nv.Marshal(),
	}
}
