// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import (
	"context"
	"sync"
)

// byteQueue is a bounded, blocking, FIFO queue of *record values costed in
// bytes of payload rather than entry count, per spec.md §5. It is modeled
// directly on syncqueue's mutex+sync.Cond locking discipline, but unlike
// syncqueue.OrderedQueue it does not reorder: FIFO is exactly what every
// producer/consumer pair in this pipeline needs except the reader stage's
// async-read completions, which use syncqueue.OrderedQueue instead (see
// reader.go).
type byteQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	cap    int64
	size   int64
	items  []*record
	closed bool
	err    error
}

// newByteQueue creates a byteQueue with the given byte capacity.
func newByteQueue(capacity int64) *byteQueue {
	q := &byteQueue{cap: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push enqueues r, blocking while the queue is at or over capacity (a
// single record larger than cap is still accepted once the queue is
// empty, so a single huge record can never deadlock the pipeline). push
// returns ctx.Err() if ctx is canceled while blocked, or the queue's
// stored error if the queue was closed with one.
func (q *byteQueue) push(ctx context.Context, r *record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.size > 0 && q.size+r.cost() > q.cap {
		if done := q.waitCtx(ctx, q.notFull); done != nil {
			return done
		}
	}
	if q.closed {
		if q.err != nil {
			return q.err
		}
		return context.Canceled
	}
	q.items = append(q.items, r)
	q.size += r.cost()
	q.notEmpty.Signal()
	return nil
}

// pop dequeues the next record, blocking while the queue is empty and not
// closed. Once the queue is closed and drained, pop returns the stage's
// error if close was given one, or a synthesized kindEos record if the
// close was clean — producers need not push an explicit Eos record
// themselves, close(nil) IS the Eos signal.
func (q *byteQueue) pop(ctx context.Context) (*record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if done := q.waitCtx(ctx, q.notEmpty); done != nil {
			return nil, done
		}
	}
	if len(q.items) == 0 {
		if q.err != nil {
			return nil, q.err
		}
		return eosRecord(), nil
	}
	r := q.items[0]
	q.items = q.items[1:]
	q.size -= r.cost()
	q.notFull.Signal()
	return r, nil
}

// close marks the queue closed; pending and future pop calls drain
// remaining items before returning the stored error (nil on a clean close).
// Producers blocked in push are released immediately.
func (q *byteQueue) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// waitCtx waits on cond, but also wakes (and returns ctx.Err()) if ctx is
// canceled. The caller must hold q.mu, which is cond's underlying lock.
func (q *byteQueue) waitCtx(ctx context.Context, cond *sync.Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// sync.Cond has no context-aware wait, so a watcher goroutine
	// broadcasts when ctx is done. This keeps waitCtx itself simple and
	// keeps the watcher's lifetime scoped to a single Wait call.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
	return ctx.Err()
}
