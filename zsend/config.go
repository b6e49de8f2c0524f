// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import "runtime"

// EngineConfig holds the process-wide tunables the source keeps as global
// state (queue length, queue fill fraction, corrupt-data tolerance,
// unmodified-spill-block inclusion). spec.md §9 calls for these to be
// modeled as an explicit value passed to the orchestrator rather than
// package-level variables, with a single read-only snapshot exposed to
// each stage.
type EngineConfig struct {
	// QueueBytes is the byte capacity of each of the four byte-costed
	// inter-stage queues (TO, FROM-list, REDACT-list and merge output).
	// The reader stage's output queue is a syncqueue.OrderedQueue bounded
	// by entry count (twice ReadConcurrency, at least 2), not by bytes.
	QueueBytes int64
	// ReadConcurrency bounds the number of in-flight asynchronous block
	// reads the reader stage may have outstanding at once.
	ReadConcurrency int
	// AllowCorruptData permits the main stage to synthesize a
	// bad-block filler in place of a Data record whose read failed with
	// CorruptionError, rather than aborting the send (spec.md §7).
	AllowCorruptData bool
	// IncludeUnmodifiedSpill, when false, sets the unmodified flag on a
	// SPILL record whose block pointer has BirthTxg 0. The SPILL record is
	// emitted either way.
	IncludeUnmodifiedSpill bool
}

// DefaultEngineConfig returns the configuration used when the caller does
// not override it.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		QueueBytes:             16 << 20,
		ReadConcurrency:        runtime.NumCPU(),
		AllowCorruptData:       false,
		IncludeUnmodifiedSpill: false,
	}
}

// Options mirrors spec.md §6.3's options table: caller-supplied knobs for
// one send, as distinct from EngineConfig's process-wide tunables.
type Options struct {
	EmbedOK      bool
	LargeBlockOK bool
	CompressOK   bool
	RawOK        bool
	SavedOK      bool
	ResumeObj    uint64
	ResumeOff    uint64
	RedactBookmark string
}
