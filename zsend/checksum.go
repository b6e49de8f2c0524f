// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import "encoding/binary"

// streamChecksum is the rolling checksum folded over every byte of every
// emitted record (spec.md §3.2-6, §4.6). It models OpenZFS's incremental
// fletcher-4: four running 64-bit sums, each the cumulative sum of the
// previous sums plus the next little-endian 64-bit word of input. No
// example or third-party package in the corpus implements this proprietary
// incremental checksum (digest.Digest wraps crypto.Hash, a fixed-block
// hash, not an incremental rolling one); this is hand-written
// encoding/binary-only code, see DESIGN.md.
type streamChecksum struct {
	a0, a1, a2, a3 uint64
	// pending holds up to 7 bytes carried over from a Write call whose
	// length was not a multiple of 8.
	pending    [8]byte
	pendingLen int
}

// Write folds p into the running checksum. It implements io.Writer so a
// streamChecksum can sit behind an io.MultiWriter alongside the sink.
func (c *streamChecksum) Write(p []byte) (int, error) {
	n := len(p)
	if c.pendingLen > 0 {
		need := 8 - c.pendingLen
		if need > len(p) {
			need = len(p)
		}
		copy(c.pending[c.pendingLen:], p[:need])
		c.pendingLen += need
		p = p[need:]
		if c.pendingLen < 8 {
			return n, nil
		}
		c.foldWord(binary.LittleEndian.Uint64(c.pending[:]))
		c.pendingLen = 0
	}
	for len(p) >= 8 {
		c.foldWord(binary.LittleEndian.Uint64(p))
		p = p[8:]
	}
	if len(p) > 0 {
		c.pendingLen = copy(c.pending[:], p)
	}
	return n, nil
}

func (c *streamChecksum) foldWord(w uint64) {
	c.a0 += w
	c.a1 += c.a0
	c.a2 += c.a1
	c.a3 += c.a2
}

// Sum returns the current 32-byte checksum value. It is safe to call
// between Write calls, including with a nonzero pending tail. The tail is
// not folded into the value; it is folded together with the leading bytes
// of the next Write. Records are not padded to a multiple of 8 bytes (a
// FREE header is 60 bytes), so the value can leave out the last few bytes
// written so far.
func (c *streamChecksum) Sum() [32]byte {
	var out [32]byte
	binary.LittleEndian.PutUint64(out[0:8], c.a0)
	binary.LittleEndian.PutUint64(out[8:16], c.a1)
	binary.LittleEndian.PutUint64(out[16:24], c.a2)
	binary.LittleEndian.PutUint64(out[24:32], c.a3)
	return out
}
