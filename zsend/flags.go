// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package zsend

import "github.com/grailbio/zsend/errors"

// Flag is one bit of the negotiated feature-flag set (spec.md §6.2). The set
// governs how the stages build the stream; the BEGIN record's header and
// nvlist payload do not encode it.
type Flag uint32

const (
	FlagLargeBlocks Flag = 1 << iota
	FlagEmbedData
	FlagLZ4
	FlagCompressed
	FlagRaw
	FlagResuming
	FlagRedacted
	FlagLargeDnode
	FlagSASpill
	FlagZSTD
	FlagLargeMicroZAP
	FlagLongName
)

// FlagSet is the negotiated set of Flag bits for one send.
type FlagSet uint32

func (fs FlagSet) Has(f Flag) bool { return fs&FlagSet(f) != 0 }

func (fs FlagSet) with(f Flag) FlagSet { return fs | FlagSet(f) }

// negotiate computes the FlagSet implied by opts and ds, per spec.md §6.3:
// raw_ok implies large_block_ok and compress_ok.
func negotiate(opts Options, ds datasetCapabilities) (FlagSet, error) {
	var fs FlagSet
	if opts.RawOK {
		if !ds.Encrypted {
			return 0, errors.E(errors.CallerError, "raw send requested for unencrypted dataset")
		}
		fs = fs.with(FlagRaw).with(FlagLargeBlocks).with(FlagCompressed)
	}
	if opts.EmbedOK {
		fs = fs.with(FlagEmbedData)
	}
	if opts.LargeBlockOK {
		fs = fs.with(FlagLargeBlocks)
	}
	if opts.CompressOK {
		fs = fs.with(FlagCompressed)
	}
	if opts.ResumeObj != 0 || opts.ResumeOff != 0 {
		fs = fs.with(FlagResuming)
	}
	if opts.RedactBookmark != "" {
		fs = fs.with(FlagRedacted)
	}
	if ds.SupportsLZ4 {
		fs = fs.with(FlagLZ4)
	}
	if ds.SupportsZSTD && opts.CompressOK {
		fs = fs.with(FlagZSTD)
	}
	if ds.HasLargeDnodes {
		fs = fs.with(FlagLargeDnode)
	}
	if ds.HasSpillBlocks {
		fs = fs.with(FlagSASpill)
	}
	if ds.HasLargeMicroZAP {
		if !fs.Has(FlagLargeBlocks) {
			return 0, errors.E(errors.ProtocolError, "LARGE_MICROZAP requires LARGE_BLOCKS")
		}
		fs = fs.with(FlagLargeMicroZAP)
	}
	if ds.HasLongNames {
		fs = fs.with(FlagLongName)
	}
	if err := fs.validate(); err != nil {
		return 0, err
	}
	return fs, nil
}

// validate rejects illegal flag combinations (spec.md §6.2: "Illegal
// combinations ... fail BEGIN setup with a dedicated error").
func (fs FlagSet) validate() error {
	if fs.Has(FlagLargeMicroZAP) && !fs.Has(FlagLargeBlocks) {
		return errors.E(errors.ProtocolError, "LARGE_MICROZAP without LARGE_BLOCKS")
	}
	return nil
}

// datasetCapabilities is the subset of dataset/pool-feature information
// needed to negotiate flags; the orchestrator builds this from the held
// DatasetHandle and pool feature bits.
type datasetCapabilities struct {
	Encrypted        bool
	SupportsLZ4      bool
	SupportsZSTD     bool
	HasLargeDnodes   bool
	HasSpillBlocks   bool
	HasLargeMicroZAP bool
	HasLongNames     bool
}
