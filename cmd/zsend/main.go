// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command zsend drives the send-stream engine from the command line. It has
// no real storage pool to talk to, so it always runs in "local" mode: it
// populates an in-memory dataset via dmutest and streams it to -out exactly
// as a real pool-backed Engine would, which makes it useful for trying out
// flag combinations and inspecting the wire format it produces.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/grailbio/zsend/dmu"
	"github.com/grailbio/zsend/dmu/dmutest"
	"github.com/grailbio/zsend/file"
	"github.com/grailbio/zsend/log"
	"github.com/grailbio/zsend/must"
	"github.com/grailbio/zsend/traverse"
	"github.com/grailbio/zsend/zsend"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	var (
		out           = flag.String("out", "", "path to write the send stream to (required)")
		objectCount   = flag.Int("objects", 4, "number of synthetic objects in the demo dataset")
		blocksPer     = flag.Int("blocks-per-object", 4, "blocks per synthetic object")
		blockSize     = flag.Int("block-size", 4096, "bytes per block")
		fromTxg       = flag.Uint64("from-txg", 0, "incremental source txg; 0 for a full send")
		raw           = flag.Bool("raw", false, "request a raw (still-encrypted) send")
		compressed    = flag.Bool("compressed", true, "allow compressed WRITE records")
		embed         = flag.Bool("embed", true, "allow WRITE_EMBEDDED records")
		largeBlocks   = flag.Bool("large-blocks", true, "allow blocks larger than 128K")
		redact        = flag.Bool("redact", false, "redact one block of the demo dataset")
		resumeObject  = flag.Uint64("resume-object", 0, "resume object id")
		resumeOffset  = flag.Uint64("resume-offset", 0, "resume byte offset within -resume-object")
	)
	flag.Parse()
	must.Truef(*out != "", "-out is required")

	ctx := context.Background()
	sink, err := file.Create(ctx, *out)
	if err != nil {
		log.Fatal(err)
	}
	defer file.MustClose(ctx, sink)

	pool := dmutest.NewPool()
	catalog := dmutest.NewCatalog()
	redactStore := dmutest.NewRedactionStore()

	pool.SetCapabilities(dmu.Capabilities{
		SupportsLZ4:      true,
		SupportsZSTD:     true,
		HasLargeDnodes:   true,
		HasSpillBlocks:   true,
		HasLargeMicroZAP: true,
		HasLongNames:     true,
	})

	ds := dmutest.NewDataset("demo", 0xd5000001)
	buildDemoDataset(ds, *objectCount, *blocksPer, *blockSize)
	pool.Register(ds)
	catalog.AddDataset(ds.Handle())

	opts := zsend.Options{
		EmbedOK:      *embed,
		LargeBlockOK: *largeBlocks,
		CompressOK:   *compressed,
		RawOK:        *raw,
		ResumeObj:    *resumeObject,
		ResumeOff:    *resumeOffset,
	}
	if *redact {
		redactStore.Add(dmu.RedactionList{
			ID: "demo-redact",
			Entries: []dmu.RedactionEntry{
				{Object: 2, StartBlkID: 1, EndBlkID: 2, HistoricalLSize: uint32(*blockSize)},
			},
		})
		catalog.AddBookmark("redact-demo", dmu.Bookmark{GUID: ds.Handle().GUID, RedactionList: "demo-redact"})
		opts.RedactBookmark = "redact-demo"
	}

	var from *dmu.Bookmark
	if *fromTxg != 0 {
		from = &dmu.Bookmark{CreationTxg: *fromTxg}
	}

	engine := zsend.NewEngine(pool, catalog, redactStore)
	var progress zsend.Progress
	if err := engine.Send(ctx, ds.Handle(), from, opts, sink.Writer(ctx), &progress); err != nil {
		log.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "wrote through object %d offset %d (%d blocks visited)\n",
		progress.Object, progress.Offset, progress.BlocksVisited)
}

// buildDemoDataset populates ds with objectCount plain-file objects, each
// blocksPerObject blocks of blockSize pseudo-random bytes (seeded by object
// id, so runs are reproducible). Object 2, if present, is stored ZSTD
// compressed, exercising compress/zstd's on-disk simulation in dmutest.
// Building each object's content is independent of the others, so the fan
// out runs under a bounded traverse.Parallel rather than a plain loop.
func buildDemoDataset(ds *dmutest.Dataset, objectCount, blocksPerObject, blockSize int) {
	reporter := traverse.DefaultReporter{Name: "building demo dataset"}
	err := traverse.Parallel(objectCount).WithReporter(reporter).Do(func(i int) error {
		object := i + 1
		src := rand.New(rand.NewSource(int64(object)))
		blocks := make(map[dmu.BlockID][]byte, blocksPerObject)
		for blkid := 0; blkid < blocksPerObject; blkid++ {
			buf := make([]byte, blockSize)
			src.Read(buf)
			blocks[dmu.BlockID(blkid)] = buf
		}
		dn := dmu.Dnode{
			Type:      dmu.PlainFileType,
			BlockSize: uint32(blockSize),
			MaxBlkID:  dmu.BlockID(blocksPerObject - 1),
			RootBP:    dmu.BlockPointer{BirthTxg: uint64(object)},
		}
		compression := dmu.CompressOff
		if object == 2 {
			compression = dmu.CompressZSTD
		}
		ds.PutObject(uint64(object), dn, compression, blocks)
		return nil
	})
	must.Nil(err, "building demo dataset")
}
