// Copyright 2024 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package split partitions per-sample scATAC fragment files by cell type
// and merges the per-sample partitions into one coordinate-sorted fragment
// file per cell type.
//
// The work runs in two phases over a bounded worker pool. Phase A streams
// each sample's fragment file once, writing temporary per
// (cell type, chromosome) shards that inherit the input's sort order.
// After a barrier verifying the shard grid is complete, phase B k-way
// merges each cell type's shards, chromosome by chromosome, into
// {output}/{cell_type}.fragments.tsv.gz.
package split

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scatac/fragments"
)

// DefaultWriterThreads is the number of parallel compressor threads
// feeding each merged output file.
const DefaultWriterThreads = 5

// Opts controls the split/merge driver.
type Opts struct {
	// NCPU bounds the worker pool of each phase. <= 0 means one worker.
	NCPU int
	// TempDir holds the intermediate shards. Required.
	TempDir string
	// ClearTemp removes every shard this run created after a successful
	// merge.
	ClearTemp bool
	// AddSampleID rewrites each merged barcode to "{sample}_{barcode}".
	AddSampleID bool
	// WriterThreads is the per-output compressor parallelism; <= 0 selects
	// DefaultWriterThreads.
	WriterThreads int
	// Verbose logs per-sample and per-cell-type progress.
	Verbose bool
}

// forEachLimit runs fn(0..n-1) over a pool of limit workers. The first
// error stops workers from picking up further tasks and is returned after
// in-flight tasks finish.
func forEachLimit(limit, n int, fn func(i int) error) error {
	if limit > n {
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	idxCh := make(chan int, n)
	for i := 0; i < n; i++ {
		idxCh <- i
	}
	close(idxCh)
	e := errors.Once{}
	wg := sync.WaitGroup{}
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range idxCh {
				if e.Err() != nil {
					return
				}
				e.Set(fn(idx))
			}
		}()
	}
	wg.Wait()
	return e.Err()
}

// OutputPath returns the merged fragment file path for a cell type.
func OutputPath(outputDir, cellType string) string {
	return filepath.Join(outputDir, SanitizeName(cellType)+".fragments.tsv.gz")
}

// SplitByCellType partitions every sample's fragments by cell type and
// merges the partitions, producing one sorted fragment file per cell type
// under outputDir. cellTypes fixes the output set and order; a cell type
// with no barcodes in any sample still produces an (empty) output file.
//
// The first failing worker aborts the run. In phase A the failing sample
// removes the shard files it still had open, while shards already written
// by other samples stay in TempDir; phase B removes its own partial outputs.
func SplitByCellType(ctx context.Context, samples []Sample, cellTypes []string,
	sizes *fragments.ChromSizes, outputDir string, opts Opts) error {
	if opts.NCPU <= 0 {
		opts.NCPU = 1
	}
	if opts.WriterThreads <= 0 {
		opts.WriterThreads = DefaultWriterThreads
	}
	if opts.TempDir == "" {
		return fmt.Errorf("split: no temp directory given")
	}
	for _, dir := range []string{opts.TempDir, outputDir} {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return err
		}
	}

	log.Printf("split: phase A: splitting %d samples (%d workers)", len(samples), opts.NCPU)
	err := forEachLimit(opts.NCPU, len(samples), func(i int) error {
		return splitSample(ctx, samples[i], sizes, opts.TempDir, opts.Verbose)
	})
	if err != nil {
		return err
	}

	// Barrier: every shard phase A promised must exist before any merge
	// starts.
	for _, sample := range samples {
		for cellType := range sample.CellTypes {
			for _, chrom := range sizes.Names() {
				path := shardPath(opts.TempDir, sample.ID, cellType, chrom)
				if _, err := os.Stat(path); err != nil {
					return fmt.Errorf("split: missing shard for sample %q, cell type %q, chromosome %q: %v",
						sample.ID, cellType, chrom, err)
				}
			}
		}
	}

	sources := make([]shardSource, len(samples))
	for i, sample := range samples {
		sources[i] = shardSource{seq: i, sampleID: sample.ID, tempDir: opts.TempDir}
	}
	log.Printf("split: phase B: merging %d cell types (%d workers)", len(cellTypes), opts.NCPU)
	err = forEachLimit(opts.NCPU, len(cellTypes), func(i int) error {
		cellType := cellTypes[i]
		perType := make([]shardSource, 0, len(sources))
		for j, sample := range samples {
			if _, ok := sample.CellTypes[cellType]; ok {
				perType = append(perType, sources[j])
			}
		}
		return mergeCellType(ctx, cellType, perType, sizes, OutputPath(outputDir, cellType),
			opts.AddSampleID, opts.WriterThreads, opts.Verbose)
	})
	if err != nil {
		return err
	}

	if opts.ClearTemp {
		log.Printf("split: removing temporary shards under %s", opts.TempDir)
		for _, sample := range samples {
			for cellType := range sample.CellTypes {
				for _, chrom := range sizes.Names() {
					if err := os.Remove(shardPath(opts.TempDir, sample.ID, cellType, chrom)); err != nil {
						return err
					}
				}
			}
			// Drop the per-sample directory if this run emptied it.
			_ = os.Remove(filepath.Join(opts.TempDir, SanitizeName(sample.ID)))
		}
	}
	return nil
}
