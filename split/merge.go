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
package split

import (
	"context"
	"os"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scatac/fragments"
)

// shardSource identifies one sample's shard directory for merging. seq is
// the sample's position in the sample table; it breaks ties between equal
// records so the merge stays stable in per-sample input order.
type shardSource struct {
	seq      int
	sampleID string
	tempDir  string
}

// mergeLeaf is one shard stream inside the merge tree: the head record of
// the stream plus the stream itself. Sorted by (head record, seq).
type mergeLeaf struct {
	seq    int
	prefix string // non-empty rewrites barcodes to "{sample}_{barcode}"
	sc     *fragments.Scanner
	rec    fragments.Record
}

func (l *mergeLeaf) next() bool {
	if !l.sc.Scan() {
		return false
	}
	l.rec = *l.sc.Record()
	if l.prefix != "" {
		l.rec.Barcode = l.prefix + l.rec.Barcode
	}
	return true
}

// Compare implements llrb.Comparable over (start, end, barcode, seq). All
// leaves in one tree hold records of the same chromosome.
func (l *mergeLeaf) Compare(c llrb.Comparable) int {
	other := c.(*mergeLeaf)
	if c := l.rec.Compare(&other.rec); c != 0 {
		return c
	}
	return l.seq - other.seq
}

// mergeCellType k-way merges one cell type's per-sample shards into
// outPath, chromosome by chromosome in sizes order. Missing shard files
// are skipped (a sample may not carry every cell type). On error the
// partial output is removed.
func mergeCellType(ctx context.Context, cellType string, sources []shardSource,
	sizes *fragments.ChromSizes, outPath string, addSampleID bool, writerThreads int, verbose bool) (err error) {
	out, err := fragments.NewParallelWriter(ctx, outPath, writerThreads)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Abort()
		}
	}()
	nOut := 0
	for _, chrom := range sizes.Names() {
		if err = mergeChrom(ctx, cellType, chrom, sources, out, addSampleID, &nOut); err != nil {
			return err
		}
	}
	if err = out.Close(); err != nil {
		return err
	}
	if verbose {
		log.Printf("merge %s: %d records -> %s", cellType, nOut, outPath)
	}
	return nil
}

func mergeChrom(ctx context.Context, cellType, chrom string, sources []shardSource,
	out *fragments.Writer, addSampleID bool, nOut *int) (err error) {
	var scanners []*fragments.Scanner
	defer func() {
		closeErr := errors.Once{}
		closeErr.Set(err)
		for _, sc := range scanners {
			closeErr.Set(sc.Close())
		}
		err = closeErr.Err()
	}()

	// Build a one-level merge tree over the shard heads, as the BAM shard
	// merger does. The smallest leaf sits at the tree minimum; it is read
	// until it exceeds the runner-up, then reinserted.
	leaves := llrb.Tree{}
	for _, src := range sources {
		path := shardPath(src.tempDir, src.sampleID, cellType, chrom)
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			continue
		}
		var sc *fragments.Scanner
		if sc, err = fragments.NewScanner(ctx, path); err != nil {
			return err
		}
		scanners = append(scanners, sc)
		leaf := &mergeLeaf{seq: src.seq, sc: sc}
		if addSampleID {
			leaf.prefix = src.sampleID + "_"
		}
		if leaf.next() {
			leaves.Insert(leaf)
		} else if err = sc.Err(); err != nil {
			return err
		}
	}

	for leaves.Len() > 0 {
		var top, next *mergeLeaf
		nth := 0
		leaves.Do(func(item llrb.Comparable) bool {
			nth++
			switch nth {
			case 1:
				top = item.(*mergeLeaf)
				return false
			default:
				next = item.(*mergeLeaf)
				return true
			}
		})
		done := false
		for {
			if err = out.Write(&top.rec); err != nil {
				return err
			}
			*nOut++
			done = !top.next()
			if done || (next != nil && next.Compare(top) < 0) {
				break
			}
		}
		leaves.DeleteMin()
		if done {
			if err = top.sc.Err(); err != nil {
				return err
			}
			continue
		}
		leaves.Insert(top)
	}
	return nil
}
