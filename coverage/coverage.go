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

// Package coverage turns a set of fragments into per-base genome coverage:
// a per-chromosome depth accumulator, a run-length compactor with RPM
// normalization, and a pull iterator that yields one chromosome's runs at a
// time so that at most one depth array is resident.
package coverage

import (
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scatac/fragments"
)

// Opts controls coverage computation.
type Opts struct {
	// CutSites counts the two 1-bp Tn5 cut sites of each fragment instead
	// of the whole fragment interval.
	CutSites bool
	// Normalize divides depth by (fragment count / 1e6), i.e. reads per
	// million.
	Normalize bool
	// ScalingFactor multiplies every value. Applied after normalization
	// when both are set.
	ScalingFactor float64
	// Strict rejects fragments whose end exceeds the chromosome size. The
	// default is to clip the end and continue.
	Strict bool
	// Verbose enables per-chromosome progress logging.
	Verbose bool
}

type span struct {
	start, end int32
}

// Iter iterates over chromosomes in ChromSizes order, exposing the
// run-length-compacted coverage of each non-empty chromosome. The depth
// array for a chromosome is allocated on Scan and released before Scan
// returns, so peak memory is one chromosome's depth plus its runs.
type Iter struct {
	sizes   *fragments.ChromSizes
	byChrom map[string][]span
	opts    Opts

	// total is the number of fragments on chromosomes present in sizes,
	// used as N for RPM normalization.
	total int

	next   int
	chrom  string
	starts []uint32
	ends   []uint32
	values []float32
	err    error
}

// NewIter buckets recs by chromosome and returns an iterator over the
// coverage of each chromosome in sizes order. Records on chromosomes
// absent from sizes are dropped with a warning; they do not contribute to
// the RPM fragment count.
func NewIter(recs []fragments.Record, sizes *fragments.ChromSizes, opts Opts) *Iter {
	if opts.ScalingFactor == 0 {
		opts.ScalingFactor = 1.0
	}
	it := &Iter{
		sizes:   sizes,
		byChrom: make(map[string][]span),
		opts:    opts,
	}
	dropped := map[string]int{}
	for i := range recs {
		rec := &recs[i]
		if _, ok := sizes.Size(rec.Chrom); !ok {
			dropped[rec.Chrom]++
			continue
		}
		it.byChrom[rec.Chrom] = append(it.byChrom[rec.Chrom], span{rec.Start, rec.End})
		it.total++
	}
	for chrom, n := range dropped {
		log.Error.Printf("coverage: skipping %d fragments on %s: chromosome not in sizes file", n, chrom)
	}
	return it
}

// TotalFragments returns N, the number of fragments on known chromosomes.
func (it *Iter) TotalFragments() int { return it.total }

// Scan advances to the next chromosome with at least one nonzero run. It
// returns false when the chromosomes are exhausted or an error occurred.
func (it *Iter) Scan() bool {
	if it.err != nil {
		return false
	}
	names := it.sizes.Names()
	for it.next < len(names) {
		chrom := names[it.next]
		it.next++
		spans := it.byChrom[chrom]
		if len(spans) == 0 {
			if it.opts.Verbose {
				log.Error.Printf("coverage: %s: no fragments", chrom)
			}
			continue
		}
		size, _ := it.sizes.Size(chrom)
		depth, err := accumulate(chrom, size, spans, it.opts)
		if err != nil {
			it.err = err
			return false
		}
		delete(it.byChrom, chrom) // spans are no longer needed
		it.starts, it.ends, it.values = compact(depth, it.total, it.opts)
		if len(it.starts) == 0 {
			continue
		}
		it.chrom = chrom
		if it.opts.Verbose {
			log.Printf("coverage: %s: %d runs", chrom, len(it.starts))
		}
		return true
	}
	return false
}

// Chrom returns the chromosome of the current runs.
func (it *Iter) Chrom() string { return it.chrom }

// Starts returns the run start coordinates of the current chromosome. The
// slice is valid until the next Scan.
func (it *Iter) Starts() []uint32 { return it.starts }

// Ends returns the run end coordinates (exclusive).
func (it *Iter) Ends() []uint32 { return it.ends }

// Values returns the run values.
func (it *Iter) Values() []float32 { return it.values }

// Err returns the error that stopped iteration, if any.
func (it *Iter) Err() error { return it.err }

// accumulate builds the per-base depth array for one chromosome. Fragment
// ends past the chromosome size are clipped (or rejected when strict).
func accumulate(chrom string, size uint32, spans []span, opts Opts) ([]uint32, error) {
	depth := make([]uint32, size)
	for _, sp := range spans {
		start, end := uint32(sp.start), uint32(sp.end)
		if end > size {
			if opts.Strict {
				return nil, fmt.Errorf("coverage: fragment [%d, %d) exceeds size %d of chromosome %s", sp.start, sp.end, size, chrom)
			}
			end = size
		}
		if start >= end {
			continue // fully clipped away
		}
		if opts.CutSites {
			depth[start]++
			depth[end-1]++
			continue
		}
		for i := start; i < end; i++ {
			depth[i]++
		}
	}
	return depth, nil
}

// compact collapses depth into (start, end, value) runs of consecutive
// equal values, applies normalization and scaling, and drops zero-valued
// runs. Arithmetic is float64, cast to float32 on emission (the bigWig
// value type).
func compact(depth []uint32, total int, opts Opts) (starts, ends []uint32, values []float32) {
	scale := opts.ScalingFactor
	if opts.Normalize {
		if total == 0 {
			return nil, nil, nil
		}
		scale /= float64(total) / 1e6
	}
	n := uint32(len(depth))
	for start := uint32(0); start < n; {
		v := depth[start]
		end := start + 1
		for end < n && depth[end] == v {
			end++
		}
		if value := float32(float64(v) * scale); value != 0 {
			starts = append(starts, start)
			ends = append(ends, end)
			values = append(values, value)
		}
		start = end
	}
	return starts, ends, values
}
