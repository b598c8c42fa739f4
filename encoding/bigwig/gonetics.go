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
package bigwig

import (
	"github.com/pbenner/gonetics"
	"github.com/pkg/errors"
)

type chromRuns struct {
	starts, ends []uint32
	values       []float32
}

// goneticsWriter is the "alternate" engine: it buffers every run, then
// materializes a 1-bp-binned gonetics track and exports it. The track
// holds the whole genome in memory, so this engine suits modest genomes
// and cross-checking the primary engine rather than production-scale runs.
type goneticsWriter struct {
	path       string
	chroms     []string
	sizes      []uint32
	known      map[string]uint32
	runs       map[string]*chromRuns
	headerDone bool
	closed     bool
}

func newGoneticsWriter(path string) *goneticsWriter {
	return &goneticsWriter{
		path:  path,
		known: map[string]uint32{},
		runs:  map[string]*chromRuns{},
	}
}

func (w *goneticsWriter) AddHeader(chroms []string, sizes []uint32) error {
	if w.headerDone {
		return errors.Errorf("bigwig %s: AddHeader called twice", w.path)
	}
	if len(chroms) != len(sizes) {
		return errors.Errorf("bigwig %s: %d chromosome names vs %d sizes", w.path, len(chroms), len(sizes))
	}
	w.headerDone = true
	w.chroms = chroms
	w.sizes = sizes
	for i, name := range chroms {
		w.known[name] = sizes[i]
	}
	return nil
}

func (w *goneticsWriter) AddEntries(chrom string, starts, ends []uint32, values []float32) error {
	if !w.headerDone {
		return errors.Errorf("bigwig %s: AddEntries before AddHeader", w.path)
	}
	if len(starts) != len(ends) || len(starts) != len(values) {
		return errors.Errorf("bigwig %s: mismatched entry arrays (%d starts, %d ends, %d values)",
			w.path, len(starts), len(ends), len(values))
	}
	size, ok := w.known[chrom]
	if !ok {
		return errors.Errorf("bigwig %s: chromosome %q not in header", w.path, chrom)
	}
	runs := w.runs[chrom]
	if runs == nil {
		runs = &chromRuns{}
		w.runs[chrom] = runs
	}
	for i := range starts {
		if starts[i] >= ends[i] || ends[i] > size {
			return errors.Errorf("bigwig %s: bad interval [%d, %d) on %s (size %d)", w.path, starts[i], ends[i], chrom, size)
		}
		if n := len(runs.starts); n > 0 && starts[i] < runs.ends[n-1] {
			return errors.Errorf("bigwig %s: overlapping or unsorted entry at %s:%d", w.path, chrom, starts[i])
		}
		runs.starts = append(runs.starts, starts[i])
		runs.ends = append(runs.ends, ends[i])
		runs.values = append(runs.values, values[i])
	}
	return nil
}

func (w *goneticsWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.headerDone {
		return errors.Errorf("bigwig %s: closed without a header", w.path)
	}
	lengths := make([]int, len(w.sizes))
	for i, size := range w.sizes {
		lengths[i] = int(size)
	}
	genome := gonetics.NewGenome(w.chroms, lengths)
	track := gonetics.AllocSimpleTrack("", genome, 1)

	// Map visits each sequence position in order; a cursor per chromosome
	// replays the runs without a search per base.
	cursors := map[string]int{}
	err := gonetics.GenericMutableTrack{MutableTrack: track}.Map(track, func(seqname string, pos int, _ float64) float64 {
		runs := w.runs[seqname]
		if runs == nil {
			return 0
		}
		i := cursors[seqname]
		for i < len(runs.starts) && int(runs.ends[i]) <= pos {
			i++
		}
		cursors[seqname] = i
		if i < len(runs.starts) && int(runs.starts[i]) <= pos {
			return float64(runs.values[i])
		}
		return 0
	})
	if err != nil {
		return errors.Wrap(err, w.path)
	}
	params := gonetics.DefaultBigWigParameters()
	return errors.Wrap(gonetics.GenericTrack{Track: track}.ExportBigWig(w.path, params), w.path)
}
