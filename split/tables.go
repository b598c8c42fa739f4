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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
)

// Default column names of the two definition tables.
const (
	DefaultSampleCol       = "sample"
	DefaultFragmentFileCol = "path_to_fragment_file"
	DefaultCellTypeCol     = "cell_type"
	DefaultBarcodeCol      = "cell_barcode"
)

// TableOpts names the columns of the sample and annotation tables and
// their field separator. Zero values select the defaults.
type TableOpts struct {
	Sep             string
	SampleCol       string
	FragmentFileCol string
	CellTypeCol     string
	BarcodeCol      string
}

func (o TableOpts) withDefaults() TableOpts {
	if o.Sep == "" {
		o.Sep = "\t"
	}
	if o.SampleCol == "" {
		o.SampleCol = DefaultSampleCol
	}
	if o.FragmentFileCol == "" {
		o.FragmentFileCol = DefaultFragmentFileCol
	}
	if o.CellTypeCol == "" {
		o.CellTypeCol = DefaultCellTypeCol
	}
	if o.BarcodeCol == "" {
		o.BarcodeCol = DefaultBarcodeCol
	}
	return o
}

// BarcodeSet is the set of cell barcodes of one (sample, cell type) pair.
// The splitter inverts a sample's sets into a single barcode lookup, so a
// record costs one map lookup whatever the number of cell types.
type BarcodeSet map[string]struct{}

// Contains reports whether barcode is in the set.
func (s BarcodeSet) Contains(barcode string) bool {
	_, ok := s[barcode]
	return ok
}

// Sample couples one sample's fragment file with its per-cell-type
// barcode sets.
type Sample struct {
	ID           string
	FragmentPath string
	CellTypes    map[string]BarcodeSet
}

// tableScanner reads a delimited text file with a header line, resolving
// the requested column names to indices. #-comments and blank lines are
// skipped.
type tableScanner struct {
	path    string
	sep     string
	scanner *bufio.Scanner
	cols    []int
	lineno  int
	fields  []string
	err     error
}

func newTableScanner(reader io.Reader, path, sep string, columns []string) (*tableScanner, error) {
	t := &tableScanner{path: path, sep: sep, scanner: bufio.NewScanner(reader)}
	for t.scanner.Scan() {
		t.lineno++
		line := strings.TrimRight(t.scanner.Text(), "\r\n")
		if line == "" || line[0] == '#' {
			continue
		}
		header := strings.Split(line, sep)
		for _, want := range columns {
			found := -1
			for i, name := range header {
				if name == want {
					found = i
					break
				}
			}
			if found < 0 {
				return nil, fmt.Errorf("%s: missing required column %q (header: %s)", path, want, line)
			}
			t.cols = append(t.cols, found)
		}
		return t, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, errors.E(err, path)
	}
	return nil, fmt.Errorf("%s: empty table, expected a header with columns %v", path, columns)
}

func (t *tableScanner) scan() bool {
	for t.scanner.Scan() {
		t.lineno++
		line := strings.TrimRight(t.scanner.Text(), "\r\n")
		if line == "" || line[0] == '#' {
			continue
		}
		row := strings.Split(line, t.sep)
		t.fields = t.fields[:0]
		for _, col := range t.cols {
			if col >= len(row) {
				t.err = fmt.Errorf("%s:%d: row has %d columns, need at least %d", t.path, t.lineno, len(row), col+1)
				return false
			}
			t.fields = append(t.fields, row[col])
		}
		return true
	}
	t.err = t.scanner.Err()
	return false
}

func openTable(ctx context.Context, path string) (file.File, io.Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	reader := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			_ = in.Close(ctx)
			return nil, nil, errors.E(err, path)
		}
		reader = gz
	}
	return in, reader, nil
}

// ReadSampleTable reads the sample -> fragment-file table. Sample order is
// the file's row order; a duplicate sample is an error.
func ReadSampleTable(ctx context.Context, path string, opts TableOpts) (ids []string, paths map[string]string, err error) {
	opts = opts.withDefaults()
	in, reader, err := openTable(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	defer file.CloseAndReport(ctx, in, &err) // nolint: errcheck
	t, err := newTableScanner(reader, path, opts.Sep, []string{opts.SampleCol, opts.FragmentFileCol})
	if err != nil {
		return nil, nil, err
	}
	paths = map[string]string{}
	for t.scan() {
		sample, fragmentPath := t.fields[0], t.fields[1]
		if _, ok := paths[sample]; ok {
			return nil, nil, fmt.Errorf("%s:%d: duplicate sample %q", path, t.lineno, sample)
		}
		ids = append(ids, sample)
		paths[sample] = fragmentPath
	}
	if t.err != nil {
		return nil, nil, t.err
	}
	return ids, paths, nil
}

// ReadAnnotationTable reads the (sample, cell_type, cell_barcode) table.
// Rows group into one BarcodeSet per (sample, cell type); repeated rows
// for the same pair union their barcodes, duplicate barcodes within a
// group collapse. cellTypes returns every cell type in first-appearance
// order, which fixes the order outputs are produced in.
func ReadAnnotationTable(ctx context.Context, path string, opts TableOpts) (bysample map[string]map[string]BarcodeSet, cellTypes []string, err error) {
	opts = opts.withDefaults()
	in, reader, err := openTable(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	defer file.CloseAndReport(ctx, in, &err) // nolint: errcheck
	t, err := newTableScanner(reader, path, opts.Sep,
		[]string{opts.SampleCol, opts.CellTypeCol, opts.BarcodeCol})
	if err != nil {
		return nil, nil, err
	}
	bysample = map[string]map[string]BarcodeSet{}
	seenType := map[string]bool{}
	for t.scan() {
		sample, cellType, barcode := t.fields[0], t.fields[1], t.fields[2]
		types := bysample[sample]
		if types == nil {
			types = map[string]BarcodeSet{}
			bysample[sample] = types
		}
		set := types[cellType]
		if set == nil {
			set = BarcodeSet{}
			types[cellType] = set
		}
		set[barcode] = struct{}{}
		if !seenType[cellType] {
			seenType[cellType] = true
			cellTypes = append(cellTypes, cellType)
		}
	}
	if t.err != nil {
		return nil, nil, t.err
	}
	return bysample, cellTypes, nil
}

// BuildSamples joins the two tables into per-sample splitter inputs,
// ordered by the sample table's row order. The tables must cover exactly
// the same samples.
func BuildSamples(ids []string, paths map[string]string, bysample map[string]map[string]BarcodeSet) ([]Sample, error) {
	for sample := range bysample {
		if _, ok := paths[sample]; !ok {
			return nil, fmt.Errorf("split: sample %q has cell type annotations but no fragment file", sample)
		}
	}
	samples := make([]Sample, 0, len(ids))
	for _, id := range ids {
		types, ok := bysample[id]
		if !ok {
			return nil, fmt.Errorf("split: sample %q has a fragment file but no cell type annotations", id)
		}
		samples = append(samples, Sample{ID: id, FragmentPath: paths[id], CellTypes: types})
	}
	return samples, nil
}
