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
	"path/filepath"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scatac/fragments"
)

// SanitizeName makes a string safe as a filename component by replacing
// spaces and path separators with underscores. Applied to cell type and
// sample names wherever they become part of a path.
func SanitizeName(s string) string {
	return strings.NewReplacer(" ", "_", "/", "_").Replace(s)
}

// shardPath returns the temp file holding one sample's fragments for one
// (cell type, chromosome) pair. Shards are namespaced per sample so that
// concurrent splitter workers never share a path.
func shardPath(tempDir, sampleID, cellType, chrom string) string {
	return filepath.Join(tempDir, SanitizeName(sampleID), SanitizeName(cellType)+"."+chrom+".tsv.gz")
}

type shardKey struct {
	cellType int
	chrom    string
}

// splitSample streams one sample's fragment file once, routing each record
// to the shard of every cell type whose barcode set contains the record's
// barcode. Records on chromosomes absent from sizes are dropped. Shard
// writes preserve input order, so each shard stays sorted on
// (start, end, barcode) within its fixed chromosome.
//
// Every (cell type, chromosome) pair of this sample gets a shard file even
// when no record lands in it: the merge phase barrier checks the full grid
// and temp cleanup removes it.
func splitSample(ctx context.Context, sample Sample, sizes *fragments.ChromSizes, tempDir string, verbose bool) (err error) {
	if err = os.MkdirAll(filepath.Join(tempDir, SanitizeName(sample.ID)), 0775); err != nil {
		return err
	}
	// Fix an order for this sample's cell types and invert the barcode sets
	// into a single barcode -> cell types lookup.
	cellTypes := make([]string, 0, len(sample.CellTypes))
	for cellType := range sample.CellTypes {
		cellTypes = append(cellTypes, cellType)
	}
	byBarcode := map[string][]int{}
	for i, cellType := range cellTypes {
		for barcode := range sample.CellTypes[cellType] {
			byBarcode[barcode] = append(byBarcode[barcode], i)
		}
	}

	writers := map[shardKey]*fragments.Writer{}
	defer func() {
		if err != nil {
			for _, w := range writers {
				w.Abort()
			}
		}
	}()

	sc, err := fragments.NewScanner(ctx, sample.FragmentPath)
	if err != nil {
		return err
	}
	defer func() {
		if e := sc.Close(); e != nil && err == nil {
			err = e
		}
	}()

	nIn, nOut := 0, 0
	for sc.Scan() {
		rec := sc.Record()
		nIn++
		if _, ok := sizes.Size(rec.Chrom); !ok {
			continue
		}
		for _, ct := range byBarcode[rec.Barcode] {
			key := shardKey{ct, rec.Chrom}
			w := writers[key]
			if w == nil {
				if w, err = fragments.NewWriter(ctx, shardPath(tempDir, sample.ID, cellTypes[ct], rec.Chrom)); err != nil {
					return err
				}
				writers[key] = w
			}
			if err = w.Write(rec); err != nil {
				return err
			}
			nOut++
		}
	}
	if err = sc.Err(); err != nil {
		return err
	}
	for key, w := range writers {
		delete(writers, key) // closed below; keep Abort from double-closing
		if err = w.Close(); err != nil {
			_ = os.Remove(w.Path())
			return err
		}
	}
	// Touch the shards no record reached.
	for _, cellType := range cellTypes {
		for _, chrom := range sizes.Names() {
			path := shardPath(tempDir, sample.ID, cellType, chrom)
			if _, statErr := os.Stat(path); statErr == nil {
				continue
			}
			var w *fragments.Writer
			if w, err = fragments.NewWriter(ctx, path); err != nil {
				return err
			}
			if err = w.Close(); err != nil {
				return err
			}
		}
	}
	if verbose {
		log.Printf("split %s: %d fragments read, %d shard records written", sample.ID, nIn, nOut)
	}
	return nil
}
