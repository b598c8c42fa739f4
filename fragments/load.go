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
package fragments

import (
	"context"
)

type dedupKey struct {
	chrom   string
	start   int32
	end     int32
	barcode string
}

// ReadAll reads an entire fragment file into memory, collapsing duplicate
// (chrom, start, end, barcode) rows into a single Record whose Count is the
// sum of the duplicates' counts (a missing or "." count column contributes
// 1 per row, so count becomes the row multiplicity). Record order is the
// first-appearance order of each key, which preserves coordinate sort order
// for sorted inputs.
func ReadAll(ctx context.Context, path string) ([]Record, error) {
	sc, err := NewScanner(ctx, path)
	if err != nil {
		return nil, err
	}
	var (
		recs []Record
		seen = map[dedupKey]int{}
	)
	for sc.Scan() {
		rec := sc.Record()
		key := dedupKey{rec.Chrom, rec.Start, rec.End, rec.Barcode}
		if i, ok := seen[key]; ok {
			recs[i].Count += rec.Count
			continue
		}
		seen[key] = len(recs)
		recs = append(recs, *rec)
	}
	if err := sc.Close(); err != nil {
		return nil, err
	}
	return recs, nil
}

// AddChromPrefix rewrites every record's chromosome name to
// "{prefix}_{chrom}" in place. It is used to reconcile fragment files whose
// chromosome naming differs from the chromosome-sizes table.
func AddChromPrefix(recs []Record, prefix string) {
	if prefix == "" {
		return
	}
	for i := range recs {
		recs[i].Chrom = prefix + "_" + recs[i].Chrom
	}
}
