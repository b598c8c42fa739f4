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

// Package fragments provides the scATAC fragment data model: typed fragment
// records, streaming readers and writers for (optionally gzip-compressed)
// fragment TSV files, and ordered chromosome-size tables.
//
// A fragment is a [Start, End) interval on a reference chromosome, produced
// by a Tn5 transposase cut on each side and tagged with a cell barcode.
// Fragment files are tab-separated with at least four columns
// (chrom, start, end, barcode) and an optional duplicate count.
package fragments

import (
	"strings"
)

// Record is a single fragment: one line of a fragment TSV file.
type Record struct {
	Chrom   string
	Start   int32
	End     int32
	Barcode string
	// Count is the number of identical duplicates this record stands for.
	// Always >= 1. A missing or "." count column reads as 1.
	Count int32
}

// Compare returns -1, 0, 1 if r sorts before, equal to, or after other under
// (Start, End, Barcode) order. Chromosomes are not compared; callers merge
// streams one chromosome at a time.
func (r *Record) Compare(other *Record) int {
	if r.Start != other.Start {
		if r.Start < other.Start {
			return -1
		}
		return 1
	}
	if r.End != other.End {
		if r.End < other.End {
			return -1
		}
		return 1
	}
	return strings.Compare(r.Barcode, other.Barcode)
}

// Less reports whether r sorts before other under the full
// (chrom appearance order is external) (Start, End, Barcode) order.
func (r *Record) Less(other *Record) bool {
	return r.Compare(other) < 0
}
