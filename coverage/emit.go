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
package coverage

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/scatac/encoding/bigwig"
	"github.com/grailbio/scatac/fragments"
)

// WriteBigWig drains the coverage iterator into w, one batched AddEntries
// call per chromosome, and closes w. The bigWig header follows sizes order.
func WriteBigWig(it *Iter, sizes *fragments.ChromSizes, w bigwig.Writer) error {
	e := errors.Once{}
	e.Set(w.AddHeader(sizes.Names(), sizes.Sizes()))
	for e.Err() == nil && it.Scan() {
		e.Set(w.AddEntries(it.Chrom(), it.Starts(), it.Ends(), it.Values()))
	}
	e.Set(it.Err())
	e.Set(w.Close())
	return e.Err()
}

// WriteBigWigPerEntry is WriteBigWig's single-entry variant: it feeds w one
// (chrom, start, end, value) tuple per AddEntries call. Engines section
// their output by entry stream alone, so the result is byte-identical to
// WriteBigWig's.
func WriteBigWigPerEntry(it *Iter, sizes *fragments.ChromSizes, w bigwig.Writer) error {
	e := errors.Once{}
	e.Set(w.AddHeader(sizes.Names(), sizes.Sizes()))
	for e.Err() == nil && it.Scan() {
		chrom, starts, ends, values := it.Chrom(), it.Starts(), it.Ends(), it.Values()
		for i := range starts {
			e.Set(w.AddEntries(chrom, starts[i:i+1], ends[i:i+1], values[i:i+1]))
			if e.Err() != nil {
				break
			}
		}
	}
	e.Set(it.Err())
	e.Set(w.Close())
	return e.Err()
}
