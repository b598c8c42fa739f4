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

// Package bigwig writes bigWig genome-signal files. The Writer interface is
// the capability consumed by coverage emission; two engines implement it:
//
//   - "primary": the streaming bbi container encoder in this package.
//   - "alternate": a track-based engine built on github.com/pbenner/gonetics.
//
// Both accept run segments per chromosome, chromosomes in header order,
// with starts strictly increasing within a chromosome.
package bigwig

import (
	"fmt"
)

// Writer is the bigWig writing capability. AddHeader must be called exactly
// once, before any AddEntries. Entries for one chromosome must arrive
// before any entry of a later chromosome, in coordinate order, with
// exclusive ends. Close finalizes the container; a Writer is single-use.
type Writer interface {
	AddHeader(chroms []string, sizes []uint32) error
	AddEntries(chrom string, starts, ends []uint32, values []float32) error
	Close() error
}

// Engine names accepted by New.
const (
	Primary   = "primary"
	Alternate = "alternate"
)

// New opens a bigWig Writer at path using the named engine. An unknown
// engine name fails before any file is created.
func New(engine, path string) (Writer, error) {
	switch engine {
	case Primary:
		return newBBIWriter(path)
	case Alternate:
		return newGoneticsWriter(path), nil
	}
	return nil, fmt.Errorf("bigwig: unknown writer %q (allowed: %q, %q)", engine, Primary, Alternate)
}
