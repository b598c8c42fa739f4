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
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/klauspost/compress/gzip"
)

// ChromSizes is an ordered chromosome -> size mapping. The insertion order
// defines the chromosome emission order of everything downstream: shard
// merging, coverage iteration, and bigWig headers all follow it.
type ChromSizes struct {
	names []string
	sizes map[string]uint32
}

// NewChromSizes returns an empty size table.
func NewChromSizes() *ChromSizes {
	return &ChromSizes{sizes: map[string]uint32{}}
}

// Add appends a chromosome. Adding the same chromosome twice is an error.
func (c *ChromSizes) Add(name string, size uint32) error {
	if _, ok := c.sizes[name]; ok {
		return fmt.Errorf("chromsizes: duplicate chromosome %q", name)
	}
	c.names = append(c.names, name)
	c.sizes[name] = size
	return nil
}

// Len returns the number of chromosomes.
func (c *ChromSizes) Len() int { return len(c.names) }

// Names returns the chromosome names in insertion order. The returned slice
// is owned by c and must not be modified.
func (c *ChromSizes) Names() []string { return c.names }

// Size returns the size of the named chromosome, and whether it is present.
func (c *ChromSizes) Size(name string) (uint32, bool) {
	size, ok := c.sizes[name]
	return size, ok
}

// Sizes returns the chromosome sizes in insertion order.
func (c *ChromSizes) Sizes() []uint32 {
	sizes := make([]uint32, len(c.names))
	for i, name := range c.names {
		sizes[i] = c.sizes[name]
	}
	return sizes
}

// ReadChromSizes reads a two-column (chrom, size) tab-separated file, e.g. a
// UCSC *.chrom.sizes file or the first two columns of a *.fa.fai index.
// Empty lines and #-comments are skipped. File order defines chromosome
// order. A duplicate chromosome is an error.
func ReadChromSizes(ctx context.Context, path string) (*ChromSizes, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err) // nolint: errcheck
	reader := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, errors.E(err, path)
		}
		defer gz.Close() // nolint: errcheck
		reader = gz
	}
	sizes := NewChromSizes()
	scanner := bufio.NewScanner(reader)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" || line[0] == '#' {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 2 {
			return nil, fmt.Errorf("%s:%d: expected at least two columns (chrom, size), got %d", path, lineno, len(cols))
		}
		size, err := strconv.ParseUint(cols[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad chromosome size %q: %v", path, lineno, cols[1], err)
		}
		if err := sizes.Add(cols[0], uint32(size)); err != nil {
			return nil, errors.E(err, fmt.Sprintf("%s:%d", path, lineno))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(err, path)
	}
	return sizes, nil
}
