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

// maxLineSize bounds a single fragment TSV line. Fragment lines are tiny;
// this is only a guard against scanning a non-TSV file by mistake.
const maxLineSize = 1 << 20

// Scanner streams Records from a fragment TSV file, decompressing on the
// fly when the path ends in .gz. It is a forward-only, single-pass reader
// in the style of bufio.Scanner:
//
//	sc, err := fragments.NewScanner(ctx, path)
//	...
//	for sc.Scan() {
//		rec := sc.Record()
//		...
//	}
//	err = sc.Close()
//
// #-comment lines and blank lines are skipped. A malformed row stops the
// scan; Err and Close report a parse error carrying the file and line
// number.
type Scanner struct {
	path    string
	in      file.File
	gz      *gzip.Reader
	scanner *bufio.Scanner
	ctx     context.Context

	lineno int
	rec    Record
	err    errors.Once
	closed bool
}

// NewScanner opens path for streaming. The returned Scanner must be closed.
func NewScanner(ctx context.Context, path string) (*Scanner, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &Scanner{path: path, in: in, ctx: ctx}
	reader := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		if s.gz, err = gzip.NewReader(reader); err != nil {
			_ = in.Close(ctx)
			return nil, errors.E(err, path)
		}
		reader = s.gz
	}
	s.scanner = bufio.NewScanner(reader)
	s.scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return s, nil
}

// Scan advances to the next record. It returns false on end of stream or
// error; the two cases are distinguished by Err.
func (s *Scanner) Scan() bool {
	if s.err.Err() != nil {
		return false
	}
	for s.scanner.Scan() {
		s.lineno++
		line := s.scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if err := parseRecord(line, &s.rec); err != nil {
			s.err.Set(fmt.Errorf("%s:%d: %v", s.path, s.lineno, err))
			return false
		}
		return true
	}
	s.err.Set(s.scanner.Err())
	return false
}

// Record returns the record read by the last successful Scan. The record,
// including its string fields, is valid until the next Scan call.
func (s *Scanner) Record() *Record { return &s.rec }

// Err returns the first error encountered, nil on a clean end of stream.
func (s *Scanner) Err() error { return s.err.Err() }

// Close releases the underlying file. It returns the first error seen by
// the scanner, including any parse error.
func (s *Scanner) Close() error {
	if !s.closed {
		s.closed = true
		if s.gz != nil {
			s.err.Set(s.gz.Close())
		}
		s.err.Set(s.in.Close(s.ctx))
	}
	return s.err.Err()
}

// parseRecord parses one fragment TSV line into *rec. The line must have at
// least four columns (chrom, start, end, barcode); a fifth column, when
// present and not ".", is the duplicate count.
func parseRecord(line string, rec *Record) error {
	cols := strings.Split(line, "\t")
	if len(cols) < 4 {
		return fmt.Errorf("fragment row needs at least 4 columns (chrom, start, end, barcode), got %d", len(cols))
	}
	start, err := strconv.ParseInt(cols[1], 10, 32)
	if err != nil {
		return fmt.Errorf("bad start coordinate %q: %v", cols[1], err)
	}
	end, err := strconv.ParseInt(cols[2], 10, 32)
	if err != nil {
		return fmt.Errorf("bad end coordinate %q: %v", cols[2], err)
	}
	if start < 0 {
		return fmt.Errorf("negative start coordinate %d", start)
	}
	if end <= start {
		return fmt.Errorf("empty interval [%d, %d)", start, end)
	}
	count := int64(1)
	if len(cols) >= 5 && cols[4] != "." {
		if count, err = strconv.ParseInt(cols[4], 10, 32); err != nil {
			return fmt.Errorf("bad count %q: %v", cols[4], err)
		}
		if count <= 0 {
			return fmt.Errorf("count must be positive, got %d", count)
		}
	}
	rec.Chrom = cols[0]
	rec.Start = int32(start)
	rec.End = int32(end)
	rec.Barcode = cols[3]
	rec.Count = int32(count)
	return nil
}
