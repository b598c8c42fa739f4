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
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
)

// pgzipBlockSize is the per-block input size handed to each pgzip
// compressor goroutine.
const pgzipBlockSize = 1 << 20

// Writer writes Records as gzip-compressed fragment TSV lines. Lines are
// emitted in canonical form: five tab-separated columns with the count
// column always present.
type Writer struct {
	ctx  context.Context
	path string
	out  file.File
	gz   io.WriteCloser
	w    *tsv.Writer
	err  errors.Once
}

// NewWriter creates a fragment writer at path using a single-threaded gzip
// compressor. Use it where many writers are open at once (per-shard
// outputs); the per-writer memory is one compressor window.
func NewWriter(ctx context.Context, path string) (*Writer, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := &Writer{ctx: ctx, path: path, out: out}
	w.gz = gzip.NewWriter(out.Writer(ctx))
	w.w = tsv.NewWriter(w.gz)
	return w, nil
}

// NewParallelWriter creates a fragment writer at path whose compressor is
// fed by writerThreads parallel deflate workers. Use it for the large
// merged outputs; writerThreads <= 0 selects pgzip's default.
func NewParallelWriter(ctx context.Context, path string, writerThreads int) (*Writer, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := &Writer{ctx: ctx, path: path, out: out}
	gz := pgzip.NewWriter(out.Writer(ctx))
	if writerThreads > 0 {
		if err := gz.SetConcurrency(pgzipBlockSize, writerThreads); err != nil {
			_ = out.Close(ctx)
			return nil, errors.E(err, path)
		}
	}
	w.gz = gz
	w.w = tsv.NewWriter(gz)
	return w, nil
}

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// Write appends one record.
func (w *Writer) Write(rec *Record) error {
	w.w.WriteString(rec.Chrom)
	w.w.WriteUint32(uint32(rec.Start))
	w.w.WriteUint32(uint32(rec.End))
	w.w.WriteString(rec.Barcode)
	w.w.WriteUint32(uint32(rec.Count))
	w.err.Set(w.w.EndLine())
	return w.err.Err()
}

// Close flushes and closes the output. It returns the first error seen over
// the writer's lifetime.
func (w *Writer) Close() error {
	w.err.Set(w.w.Flush())
	w.err.Set(w.gz.Close())
	w.err.Set(w.out.Close(w.ctx))
	return w.err.Err()
}

// Abort closes the writer and removes the partial output file. Used on
// error paths so a failed run does not leave truncated fragment files
// behind.
func (w *Writer) Abort() {
	_ = w.w.Flush()
	_ = w.gz.Close()
	_ = w.out.Close(w.ctx)
	_ = file.Remove(w.ctx, w.path)
}
