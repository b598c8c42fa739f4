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
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/scatac/encoding/bigwig"
	"github.com/grailbio/scatac/fragments"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBigWigAdaptersMatch(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	recs := []fragments.Record{
		{Chrom: "chr1", Start: 0, End: 4, Barcode: "BC1", Count: 1},
		{Chrom: "chr1", Start: 2, End: 6, Barcode: "BC2", Count: 1},
		{Chrom: "chr2", Start: 10, End: 30, Barcode: "BC1", Count: 1},
	}
	s := sizes(t, "chr1", 100, "chr2", 100)

	batched := filepath.Join(tempDir, "batched.bw")
	w, err := bigwig.New(bigwig.Primary, batched)
	require.NoError(t, err)
	require.NoError(t, WriteBigWig(NewIter(recs, s, Opts{}), s, w))

	single := filepath.Join(tempDir, "single.bw")
	w, err = bigwig.New(bigwig.Primary, single)
	require.NoError(t, err)
	require.NoError(t, WriteBigWigPerEntry(NewIter(recs, s, Opts{}), s, w))

	want, err := os.ReadFile(batched)
	require.NoError(t, err)
	got, err := os.ReadFile(single)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWriteBigWigEmpty(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	path := filepath.Join(tempDir, "empty.bw")
	w, err := bigwig.New(bigwig.Primary, path)
	require.NoError(t, err)
	s := sizes(t, "chr1", 100)
	require.NoError(t, WriteBigWig(NewIter(nil, s, Opts{}), s, w))
	// Header-only output.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
