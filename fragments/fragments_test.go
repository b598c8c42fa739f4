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
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if filepath.Ext(name) == ".gz" {
		f, err := os.Create(path)
		require.NoError(t, err)
		gz := gzip.NewWriter(f)
		_, err = gz.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		require.NoError(t, f.Close())
		return path
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func scanAll(t *testing.T, path string) []Record {
	t.Helper()
	sc, err := NewScanner(context.Background(), path)
	require.NoError(t, err)
	var recs []Record
	for sc.Scan() {
		recs = append(recs, *sc.Record())
	}
	require.NoError(t, sc.Close())
	return recs
}

func TestScanner(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	body := `# comment line
chr1	0	10	AAAC	1

chr1	5	20	AAAG	.
chr2	3	4	AAAC
`
	for _, name := range []string{"frags.tsv", "frags.tsv.gz"} {
		path := writeFile(t, tempDir, name, body)
		recs := scanAll(t, path)
		assert.Equal(t, []Record{
			{"chr1", 0, 10, "AAAC", 1},
			{"chr1", 5, 20, "AAAG", 1},
			{"chr2", 3, 4, "AAAC", 1},
		}, recs, name)
	}
}

func TestScannerErrors(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	for _, tc := range []struct {
		name, body, want string
	}{
		{"columns", "chr1\t0\t10\n", "at least 4 columns"},
		{"start", "chr1\tx\t10\tAAAC\n", "bad start"},
		{"end", "chr1\t0\ty\tAAAC\n", "bad end"},
		{"negative", "chr1\t-2\t10\tAAAC\n", "negative start"},
		{"empty-interval", "chr1\t10\t10\tAAAC\n", "empty interval"},
		{"count", "chr1\t0\t10\tAAAC\tz\n", "bad count"},
		{"zero-count", "chr1\t0\t10\tAAAC\t0\n", "count must be positive"},
	} {
		path := writeFile(t, tempDir, tc.name+".tsv", "# header\n"+tc.body)
		sc, err := NewScanner(context.Background(), path)
		require.NoError(t, err)
		assert.False(t, sc.Scan(), tc.name)
		err = sc.Close()
		require.Error(t, err, tc.name)
		assert.Contains(t, err.Error(), tc.want, tc.name)
		// The parse error names the file and the 1-based line.
		assert.Contains(t, err.Error(), tc.name+".tsv:2", tc.name)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	recs := []Record{
		{"chr1", 0, 10, "AAAC", 1},
		{"chr1", 5, 20, "AAAG", 3},
		{"chr2", 3, 4, "AAAC", 2},
	}
	ctx := context.Background()
	for name, open := range map[string]func() (*Writer, error){
		"single":   func() (*Writer, error) { return NewWriter(ctx, filepath.Join(tempDir, "single.tsv.gz")) },
		"parallel": func() (*Writer, error) { return NewParallelWriter(ctx, filepath.Join(tempDir, "parallel.tsv.gz"), 3) },
	} {
		w, err := open()
		require.NoError(t, err, name)
		for i := range recs {
			require.NoError(t, w.Write(&recs[i]), name)
		}
		require.NoError(t, w.Close(), name)
		assert.Equal(t, recs, scanAll(t, w.Path()), name)
	}
}

func TestWriterAbort(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	w, err := NewWriter(context.Background(), filepath.Join(tempDir, "aborted.tsv.gz"))
	require.NoError(t, err)
	require.NoError(t, w.Write(&Record{"chr1", 0, 10, "AAAC", 1}))
	w.Abort()
	_, err = os.Stat(w.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestReadAllDedup(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	// Without a numeric count column, duplicate rows collapse into their
	// multiplicity; explicit counts sum.
	body := `chr1	0	10	AAAC	.
chr1	0	10	AAAC	.
chr1	0	10	AAAC	.
chr1	5	20	AAAG	2
chr1	5	20	AAAG	3
chr2	3	4	AAAC
`
	path := writeFile(t, tempDir, "dups.tsv", body)
	recs, err := ReadAll(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{"chr1", 0, 10, "AAAC", 3},
		{"chr1", 5, 20, "AAAG", 5},
		{"chr2", 3, 4, "AAAC", 1},
	}, recs)
}

func TestAddChromPrefix(t *testing.T) {
	recs := []Record{{"1", 0, 10, "AAAC", 1}, {"MT", 3, 4, "AAAG", 1}}
	AddChromPrefix(recs, "chr")
	assert.Equal(t, "chr_1", recs[0].Chrom)
	assert.Equal(t, "chr_MT", recs[1].Chrom)
	AddChromPrefix(recs, "")
	assert.Equal(t, "chr_1", recs[0].Chrom)
}

func TestRecordCompare(t *testing.T) {
	base := Record{"chr1", 10, 20, "AAAC", 1}
	for _, tc := range []struct {
		other Record
		want  int
	}{
		{Record{"chr1", 10, 20, "AAAC", 5}, 0}, // count is not part of the key
		{Record{"chr1", 11, 20, "AAAC", 1}, -1},
		{Record{"chr1", 9, 20, "AAAC", 1}, 1},
		{Record{"chr1", 10, 21, "AAAC", 1}, -1},
		{Record{"chr1", 10, 20, "AAAD", 1}, -1},
	} {
		assert.Equal(t, tc.want, base.Compare(&tc.other), "%+v", tc.other)
	}
}

func TestReadChromSizes(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	path := writeFile(t, tempDir, "test.chrom.sizes", "# build xyz\nchr1\t1000\nchr2\t500\nchrM\t100\n")
	sizes, err := ReadChromSizes(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"chr1", "chr2", "chrM"}, sizes.Names())
	assert.Equal(t, []uint32{1000, 500, 100}, sizes.Sizes())
	size, ok := sizes.Size("chr2")
	assert.True(t, ok)
	assert.EqualValues(t, 500, size)
	_, ok = sizes.Size("chr3")
	assert.False(t, ok)

	path = writeFile(t, tempDir, "dup.chrom.sizes", "chr1\t1000\nchr1\t500\n")
	_, err = ReadChromSizes(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate chromosome")

	path = writeFile(t, tempDir, "bad.chrom.sizes", "chr1\tbig\n")
	_, err = ReadChromSizes(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad chromosome size")
}
