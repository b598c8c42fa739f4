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
package bigwig

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownWriter(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	path := filepath.Join(tempDir, "out.bw")
	_, err := New("pybigwig", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown writer "pybigwig"`)
	// The failure happens before any I/O.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// bwFile is a minimal test-side decoding of the container, enough to check
// the invariants the encoder promises.
type bwFile struct {
	version, zoomLevels uint16
	chromIDs            map[string]uint32
	chromSizes          map[string]uint32
	sectionCount        uint64
	validCount          uint64
	minVal, maxVal      float64
	sumData             float64
	entries             map[uint32][]bedGraphItem // chrom id -> items
}

func get32(data []byte, off uint64) uint32 { return binary.LittleEndian.Uint32(data[off:]) }
func get16(data []byte, off uint64) uint16 { return binary.LittleEndian.Uint16(data[off:]) }
func get64(data []byte, off uint64) uint64 { return binary.LittleEndian.Uint64(data[off:]) }

func decodeBW(t *testing.T, path string) *bwFile {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), headerSize+summarySize)
	require.EqualValues(t, bigWigMagic, get32(data, 0), "bad magic")
	bw := &bwFile{
		version:    get16(data, 4),
		zoomLevels: get16(data, 6),
		chromIDs:   map[string]uint32{},
		chromSizes: map[string]uint32{},
		entries:    map[uint32][]bedGraphItem{},
	}
	chromTreeOff := get64(data, 8)
	dataOff := get64(data, 16)
	indexOff := get64(data, 24)
	summaryOff := get64(data, 44)
	uncompressBufSize := get32(data, 52)

	bw.validCount = get64(data, summaryOff)
	bw.minVal = math.Float64frombits(get64(data, summaryOff+8))
	bw.maxVal = math.Float64frombits(get64(data, summaryOff+16))
	bw.sumData = math.Float64frombits(get64(data, summaryOff+24))

	// Chromosome B+ tree (single leaf).
	require.EqualValues(t, chromTreeMagic, get32(data, chromTreeOff))
	keySize := uint64(get32(data, chromTreeOff+8))
	require.EqualValues(t, 8, get32(data, chromTreeOff+12))
	itemCount := get64(data, chromTreeOff+16)
	node := chromTreeOff + 32
	require.EqualValues(t, 1, data[node], "chrom tree root must be a leaf")
	require.EqualValues(t, itemCount, get16(data, node+2))
	itemOff := node + 4
	prevKey := ""
	for i := uint64(0); i < itemCount; i++ {
		key := string(bytes.TrimRight(data[itemOff:itemOff+keySize], "\x00"))
		require.Greater(t, key, prevKey, "chrom tree keys must be sorted")
		prevKey = key
		bw.chromIDs[key] = get32(data, itemOff+keySize)
		bw.chromSizes[key] = get32(data, itemOff+keySize+4)
		itemOff += keySize + 8
	}

	bw.sectionCount = get64(data, dataOff)

	// R-tree: walk from the root collecting leaf items, decompress each
	// referenced section.
	require.EqualValues(t, rTreeMagic, get32(data, indexOff))
	indexedItems := get64(data, indexOff+8)
	require.Equal(t, bw.sectionCount, indexedItems)
	var walk func(nodeOff uint64)
	walk = func(nodeOff uint64) {
		isLeaf := data[nodeOff] == 1
		count := uint64(get16(data, nodeOff+2))
		itemOff := nodeOff + 4
		for i := uint64(0); i < count; i++ {
			if isLeaf {
				secOff := get64(data, itemOff+16)
				secSize := get64(data, itemOff+24)
				section := data[secOff : secOff+secSize]
				if uncompressBufSize > 0 {
					zr, err := zlib.NewReader(bytes.NewReader(section))
					require.NoError(t, err)
					section, err = io.ReadAll(zr)
					require.NoError(t, err)
					require.NoError(t, zr.Close())
				}
				chromID := get32(section, 0)
				require.EqualValues(t, bedGraphType, section[20])
				n := uint64(get16(section, 22))
				for j := uint64(0); j < n; j++ {
					base := 24 + 12*j
					bw.entries[chromID] = append(bw.entries[chromID], bedGraphItem{
						start: get32(section, base),
						end:   get32(section, base+4),
						value: math.Float32frombits(get32(section, base+8)),
					})
				}
				itemOff += 32
			} else {
				walk(get64(data, itemOff+16))
				itemOff += 24
			}
		}
	}
	if indexedItems > 0 {
		walk(indexOff + 48)
	}
	return bw
}

func TestBBIWriter(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	path := filepath.Join(tempDir, "cov.bw")
	w, err := New(Primary, path)
	require.NoError(t, err)
	require.NoError(t, w.AddHeader([]string{"chr2", "chr1"}, []uint32{500, 1000}))
	require.NoError(t, w.AddEntries("chr2", []uint32{0, 10}, []uint32{4, 20}, []float32{1, 2.5}))
	require.NoError(t, w.AddEntries("chr1", []uint32{100}, []uint32{200}, []float32{0.5}))
	require.NoError(t, w.Close())

	bw := decodeBW(t, path)
	assert.EqualValues(t, bbiVersion, bw.version)
	assert.EqualValues(t, 0, bw.zoomLevels)
	// IDs follow header order regardless of name order.
	assert.Equal(t, map[string]uint32{"chr2": 0, "chr1": 1}, bw.chromIDs)
	assert.Equal(t, map[string]uint32{"chr2": 500, "chr1": 1000}, bw.chromSizes)
	assert.EqualValues(t, 2, bw.sectionCount)
	assert.Equal(t, []bedGraphItem{{0, 4, 1}, {10, 20, 2.5}}, bw.entries[0])
	assert.Equal(t, []bedGraphItem{{100, 200, 0.5}}, bw.entries[1])
	// Summary: 4+10+100 covered bases, value-weighted sums.
	assert.EqualValues(t, 114, bw.validCount)
	assert.EqualValues(t, 0.5, bw.minVal)
	assert.EqualValues(t, 2.5, bw.maxVal)
	assert.InDelta(t, 4*1.0+10*2.5+100*0.5, bw.sumData, 1e-9)
}

func TestBBIWriterManySections(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	// Three sections' worth of runs on one chromosome.
	n := 2*defaultItemsPerSlot + 100
	starts := make([]uint32, n)
	ends := make([]uint32, n)
	values := make([]float32, n)
	for i := 0; i < n; i++ {
		starts[i] = uint32(2 * i)
		ends[i] = uint32(2*i + 1)
		values[i] = float32(i%7) + 1
	}
	path := filepath.Join(tempDir, "many.bw")
	w, err := New(Primary, path)
	require.NoError(t, err)
	require.NoError(t, w.AddHeader([]string{"chr1"}, []uint32{uint32(2 * n)}))
	require.NoError(t, w.AddEntries("chr1", starts, ends, values))
	require.NoError(t, w.Close())

	bw := decodeBW(t, path)
	assert.EqualValues(t, 3, bw.sectionCount)
	require.Len(t, bw.entries[0], n)
	for i, item := range bw.entries[0] {
		assert.Equal(t, bedGraphItem{starts[i], ends[i], values[i]}, item)
	}
}

func TestBBIWriterEmpty(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	path := filepath.Join(tempDir, "empty.bw")
	w, err := New(Primary, path)
	require.NoError(t, err)
	require.NoError(t, w.AddHeader([]string{"chr1"}, []uint32{1000}))
	require.NoError(t, w.Close())

	bw := decodeBW(t, path)
	assert.EqualValues(t, 0, bw.sectionCount)
	assert.EqualValues(t, 0, bw.validCount)
	assert.Empty(t, bw.entries)
}

func TestBBIWriterValidation(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	newWriter := func(name string) Writer {
		w, err := New(Primary, filepath.Join(tempDir, name))
		require.NoError(t, err)
		require.NoError(t, w.AddHeader([]string{"chr1", "chr2"}, []uint32{100, 100}))
		return w
	}
	w := newWriter("a.bw")
	err := w.AddEntries("chr3", []uint32{0}, []uint32{1}, []float32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in header")

	w = newWriter("b.bw")
	err = w.AddEntries("chr1", []uint32{0, 1}, []uint32{2, 3}, []float32{1, 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlapping or unsorted")

	w = newWriter("c.bw")
	err = w.AddEntries("chr1", []uint32{50}, []uint32{200}, []float32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad interval")

	// A chromosome may not reappear after a later one.
	w = newWriter("d.bw")
	require.NoError(t, w.AddEntries("chr2", []uint32{0}, []uint32{1}, []float32{1}))
	err = w.AddEntries("chr1", []uint32{5}, []uint32{6}, []float32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after a later chromosome")
}

// Feeding entries one at a time must produce the same bytes as batching
// them per chromosome: sectioning depends only on the entry stream.
func TestBatchVsPerEntryIdentical(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	n := defaultItemsPerSlot + 17
	starts := make([]uint32, n)
	ends := make([]uint32, n)
	values := make([]float32, n)
	for i := 0; i < n; i++ {
		starts[i] = uint32(3 * i)
		ends[i] = uint32(3*i + 2)
		values[i] = float32(i%5) + 0.5
	}
	chroms := []string{"chr1", "chr2"}
	chromSizes := []uint32{uint32(3 * n), uint32(3 * n)}

	batched := filepath.Join(tempDir, "batched.bw")
	w, err := New(Primary, batched)
	require.NoError(t, err)
	require.NoError(t, w.AddHeader(chroms, chromSizes))
	require.NoError(t, w.AddEntries("chr1", starts, ends, values))
	require.NoError(t, w.AddEntries("chr2", starts[:3], ends[:3], values[:3]))
	require.NoError(t, w.Close())

	single := filepath.Join(tempDir, "single.bw")
	w, err = New(Primary, single)
	require.NoError(t, err)
	require.NoError(t, w.AddHeader(chroms, chromSizes))
	for i := 0; i < n; i++ {
		require.NoError(t, w.AddEntries("chr1", starts[i:i+1], ends[i:i+1], values[i:i+1]))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, w.AddEntries("chr2", starts[i:i+1], ends[i:i+1], values[i:i+1]))
	}
	require.NoError(t, w.Close())

	want, err := os.ReadFile(batched)
	require.NoError(t, err)
	got, err := os.ReadFile(single)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
