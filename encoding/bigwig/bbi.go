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
	"math"
	"os"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// The bbi (big binary indexed) container, as consumed by genome browsers:
// a fixed header, a total summary, a chromosome B+ tree, zlib-compressed
// bedGraph-typed data sections, and an R-tree index over the sections.
// Zoom levels are not emitted; browsers recompute reductions on demand.
const (
	bigWigMagic    = 0x888FFC26
	chromTreeMagic = 0x78CA8C91
	rTreeMagic     = 0x2468ACE0

	bbiVersion = 4

	headerSize  = 64
	summarySize = 40

	// bedGraphType marks a section holding (start, end, value) items.
	bedGraphType = 1

	defaultItemsPerSlot = 1024
	rTreeBlockSize      = 256
)

type bedGraphItem struct {
	start, end uint32
	value      float32
}

type sectionMeta struct {
	chromID    uint32
	start, end uint32
	offset     uint64
	size       uint64
}

// bbiWriter is the "primary" engine: it streams run segments into a bigWig
// file, buffering at most one section (defaultItemsPerSlot items) in
// memory. Section boundaries depend only on the entry stream, never on how
// entries were batched across AddEntries calls, so feeding runs one at a
// time produces byte-identical output to whole-chromosome batches.
type bbiWriter struct {
	path string
	f    *os.File
	off  int64

	itemsPerSlot int
	compress     bool

	chromIDs   map[string]uint32
	chromNames []string
	chromSizes []uint32
	headerDone bool

	curChrom uint32
	curValid bool
	lastEnd  uint32
	items    []bedGraphItem

	sections       []sectionMeta
	maxSectionSize uint32
	dataCountOff   int64

	validCount          uint64
	minVal, maxVal      float64
	sumData, sumSquares float64
	haveSummary, closed bool
}

func newBBIWriter(path string) (*bbiWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &bbiWriter{
		path:         path,
		f:            f,
		itemsPerSlot: defaultItemsPerSlot,
		compress:     true,
		chromIDs:     map[string]uint32{},
	}, nil
}

func (w *bbiWriter) write(data []byte) error {
	n, err := w.f.Write(data)
	w.off += int64(n)
	if err != nil {
		return errors.Wrap(err, w.path)
	}
	return nil
}

// writeAt patches previously written bytes without disturbing w.off.
func (w *bbiWriter) writeAt(data []byte, off int64) error {
	_, err := w.f.WriteAt(data, off)
	return errors.Wrap(err, w.path)
}

func (w *bbiWriter) AddHeader(chroms []string, sizes []uint32) error {
	if w.headerDone {
		return errors.Errorf("bigwig %s: AddHeader called twice", w.path)
	}
	if len(chroms) != len(sizes) {
		return errors.Errorf("bigwig %s: %d chromosome names vs %d sizes", w.path, len(chroms), len(sizes))
	}
	w.headerDone = true
	w.chromNames = chroms
	w.chromSizes = sizes
	for i, name := range chroms {
		if _, ok := w.chromIDs[name]; ok {
			return errors.Errorf("bigwig %s: duplicate chromosome %q", w.path, name)
		}
		w.chromIDs[name] = uint32(i)
	}
	tree := w.marshalChromTree()

	chromTreeOff := uint64(headerSize + summarySize)
	dataOff := chromTreeOff + uint64(len(tree))

	var buf bytes.Buffer
	put32 := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	put16 := func(v uint16) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	put64 := func(v uint64) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	put32(bigWigMagic)
	put16(bbiVersion)
	put16(0)            // zoom levels
	put64(chromTreeOff) // chromosome B+ tree
	put64(dataOff)      // full data (section count word)
	put64(0)            // full index; patched on Close
	put16(0)            // field count (0 for bigWig)
	put16(0)            // defined field count
	put64(0)            // autoSql
	put64(headerSize)   // total summary
	put32(0)            // uncompress buf size; patched on Close
	put64(0)            // reserved
	buf.Write(make([]byte, summarySize)) // summary; patched on Close
	buf.Write(tree)
	w.dataCountOff = int64(dataOff)
	buf.Write(make([]byte, 8)) // section count; patched on Close
	return w.write(buf.Bytes())
}

// marshalChromTree encodes the chromosome name -> (id, size) B+ tree as a
// single leaf holding every chromosome, keys in lexicographic order as the
// searcher expects, ids in header order.
func (w *bbiWriter) marshalChromTree() []byte {
	keySize := 1
	for _, name := range w.chromNames {
		if len(name) > keySize {
			keySize = len(name)
		}
	}
	order := make([]int, len(w.chromNames))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ { // insertion sort by name
		for j := i; j > 0 && w.chromNames[order[j]] < w.chromNames[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	var buf bytes.Buffer
	put32 := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	put32(chromTreeMagic)
	put32(uint32(len(order))) // block size
	put32(uint32(keySize))
	put32(8) // value size: id + size
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(order)))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(0)) // reserved
	buf.WriteByte(1)                                       // leaf
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(order)))
	key := make([]byte, keySize)
	for _, id := range order {
		for i := range key {
			key[i] = 0
		}
		copy(key, w.chromNames[id])
		buf.Write(key)
		put32(uint32(id))
		put32(w.chromSizes[id])
	}
	return buf.Bytes()
}

func (w *bbiWriter) AddEntries(chrom string, starts, ends []uint32, values []float32) error {
	if !w.headerDone {
		return errors.Errorf("bigwig %s: AddEntries before AddHeader", w.path)
	}
	if len(starts) != len(ends) || len(starts) != len(values) {
		return errors.Errorf("bigwig %s: mismatched entry arrays (%d starts, %d ends, %d values)",
			w.path, len(starts), len(ends), len(values))
	}
	id, ok := w.chromIDs[chrom]
	if !ok {
		return errors.Errorf("bigwig %s: chromosome %q not in header", w.path, chrom)
	}
	if w.curValid && id != w.curChrom {
		if id < w.curChrom {
			return errors.Errorf("bigwig %s: chromosome %q arrives after a later chromosome", w.path, chrom)
		}
		if err := w.flushSection(); err != nil {
			return err
		}
		w.curValid = false
	}
	if !w.curValid {
		w.curValid = true
		w.curChrom = id
		w.lastEnd = 0
	}
	size := w.chromSizes[id]
	for i := range starts {
		start, end, value := starts[i], ends[i], values[i]
		if start >= end || end > size {
			return errors.Errorf("bigwig %s: bad interval [%d, %d) on %s (size %d)", w.path, start, end, chrom, size)
		}
		if start < w.lastEnd {
			return errors.Errorf("bigwig %s: overlapping or unsorted entry at %s:%d", w.path, chrom, start)
		}
		w.lastEnd = end
		if len(w.items) == w.itemsPerSlot {
			if err := w.flushSection(); err != nil {
				return err
			}
		}
		w.items = append(w.items, bedGraphItem{start, end, value})

		span := float64(end - start)
		v := float64(value)
		w.validCount += uint64(end - start)
		w.sumData += v * span
		w.sumSquares += v * v * span
		if !w.haveSummary || v < w.minVal {
			w.minVal = v
		}
		if !w.haveSummary || v > w.maxVal {
			w.maxVal = v
		}
		w.haveSummary = true
	}
	return nil
}

// flushSection writes the buffered items as one bedGraph section.
func (w *bbiWriter) flushSection() error {
	if len(w.items) == 0 {
		return nil
	}
	var raw bytes.Buffer
	put32 := func(v uint32) { _ = binary.Write(&raw, binary.LittleEndian, v) }
	put32(w.curChrom)
	put32(w.items[0].start)
	put32(w.items[len(w.items)-1].end)
	put32(0) // item step (unused for bedGraph)
	put32(0) // item span
	raw.WriteByte(bedGraphType)
	raw.WriteByte(0)
	_ = binary.Write(&raw, binary.LittleEndian, uint16(len(w.items)))
	for _, item := range w.items {
		put32(item.start)
		put32(item.end)
		_ = binary.Write(&raw, binary.LittleEndian, math.Float32bits(item.value))
	}
	if n := uint32(raw.Len()); n > w.maxSectionSize {
		w.maxSectionSize = n
	}
	payload := raw.Bytes()
	if w.compress {
		var packed bytes.Buffer
		zw := zlib.NewWriter(&packed)
		if _, err := zw.Write(payload); err != nil {
			return errors.Wrap(err, w.path)
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, w.path)
		}
		payload = packed.Bytes()
	}
	meta := sectionMeta{
		chromID: w.curChrom,
		start:   w.items[0].start,
		end:     w.items[len(w.items)-1].end,
		offset:  uint64(w.off),
		size:    uint64(len(payload)),
	}
	if err := w.write(payload); err != nil {
		return err
	}
	w.sections = append(w.sections, meta)
	w.items = w.items[:0]
	return nil
}

func (w *bbiWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.headerDone {
		_ = w.f.Close()
		return errors.Errorf("bigwig %s: closed without a header", w.path)
	}
	if err := w.flushSection(); err != nil {
		_ = w.f.Close()
		return err
	}
	indexOff := uint64(w.off)
	if err := w.writeRTree(indexOff); err != nil {
		_ = w.f.Close()
		return err
	}
	// Patch full index offset and uncompress buffer size.
	var patch bytes.Buffer
	_ = binary.Write(&patch, binary.LittleEndian, indexOff)
	if err := w.writeAt(patch.Bytes(), 24); err != nil {
		_ = w.f.Close()
		return err
	}
	bufSize := w.maxSectionSize
	if !w.compress {
		bufSize = 0
	}
	patch.Reset()
	_ = binary.Write(&patch, binary.LittleEndian, bufSize)
	if err := w.writeAt(patch.Bytes(), 52); err != nil {
		_ = w.f.Close()
		return err
	}
	// Patch total summary and section count.
	patch.Reset()
	_ = binary.Write(&patch, binary.LittleEndian, w.validCount)
	_ = binary.Write(&patch, binary.LittleEndian, math.Float64bits(w.minVal))
	_ = binary.Write(&patch, binary.LittleEndian, math.Float64bits(w.maxVal))
	_ = binary.Write(&patch, binary.LittleEndian, math.Float64bits(w.sumData))
	_ = binary.Write(&patch, binary.LittleEndian, math.Float64bits(w.sumSquares))
	if err := w.writeAt(patch.Bytes(), headerSize); err != nil {
		_ = w.f.Close()
		return err
	}
	patch.Reset()
	_ = binary.Write(&patch, binary.LittleEndian, uint64(len(w.sections)))
	if err := w.writeAt(patch.Bytes(), w.dataCountOff); err != nil {
		_ = w.f.Close()
		return err
	}
	return errors.Wrap(w.f.Close(), w.path)
}

// rTreeNode covers either a run of sections (leaf) or a run of next-level
// nodes (index).
type rTreeNode struct {
	startChrom, startBase uint32
	endChrom, endBase     uint32
	first, count          int
	offset                uint64
}

func nodeSize(count int, leaf bool) uint64 {
	if leaf {
		return 4 + 32*uint64(count)
	}
	return 4 + 24*uint64(count)
}

// writeRTree writes the R-tree index over the data sections: a 48-byte
// header followed by the node levels root-first. Child offsets are laid
// out in a first pass so parents can be written before their children.
func (w *bbiWriter) writeRTree(indexOff uint64) error {
	// Group sections into leaves, then group each level until one root
	// remains. levels[0] is the leaf level.
	var levels [][]rTreeNode
	leaves := make([]rTreeNode, 0, (len(w.sections)+rTreeBlockSize-1)/rTreeBlockSize)
	for first := 0; first < len(w.sections); first += rTreeBlockSize {
		count := len(w.sections) - first
		if count > rTreeBlockSize {
			count = rTreeBlockSize
		}
		lo, hi := w.sections[first], w.sections[first+count-1]
		leaves = append(leaves, rTreeNode{
			startChrom: lo.chromID, startBase: lo.start,
			endChrom: hi.chromID, endBase: hi.end,
			first: first, count: count,
		})
	}
	levels = append(levels, leaves)
	for len(levels[len(levels)-1]) > 1 {
		lower := levels[len(levels)-1]
		upper := make([]rTreeNode, 0, (len(lower)+rTreeBlockSize-1)/rTreeBlockSize)
		for first := 0; first < len(lower); first += rTreeBlockSize {
			count := len(lower) - first
			if count > rTreeBlockSize {
				count = rTreeBlockSize
			}
			lo, hi := lower[first], lower[first+count-1]
			upper = append(upper, rTreeNode{
				startChrom: lo.startChrom, startBase: lo.startBase,
				endChrom: hi.endChrom, endBase: hi.endBase,
				first: first, count: count,
			})
		}
		levels = append(levels, upper)
	}

	// Assign file offsets root-first.
	off := indexOff + 48
	for level := len(levels) - 1; level >= 0; level-- {
		for i := range levels[level] {
			levels[level][i].offset = off
			off += nodeSize(levels[level][i].count, level == 0)
		}
	}

	var buf bytes.Buffer
	put32 := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	put64 := func(v uint64) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	root := levels[len(levels)-1]
	var rootNode rTreeNode
	if len(root) > 0 {
		rootNode = root[0]
	}
	put32(rTreeMagic)
	put32(rTreeBlockSize)
	put64(uint64(len(w.sections)))
	put32(rootNode.startChrom)
	put32(rootNode.startBase)
	put32(rootNode.endChrom)
	put32(rootNode.endBase)
	put64(indexOff) // end of the data region this index covers
	put32(1)        // items per leaf slot: one section
	put32(0)        // reserved

	for level := len(levels) - 1; level >= 0; level-- {
		leaf := level == 0
		for _, node := range levels[level] {
			if leaf {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
			buf.WriteByte(0)
			_ = binary.Write(&buf, binary.LittleEndian, uint16(node.count))
			for i := 0; i < node.count; i++ {
				if leaf {
					sec := w.sections[node.first+i]
					put32(sec.chromID)
					put32(sec.start)
					put32(sec.chromID)
					put32(sec.end)
					put64(sec.offset)
					put64(sec.size)
				} else {
					child := levels[level-1][node.first+i]
					put32(child.startChrom)
					put32(child.startBase)
					put32(child.endChrom)
					put32(child.endBase)
					put64(child.offset)
				}
			}
		}
	}
	return w.write(buf.Bytes())
}
