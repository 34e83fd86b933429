// Package block implements the on-disk table format compaction reads and
// writes: a fixed header, summary stats used for key-range pruning, and a
// sorted key-value payload. It is adapted from a columnar block format down
// to the flat key-value layout the compaction pipeline's tables need.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/rivengine/forest/internal/data/compress"
)

// Size is the fixed size, in bytes, of one block-pool buffer. The pipeline's
// block pool allocates exactly this many bytes per slot.
const Size = 4096

// CompressionType selects how the data payload is stored on disk.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the fixed-size metadata every table carries. TreeID and Level
// are what let verify_tables_recovered and manifest replay dispatch a table
// to its owning tree without decoding the payload.
type Header struct {
	TreeID          uint16
	Level           uint8
	CompressionType CompressionType
	EntryCount      uint32
	RawSizeBytes    uint32
	StoredSizeBytes uint32
	Address         uint64
	SnapshotMin     uint64
	SnapshotMax     uint64
	Checksum        uint32
}

// TableInfo is the manifest-visible identity of a table: everything
// verify_tables_recovered compares between chronological and reverse replay.
type TableInfo struct {
	TreeID      uint16
	Level       uint8
	KeyMin      []byte
	KeyMax      []byte
	Checksum    uint32
	Address     uint64
	SnapshotMin uint64
	SnapshotMax uint64
	EntryCount  uint32
}

// Pair is one key-value entry inside a table.
type Pair struct {
	Key, Value []byte
}

// Table is a single table: header, key-range stats, and its key-value pairs.
type Table struct {
	Header Header
	KeyMin []byte
	KeyMax []byte

	pairs []Pair
	data  []byte
}

// New creates an empty, unfinalized table for the given tree/level/address.
func New(treeID uint16, level uint8, address uint64) *Table {
	return &Table{
		Header: Header{
			TreeID:  treeID,
			Level:   level,
			Address: address,
		},
	}
}

// Add inserts a key-value pair. Keys must be added in any order; Finalize
// sorts them before encoding.
func (t *Table) Add(key, value []byte) {
	t.pairs = append(t.pairs, Pair{Key: key, Value: value})
	if len(t.KeyMin) == 0 || bytes.Compare(key, t.KeyMin) < 0 {
		t.KeyMin = append([]byte(nil), key...)
	}
	if len(t.KeyMax) == 0 || bytes.Compare(key, t.KeyMax) > 0 {
		t.KeyMax = append([]byte(nil), key...)
	}
}

// Get looks up a key within this table (linear scan; query execution is out
// of scope, this exists only to support compaction merges and tests).
func (t *Table) Get(key []byte) ([]byte, bool) {
	for _, p := range t.pairs {
		if bytes.Equal(p.Key, key) {
			return p.Value, true
		}
	}
	return nil, false
}

// Pairs returns the table's entries in sorted key order, sorting them first
// (it does not finalize the table).
func (t *Table) Pairs() []Pair {
	t.sortPairs()
	return t.pairs
}

func (t *Table) sortPairs() {
	sort.Slice(t.pairs, func(i, j int) bool {
		return bytes.Compare(t.pairs[i].Key, t.pairs[j].Key) < 0
	})
}

// Finalize sorts the table's pairs, serializes them, and computes the
// header's size/checksum fields. Encode runs it with CompressionNone if it
// has not run yet.
func (t *Table) Finalize(compression CompressionType) error {
	t.sortPairs()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(t.pairs))); err != nil {
		return fmt.Errorf("block: write entry count: %w", err)
	}
	for _, p := range t.pairs {
		if err := writeBytes(&buf, p.Key); err != nil {
			return fmt.Errorf("block: write key: %w", err)
		}
		if err := writeBytes(&buf, p.Value); err != nil {
			return fmt.Errorf("block: write value: %w", err)
		}
	}

	raw := buf.Bytes()
	stored := raw
	t.Header.CompressionType = compression
	if compression == CompressionLZ4 {
		c := compress.NewLZ4()
		compressed, err := c.Compress(raw)
		if err != nil {
			return fmt.Errorf("block: compress: %w", err)
		}
		if len(compressed) < len(raw) {
			stored = compressed
		} else {
			// Incompressible: keep the raw payload and record it as such.
			t.Header.CompressionType = CompressionNone
		}
	}

	t.data = stored
	t.Header.EntryCount = uint32(len(t.pairs))
	t.Header.RawSizeBytes = uint32(len(raw))
	t.Header.StoredSizeBytes = uint32(len(stored))
	t.Header.Checksum = crc32.Checksum(stored, crcTable)

	return nil
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Encode writes the table's header, key-range stats, and payload to w.
func (t *Table) Encode(w io.Writer) error {
	if t.data == nil {
		if err := t.Finalize(CompressionNone); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, &t.Header); err != nil {
		return fmt.Errorf("block: write header: %w", err)
	}
	var stats bytes.Buffer
	if err := writeBytes(&stats, t.KeyMin); err != nil {
		return fmt.Errorf("block: write key min: %w", err)
	}
	if err := writeBytes(&stats, t.KeyMax); err != nil {
		return fmt.Errorf("block: write key max: %w", err)
	}
	if _, err := w.Write(stats.Bytes()); err != nil {
		return fmt.Errorf("block: write key range: %w", err)
	}
	if _, err := w.Write(t.data); err != nil {
		return fmt.Errorf("block: write data: %w", err)
	}
	return nil
}

// Decode reads a table previously written by Encode.
func Decode(r io.Reader) (*Table, error) {
	t := &Table{}
	if err := binary.Read(r, binary.LittleEndian, &t.Header); err != nil {
		return nil, fmt.Errorf("block: read header: %w", err)
	}

	var err error
	if t.KeyMin, err = readBytes(r); err != nil {
		return nil, fmt.Errorf("block: read key min: %w", err)
	}
	if t.KeyMax, err = readBytes(r); err != nil {
		return nil, fmt.Errorf("block: read key max: %w", err)
	}

	stored := make([]byte, t.Header.StoredSizeBytes)
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, fmt.Errorf("block: read data: %w", err)
	}

	if crc32.Checksum(stored, crcTable) != t.Header.Checksum {
		return nil, fmt.Errorf("block: checksum mismatch for table at address %d", t.Header.Address)
	}

	raw := stored
	if t.Header.CompressionType == CompressionLZ4 {
		c := compress.NewLZ4()
		raw, err = c.DecompressTo(stored, int(t.Header.RawSizeBytes))
		if err != nil {
			return nil, fmt.Errorf("block: decompress: %w", err)
		}
	}
	t.data = stored

	br := bytes.NewReader(raw)
	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("block: read entry count: %w", err)
	}
	t.pairs = make([]Pair, count)
	for i := uint32(0); i < count; i++ {
		key, err := readBytes(br)
		if err != nil {
			return nil, fmt.Errorf("block: read key: %w", err)
		}
		value, err := readBytes(br)
		if err != nil {
			return nil, fmt.Errorf("block: read value: %w", err)
		}
		t.pairs[i] = Pair{Key: key, Value: value}
	}

	return t, nil
}

// Info returns the manifest-visible identity of this table.
func (t *Table) Info(snapshotMin, snapshotMax uint64) TableInfo {
	return TableInfo{
		TreeID:      t.Header.TreeID,
		Level:       t.Header.Level,
		KeyMin:      t.KeyMin,
		KeyMax:      t.KeyMax,
		Checksum:    t.Header.Checksum,
		Address:     t.Header.Address,
		SnapshotMin: snapshotMin,
		SnapshotMax: snapshotMax,
		EntryCount:  t.Header.EntryCount,
	}
}
