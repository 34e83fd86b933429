// Package bitmap wraps roaring bitmaps for the sparse address sets the
// manifest log and forest verification routines keep: tombstoned table
// addresses are a sparse subset of all addresses, so a roaring bitmap is a
// better fit here than the pipeline's dense, small, fixed-width bitsets
// (see internal/pipeline, which uses bits-and-blooms/bitset instead).
package bitmap

import (
	"bytes"

	"github.com/RoaringBitmap/roaring"
)

// ToBytes serializes a roaring bitmap to a byte slice.
func ToBytes(bm *roaring.Bitmap) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := bm.WriteTo(buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes deserializes a roaring bitmap from a byte slice.
func FromBytes(b []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	_, err := bm.ReadFrom(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return bm, nil
}

// AddressSet is a set of block addresses, used by the manifest log and the
// forest's verification pass to track which table addresses have been
// tombstoned by a remove event. Live table extents are kept in the
// manifest log's own map, not here.
type AddressSet struct {
	bm *roaring.Bitmap
}

// NewAddressSet returns an empty address set.
func NewAddressSet() *AddressSet {
	return &AddressSet{bm: roaring.New()}
}

// Add marks an address as present. Addresses are allocated densely starting
// at 1 (see internal/grid), so the 32-bit roaring bitmap never truncates in
// practice.
func (s *AddressSet) Add(address uint64) {
	s.bm.Add(uint32(address))
}

// Remove clears an address from the set.
func (s *AddressSet) Remove(address uint64) {
	s.bm.Remove(uint32(address))
}

// Contains reports whether an address is present.
func (s *AddressSet) Contains(address uint64) bool {
	return s.bm.Contains(uint32(address))
}

// Count returns the number of addresses in the set.
func (s *AddressSet) Count() uint64 {
	return s.bm.GetCardinality()
}
