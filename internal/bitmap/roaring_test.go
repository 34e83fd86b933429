package bitmap

import "testing"

func TestAddressSetAddRemoveContains(t *testing.T) {
	s := NewAddressSet()
	s.Add(10)
	s.Add(20)
	s.Add(30)

	if s.Count() != 3 {
		t.Fatalf("expected count 3, got %d", s.Count())
	}
	if !s.Contains(20) {
		t.Fatalf("expected set to contain 20")
	}

	s.Remove(20)
	if s.Contains(20) {
		t.Fatalf("expected 20 to be removed")
	}
	if s.Count() != 2 {
		t.Fatalf("expected count 2 after remove, got %d", s.Count())
	}
}

func TestToBytesFromBytesRoundTrip(t *testing.T) {
	s := NewAddressSet()
	for _, addr := range []uint64{1, 2, 3, 1000, 1_000_000} {
		s.Add(addr)
	}

	encoded, err := ToBytes(s.bm)
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	decoded, err := FromBytes(encoded)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	if decoded.GetCardinality() != s.bm.GetCardinality() {
		t.Fatalf("cardinality mismatch after round trip: want %d, got %d", s.bm.GetCardinality(), decoded.GetCardinality())
	}
	if !decoded.Contains(1_000_000) {
		t.Fatalf("expected decoded bitmap to contain 1_000_000")
	}
}
