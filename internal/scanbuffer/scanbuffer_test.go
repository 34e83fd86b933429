package scanbuffer

import "testing"

func TestNewRejectsInvalidSizes(t *testing.T) {
	if _, err := New(0, 4096); err == nil {
		t.Fatalf("expected error for count=0")
	}
	if _, err := New(4, 0); err == nil {
		t.Fatalf("expected error for bufSize=0")
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, err := New(2, 128)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	idx1, buf1, ok := p.Acquire()
	if !ok {
		t.Fatalf("expected to acquire a buffer")
	}
	if len(buf1) != 128 {
		t.Fatalf("expected buffer of size 128, got %d", len(buf1))
	}

	if _, _, ok := p.Acquire(); !ok {
		t.Fatalf("expected to acquire a second buffer")
	}
	if _, _, ok := p.Acquire(); ok {
		t.Fatalf("expected pool to be exhausted")
	}

	p.Release(idx1)
	if p.Available() != 1 {
		t.Fatalf("expected 1 available after release, got %d", p.Available())
	}
	if p.Len() != 2 {
		t.Fatalf("expected Len 2, got %d", p.Len())
	}
	if p.BufferSize() != 128 {
		t.Fatalf("expected BufferSize 128, got %d", p.BufferSize())
	}
}
