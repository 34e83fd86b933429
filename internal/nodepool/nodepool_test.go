package nodepool

import "testing"

func TestNewRejectsNonPositiveCount(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatalf("expected error for count=0")
	}
	if _, err := New(-1); err == nil {
		t.Fatalf("expected error for count=-1")
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n1, ok := p.Acquire()
	if !ok {
		t.Fatalf("expected to acquire a node")
	}
	n1.Payload = "hello"

	n2, ok := p.Acquire()
	if !ok {
		t.Fatalf("expected to acquire a second node")
	}

	if _, ok := p.Acquire(); ok {
		t.Fatalf("expected pool to be exhausted after acquiring all nodes")
	}
	if p.Available() != 0 {
		t.Fatalf("expected 0 available, got %d", p.Available())
	}

	p.Release(n1)
	if p.Available() != 1 {
		t.Fatalf("expected 1 available after release, got %d", p.Available())
	}

	n3, ok := p.Acquire()
	if !ok {
		t.Fatalf("expected to reacquire the released node")
	}
	if n3.Payload != nil {
		t.Fatalf("expected released node's payload to be cleared, got %v", n3.Payload)
	}
	_ = n2
}

func TestLenReportsCapacity(t *testing.T) {
	p, err := New(5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Len() != 5 {
		t.Fatalf("expected Len 5, got %d", p.Len())
	}
}
