package pipeline

import "testing"

func TestDivideBlocksDisjoint(t *testing.T) {
	pool, err := NewBlockPool(PoolBlocks)
	if err != nil {
		t.Fatalf("NewBlockPool: %v", err)
	}

	split, scratch, err := divideBlocks(pool, 4, 3)
	if err != nil {
		t.Fatalf("divideBlocks: %v", err)
	}

	seen := make(map[*byte]string)
	mark := func(b []byte, label string) {
		if len(b) == 0 {
			return
		}
		ptr := &b[0]
		if other, ok := seen[ptr]; ok {
			t.Fatalf("block aliased between %q and %q", other, label)
		}
		seen[ptr] = label
	}

	for half, h := range split.Halves {
		mark(h.InputIndex, "index")
		mark(h.InputA, "a")
		mark(h.InputB, "b")
		mark(h.Output, "out")
		_ = half
	}
	for i, pair := range scratch {
		for j, b := range pair {
			mark(b, "scratch")
			_ = i
			_ = j
		}
	}
}

func TestDivideBlocksTooSmall(t *testing.T) {
	pool, err := NewBlockPool(8)
	if err != nil {
		t.Fatalf("NewBlockPool: %v", err)
	}
	if _, _, err := divideBlocks(pool, 4, 100); err == nil {
		t.Fatalf("expected error when scratch reserve exceeds pool size")
	}
}

func TestDivideBlocksMinimumBudget(t *testing.T) {
	// lsmLevels=2, numCompactions=0: indexReserve=2, perHalf=(1024-2)/2=511,
	// unitsPerHalf=511/3=170 >= 1.
	pool, err := NewBlockPool(PoolBlocks)
	if err != nil {
		t.Fatalf("NewBlockPool: %v", err)
	}
	if _, _, err := divideBlocks(pool, 2, 0); err != nil {
		t.Fatalf("divideBlocks: %v", err)
	}
}
