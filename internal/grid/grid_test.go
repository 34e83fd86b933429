package grid

import "testing"

func TestWriteThenReadRoundTrip(t *testing.T) {
	g := New(16)
	addr := g.AllocateAddress()

	writeDone := false
	g.Write(addr, []byte("hello world!!!!"), func(err error) {
		if err != nil {
			t.Fatalf("write callback error: %v", err)
		}
		writeDone = true
	})
	g.Tick()
	if !writeDone {
		t.Fatalf("write callback did not fire after Tick")
	}

	buf := make([]byte, 16)
	readDone := false
	g.Read(addr, buf, func(err error) {
		if err != nil {
			t.Fatalf("read callback error: %v", err)
		}
		readDone = true
	})
	g.Tick()
	if !readDone {
		t.Fatalf("read callback did not fire after Tick")
	}
	if string(buf[:15]) != "hello world!!!!" {
		t.Fatalf("unexpected read content: %q", buf)
	}
}

func TestReadOfUnwrittenAddressErrors(t *testing.T) {
	g := New(16)
	buf := make([]byte, 16)
	var gotErr error
	g.Read(99, buf, func(err error) { gotErr = err })
	g.Tick()
	if gotErr == nil {
		t.Fatalf("expected an error reading an unwritten address")
	}
}

func TestCallbacksDeferToNextTick(t *testing.T) {
	g := New(16)
	fired := false
	g.OnNextTick(func() { fired = true })
	if fired {
		t.Fatalf("callback fired before Tick was called")
	}
	if n := g.Pending(); n != 1 {
		t.Fatalf("expected 1 pending callback, got %d", n)
	}
	g.Tick()
	if !fired {
		t.Fatalf("callback did not fire after Tick")
	}
}

func TestTickDefersWorkQueuedDuringItself(t *testing.T) {
	g := New(16)
	var order []int
	g.OnNextTick(func() {
		order = append(order, 1)
		g.OnNextTick(func() { order = append(order, 2) })
	})

	g.Tick()
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("expected only the first callback to run on the first Tick, got %v", order)
	}

	g.Tick()
	if len(order) != 2 || order[1] != 2 {
		t.Fatalf("expected the nested callback to run on the second Tick, got %v", order)
	}
}

func TestAssertOnlyRepairingPanicsOnOutstandingWork(t *testing.T) {
	g := New(16)
	g.OnNextTick(func() {})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic: outstanding non-repair work")
		}
	}()
	g.AssertOnlyRepairing()
}

func TestAssertOnlyRepairingAllowsRepairWork(t *testing.T) {
	g := New(16)
	g.SetRepairing(true)
	g.OnNextTick(func() {})
	g.AssertOnlyRepairing() // must not panic
}
