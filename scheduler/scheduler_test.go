package scheduler

import "testing"

func TestEnqueueNextFIFOWithinOneCircuit(t *testing.T) {
	ch := NewChannel(1 << 16)
	ch.Enqueue(1, "a", false)
	ch.Enqueue(1, "b", false)

	_, cell, ok := ch.Next()
	if !ok || cell != "a" {
		t.Fatalf("first Next = %v, %v, want a, true", cell, ok)
	}
	_, cell, ok = ch.Next()
	if !ok || cell != "b" {
		t.Fatalf("second Next = %v, %v, want b, true", cell, ok)
	}
	if _, _, ok := ch.Next(); ok {
		t.Fatal("expected empty after draining")
	}
}

func TestNewcomerServedBeforeEstablished(t *testing.T) {
	ch := NewChannel(1 << 16)
	ch.Enqueue(1, "established", false)
	// Drain once so circuit 1's EWMA is no longer zero.
	ch.Next()
	ch.Enqueue(1, "established2", false)
	ch.Enqueue(2, "newcomer", false)

	id, _, ok := ch.Next()
	if !ok || id != 2 {
		t.Fatalf("expected newcomer circuit 2 served first, got %d", id)
	}
}

func TestFairnessAlternatesEquallyActiveCircuits(t *testing.T) {
	ch := NewChannel(1 << 16)
	for i := 0; i < 4; i++ {
		ch.Enqueue(1, i, false)
		ch.Enqueue(2, i, false)
	}

	counts := map[CircuitID]int{}
	for i := 0; i < 8; i++ {
		id, _, ok := ch.Next()
		if !ok {
			t.Fatal("expected work available")
		}
		counts[id]++
	}
	if counts[1] != 4 || counts[2] != 4 {
		t.Fatalf("counts = %v, want 4/4 split", counts)
	}
}

func TestPaddingRankedBelowRealCells(t *testing.T) {
	ch := NewChannel(1 << 16)
	ch.Enqueue(1, "padding", true)
	ch.Enqueue(2, "real", false)

	id, cell, ok := ch.Next()
	if !ok || id != 2 || cell != "real" {
		t.Fatalf("expected real cell served first, got id=%d cell=%v", id, cell)
	}
}

func TestCapacityClampsAtZero(t *testing.T) {
	ch := NewChannel(100)
	if got := ch.Capacity(50); got != 50 {
		t.Fatalf("Capacity(50) = %d, want 50", got)
	}
	if got := ch.Capacity(150); got != 0 {
		t.Fatalf("Capacity(150) = %d, want 0 (clamped)", got)
	}
}

func TestRemoveDropsQueuedCells(t *testing.T) {
	ch := NewChannel(1 << 16)
	ch.Enqueue(1, "a", false)
	ch.Enqueue(1, "b", false)
	ch.Remove(1)

	if _, _, ok := ch.Next(); ok {
		t.Fatal("expected no work after Remove")
	}
	if ch.HasWork() {
		t.Fatal("HasWork should be false after Remove")
	}
}

func TestQueueDepthReflectsPendingCells(t *testing.T) {
	ch := NewChannel(1 << 16)
	ch.Enqueue(1, "a", false)
	ch.Enqueue(1, "b", false)
	if d := ch.QueueDepth(1); d != 2 {
		t.Fatalf("QueueDepth = %d, want 2", d)
	}
	ch.Next()
	if d := ch.QueueDepth(1); d != 1 {
		t.Fatalf("QueueDepth after one Next = %d, want 1", d)
	}
}
