// ABOUTME: Tests for the SPSC rings
// ABOUTME: Covers capacity rounding, full/empty behavior and concurrent handoff
package ring

import (
	"sync"
	"testing"
)

func TestBufferCapacityRoundsUp(t *testing.T) {
	b := NewBuffer(14, 64)
	if b.Capacity() != 16 {
		t.Errorf("expected capacity 16, got %d", b.Capacity())
	}
	if b.Blocksize() != 64 {
		t.Errorf("expected blocksize 64, got %d", b.Blocksize())
	}
}

func TestBufferWriteRead(t *testing.T) {
	b := NewBuffer(4, 8)

	for i := 0; i < b.Capacity(); i++ {
		if b.WriteAvailable() == 0 {
			t.Fatalf("ring full after %d writes", i)
		}
		slot := b.WriteData()
		for j := range slot {
			slot[j] = float32(i)
		}
		b.WriteCommit()
	}
	if b.WriteAvailable() != 0 {
		t.Error("expected full ring")
	}

	for i := 0; i < b.Capacity(); i++ {
		if b.ReadAvailable() == 0 {
			t.Fatalf("ring empty after %d reads", i)
		}
		slot := b.ReadData()
		if slot[0] != float32(i) {
			t.Errorf("slot %d: expected %d, got %f", i, i, slot[0])
		}
		b.ReadCommit()
	}
}

func TestQueueFullFails(t *testing.T) {
	q := NewQueue[float64](2)
	for i := 0; i < q.Capacity(); i++ {
		if !q.Write(float64(i)) {
			t.Fatalf("write %d failed on non-full queue", i)
		}
	}
	if q.Write(99) {
		t.Error("expected write to fail on full queue")
	}
	if v, ok := q.Read(); !ok || v != 0 {
		t.Errorf("expected 0, got %f (ok=%v)", v, ok)
	}
}

func TestQueueConcurrentHandoff(t *testing.T) {
	const n = 100000
	q := NewQueue[int](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		next := 0
		for next < n {
			if v, ok := q.Read(); ok {
				if v != next {
					t.Errorf("expected %d, got %d", next, v)
					return
				}
				next++
			}
		}
	}()

	for i := 0; i < n; {
		if q.Write(i) {
			i++
		}
	}
	wg.Wait()
}

func TestBufferConcurrentHandoff(t *testing.T) {
	const n = 20000
	b := NewBuffer(8, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		next := 0
		for next < n {
			if b.ReadAvailable() > 0 {
				if got := b.ReadData()[0]; got != float32(next) {
					t.Errorf("expected %d, got %f", next, got)
					return
				}
				b.ReadCommit()
				next++
			}
		}
	}()

	for i := 0; i < n; {
		if b.WriteAvailable() > 0 {
			b.WriteData()[0] = float32(i)
			b.WriteCommit()
			i++
		}
	}
	wg.Wait()
}
