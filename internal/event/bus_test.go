package event

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_WaitDrainsHandlers(t *testing.T) {
	bus := NewBus()
	var handled atomic.Int32
	bus.Subscribe(func(e Event) {
		time.Sleep(20 * time.Millisecond)
		handled.Add(1)
	}, SessionEnded)

	bus.Publish(Event{Type: SessionEnded})
	bus.Publish(Event{Type: SessionEnded})
	bus.Wait()

	if n := handled.Load(); n != 2 {
		t.Errorf("Wait 返回时应已处理 2 个事件, 实际 %d", n)
	}
}

func TestBus_NilIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: SessionStarted})
	bus.Wait()
}

func TestBus_SequenceIsMonotonic(t *testing.T) {
	bus := NewBus()
	seqs := make(chan uint64, 3)
	bus.Subscribe(func(e Event) { seqs <- e.Seq }, PieceLoaded)
	for i := 0; i < 3; i++ {
		bus.Publish(Event{Type: PieceLoaded})
	}
	bus.Wait()
	close(seqs)

	seen := map[uint64]bool{}
	for s := range seqs {
		seen[s] = true
	}
	for want := uint64(1); want <= 3; want++ {
		if !seen[want] {
			t.Errorf("缺少序号 %d: %v", want, seen)
		}
	}
}
