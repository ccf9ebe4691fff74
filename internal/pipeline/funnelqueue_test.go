package pipeline

import (
	"sort"
	"sync"
	"testing"
)

func TestFunnelQueueSingleProducerFIFO(t *testing.T) {
	q := NewFunnelQueue[int]()
	if !q.IsEmpty() {
		t.Fatalf("new queue should be empty")
	}
	for i := 0; i < 5; i++ {
		q.Put(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Poll()
		if !ok {
			t.Fatalf("Poll %d: expected an entry", i)
		}
		if v != i {
			t.Fatalf("Poll %d = %d, want %d", i, v, i)
		}
	}
	if !q.IsEmpty() {
		t.Fatalf("queue should be empty after draining")
	}
	if _, ok := q.Poll(); ok {
		t.Fatalf("Poll on empty queue should report ok=false")
	}
}

func TestFunnelQueueMultiProducerDeliversEveryEntry(t *testing.T) {
	q := NewFunnelQueue[int]()
	const producers = 8
	const perProducer = 200
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Put(p*perProducer + i)
			}
		}()
	}
	wg.Wait()

	seen := make([]int, 0, producers*perProducer)
	for {
		v, ok := q.Poll()
		if !ok {
			if q.IsIdle() {
				break
			}
			continue
		}
		seen = append(seen, v)
	}
	if len(seen) != producers*perProducer {
		t.Fatalf("delivered %d entries, want %d", len(seen), producers*perProducer)
	}
	sort.Ints(seen)
	for i, v := range seen {
		if v != i {
			t.Fatalf("entry set missing value %d (got %d at sorted position %d)", i, v, i)
		}
	}
}

func TestFunnelQueueIsIdleAfterDrain(t *testing.T) {
	q := NewFunnelQueue[string]()
	q.Put("a")
	if q.IsIdle() {
		t.Fatalf("queue with a pending entry should not be idle")
	}
	if _, ok := q.Poll(); !ok {
		t.Fatalf("expected to poll the pending entry")
	}
	if !q.IsIdle() {
		t.Fatalf("drained queue should be idle")
	}
}
