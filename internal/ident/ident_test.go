// ABOUTME: Tests for the monotonic UUIDv7 generator
// ABOUTME: Covers ordering, uniqueness and concurrent generation

package ident

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestNew_ParsesAsV7(t *testing.T) {
	g := NewGenerator()
	id, err := uuid.Parse(g.New())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("version = %d, want 7", id.Version())
	}
}

func TestNew_Monotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.New()
	for i := 0; i < 10000; i++ {
		next := g.New()
		if next <= prev {
			t.Fatalf("not monotonic at %d: %s then %s", i, prev, next)
		}
		prev = next
	}
}

func TestNew_MonotonicUnderClockStall(t *testing.T) {
	// Force the stall path directly: repeated increments must stay
	// ordered and keep version/variant bits intact.
	g := NewGenerator()
	g.last = uuid.MustParse("01890000-0000-7fff-bfff-ffffffffffff")
	prev := g.last
	for i := 0; i < 100; i++ {
		next := increment(prev)
		if compare(next, prev) <= 0 {
			t.Fatalf("increment not ordered at %d: %s then %s", i, prev, next)
		}
		if next.Version() != 7 {
			t.Fatalf("increment changed version: %s", next)
		}
		prev = next
	}
}

func TestNew_UniqueUnderConcurrency(t *testing.T) {
	g := NewGenerator()
	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, g.New())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
			}
		}()
	}
	wg.Wait()
}
