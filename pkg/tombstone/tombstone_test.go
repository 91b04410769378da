package tombstone

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newWithClock(capacity int, ttl time.Duration) (*Set, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	s := New(capacity, ttl)
	s.now = c.now
	return s, c
}

func TestAddHas(t *testing.T) {
	s := New(10, 0)
	for _, id := range []string{"RID_a", "RID_b", "RID_c"} {
		s.Add(id)
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	if !s.Has("RID_b") {
		t.Fatal("Has(RID_b) = false")
	}
	if s.Has("RID_z") {
		t.Fatal("Has(RID_z) = true")
	}
	s.Add("RID_b")
	if got := s.Len(); got != 3 {
		t.Fatalf("Len after re-add = %d, want 3", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, c := newWithClock(10, 50*time.Millisecond)
	s.Add("k")
	if !s.Has("k") {
		t.Fatal("fresh id should be present")
	}
	c.advance(90 * time.Millisecond)
	if s.Has("k") {
		t.Fatal("expected id to expire")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after expiry", s.Len())
	}
}

func TestSweep(t *testing.T) {
	s, c := newWithClock(10, time.Second)
	s.Add("old1")
	s.Add("old2")
	c.advance(600 * time.Millisecond)
	s.Add("new")
	c.advance(600 * time.Millisecond)

	if n := s.Sweep(); n != 2 {
		t.Fatalf("Sweep = %d, want 2", n)
	}
	if !s.Has("new") || s.Len() != 1 {
		t.Fatalf("Len = %d, Has(new) = %v", s.Len(), s.Has("new"))
	}
}

func TestEvictionByCapacity(t *testing.T) {
	s := New(2, 0)
	s.Add("a")
	s.Add("b")
	s.Add("a") // refresh a; b is now oldest
	s.Add("c")

	if !s.Has("a") || !s.Has("c") {
		t.Fatal("expected a and c to remain")
	}
	if s.Has("b") {
		t.Fatal("expected b to be evicted")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New(1<<20, 0)
	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 1000 {
				id := fmt.Sprintf("RID_%d_%d", g, i)
				s.Add(id)
				if !s.Has(id) {
					t.Errorf("missing %s right after Add", id)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if got := s.Len(); got != 16*1000 {
		t.Fatalf("Len = %d, want %d", got, 16*1000)
	}
}
