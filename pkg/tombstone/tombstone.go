// Package tombstone remembers ids that have been retired so late arrivals
// for them can be recognised and ignored. Memory stays bounded: entries
// expire after a TTL and the least recently added are evicted at capacity.
package tombstone

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCapacity = 100_000
	DefaultTTL      = 5 * time.Minute
)

type entry struct {
	id       string
	expireAt time.Time
}

type Set struct {
	mu  sync.Mutex
	ids map[string]*list.Element
	ll  *list.List // front = newest
	cap int
	ttl time.Duration
	now func() time.Time
}

// New returns a set holding at most capacity ids, each for ttl. A zero ttl
// keeps ids until evicted by capacity.
func New(capacity int, ttl time.Duration) *Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Set{
		ids: make(map[string]*list.Element),
		ll:  list.New(),
		cap: capacity,
		ttl: ttl,
		now: time.Now,
	}
}

// Add records id as retired, refreshing it if already present.
func (s *Set) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if s.ttl > 0 {
		exp = s.now().Add(s.ttl)
	}
	if el, ok := s.ids[id]; ok {
		el.Value.(*entry).expireAt = exp
		s.ll.MoveToFront(el)
		return
	}
	s.ids[id] = s.ll.PushFront(&entry{id: id, expireAt: exp})
	for s.ll.Len() > s.cap {
		s.remove(s.ll.Back())
	}
}

// Has reports whether id was retired and has not yet expired.
func (s *Set) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.ids[id]
	if !ok {
		return false
	}
	if e := el.Value.(*entry); !e.expireAt.IsZero() && s.now().After(e.expireAt) {
		s.remove(el)
		return false
	}
	return true
}

// Sweep drops every expired id and returns how many were removed.
func (s *Set) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); !e.expireAt.IsZero() && now.After(e.expireAt) {
			s.remove(el)
			n++
		}
		el = prev
	}
	return n
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *Set) remove(el *list.Element) {
	delete(s.ids, el.Value.(*entry).id)
	s.ll.Remove(el)
}
