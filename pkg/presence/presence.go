// Package presence tracks whether each provider is reachable. Transitions
// come from outside (an operator request or the traffic driver); readers
// such as the uplink and the provider's own ingest path only observe them.
package presence

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type State uint8

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// ParseState accepts "online" or "offline", case-insensitively.
func ParseState(v string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	}
	return Offline, fmt.Errorf("presence: unknown state %q", v)
}

type member struct {
	state   State
	changed time.Time
}

// Tracker holds the state of every known provider. Providers never Set are
// reported Online.
type Tracker struct {
	mu      sync.RWMutex
	members map[string]member
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{members: make(map[string]member), now: time.Now}
}

// Set records state for id and reports whether it changed.
func (t *Tracker) Set(id string, s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	if ok && m.state == s {
		return false
	}
	t.members[id] = member{state: s, changed: t.now()}
	return true
}

func (t *Tracker) State(id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return Online
	}
	return m.state
}

func (t *Tracker) Online(id string) bool { return t.State(id) == Online }

// Since returns when id last changed state; zero if never set.
func (t *Tracker) Since(id string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.members[id].changed
}

// Snapshot returns id -> "online"/"offline" for every explicitly set provider.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.members))
	for id, m := range t.members {
		out[id] = m.state.String()
	}
	return out
}
