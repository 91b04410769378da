// Package offline defers delivery to a provider that is not reachable. A
// relay appends every artifact it receives to a FIFO buffer; an uplink
// drains the buffer in fixed batches whenever the provider is online.
package offline

import (
	"container/list"
	"sync"

	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

// Buffer is an unbounded FIFO of artifacts. Order is never changed.
type Buffer struct {
	mu sync.Mutex
	ll *list.List
}

func NewBuffer() *Buffer {
	return &Buffer{ll: list.New()}
}

func (b *Buffer) Append(a wire.Artifact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ll.PushBack(a)
}

// Take removes and returns up to n artifacts from the head.
func (b *Buffer) Take(n int) []wire.Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = min(n, b.ll.Len())
	if n <= 0 {
		return nil
	}
	out := make([]wire.Artifact, 0, n)
	for range n {
		out = append(out, b.ll.Remove(b.ll.Front()).(wire.Artifact))
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ll.Len()
}
