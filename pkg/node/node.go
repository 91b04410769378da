// Package node carries the plumbing every relaymesh service shares: health
// and info endpoints and address normalisation.
package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Node describes one running component.
type Node struct {
	id     string
	kind   string
	region string
	stats  func() any
	start  time.Time
}

// New describes a component. stats, if non-nil, is rendered under /info.
func New(id, kind, region string, stats func() any) *Node {
	return &Node{id: id, kind: kind, region: region, stats: stats, start: time.Now()}
}

func (n *Node) ID() string     { return n.id }
func (n *Node) Kind() string   { return n.kind }
func (n *Node) Region() string { return n.region }

// Healthz returns 200 OK to indicate the component is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with identity, process ID, uptime and the
// component's read-only stats snapshot.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID     string    `json:"id"`
		Kind   string    `json:"kind"`
		Region string    `json:"region,omitempty"`
		PID    int       `json:"pid"`
		Now    time.Time `json:"now"`
		Uptime string    `json:"uptime"`
		Stats  any       `json:"stats,omitempty"`
	}
	out := resp{
		ID:     n.id,
		Kind:   n.kind,
		Region: n.region,
		PID:    os.Getpid(),
		Now:    time.Now(),
		Uptime: time.Since(n.start).Round(time.Millisecond).String(),
	}
	if n.stats != nil {
		out.Stats = n.stats()
	}
	data, err := json.Marshal(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Mount registers /healthz and /info on mux.
func (n *Node) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.HandleFunc("GET /info", n.Info)
}
