// Package hub implements a relay mesh hub. A hub looks up the routing plan
// for an artifact's domain and fans it out to providers and peer hubs
// through the dispatcher. It holds no authority: whether a provider sees an
// artifact depends only on the domain lookup, never on the request content.
package hub

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/internal/tracing"
	"github.com/ryandielhenn/relaymesh/pkg/binding"
	"github.com/ryandielhenn/relaymesh/pkg/dispatch"
	"github.com/ryandielhenn/relaymesh/pkg/routing"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

type Config struct {
	ID     string
	Region string
	Tag    string
	Routes *routing.Table
	// OutcomeURL is this hub's own /outcome; stamped on provider forwards.
	OutcomeURL string
	// AuditorURL receives every vote reported to this hub. Empty disables it.
	AuditorURL string
	MaxBody    int64
}

// Tally counts the outcomes one provider reported through this hub.
type Tally struct {
	Initiated uint64 `json:"initiated"`
	Declined  uint64 `json:"declined"`
}

type Stats struct {
	Received  uint64           `json:"received"`
	Oversized uint64           `json:"oversized"`
	Malformed uint64           `json:"malformed"`
	Tampered  uint64           `json:"tampered"`
	Unrouted  uint64           `json:"unrouted"`
	Forwarded uint64           `json:"forwarded"`
	Relayed   uint64           `json:"relayed"`
	Dropped   uint64           `json:"dropped"`
	Outcomes  uint64           `json:"outcomes"`
	Tallies   map[string]Tally `json:"tallies,omitempty"`
}

type Hub struct {
	cfg  Config
	disp dispatch.Enqueuer
	log  *zap.Logger

	received  atomic.Uint64
	oversized atomic.Uint64
	malformed atomic.Uint64
	tampered  atomic.Uint64
	unrouted  atomic.Uint64
	forwarded atomic.Uint64
	relayed   atomic.Uint64
	dropped   atomic.Uint64
	outcomes  atomic.Uint64

	mu      sync.Mutex
	tallies map[string]*Tally
}

func New(cfg Config, disp dispatch.Enqueuer, logger *zap.Logger) *Hub {
	if cfg.Tag == "" {
		cfg.Tag = binding.Tag
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = wire.MaxBodyBytes
	}
	if cfg.Routes == nil {
		cfg.Routes = routing.NewTable()
	}
	return &Hub{
		cfg:     cfg,
		disp:    disp,
		log:     logging.OrNop(logger).Named("hub").With(zap.String("hub", cfg.ID)),
		tallies: make(map[string]*Tally),
	}
}

func (h *Hub) ID() string { return h.cfg.ID }

// Mount registers POST /submit and POST /outcome.
func (h *Hub) Mount(mux *http.ServeMux) {
	mux.Handle("POST /submit", telemetry.Instrument("hub_submit", http.HandlerFunc(h.Submit)))
	mux.Handle("POST /outcome", telemetry.Instrument("hub_outcome", http.HandlerFunc(h.Outcome)))
}

// Submit accepts a structured artifact (JSON or CBOR) or a raw request body
// carrying its context and domain in headers.
func (h *Hub) Submit(w http.ResponseWriter, r *http.Request) {
	defer wire.Ack(w)
	_, span := tracing.Tracer("hub").Start(r.Context(), "hub.submit")
	defer span.End()

	var a wire.Artifact
	if _, structured := wire.ForContentType(r.Header.Get("Content-Type")); structured {
		if err := wire.Decode(r, h.cfg.MaxBody, &a); err != nil {
			h.reject(err)
			return
		}
		if !h.Accept(a) {
			return
		}
	} else {
		body, err := wire.ReadBody(r, h.cfg.MaxBody)
		if err != nil {
			h.reject(err)
			return
		}
		a = h.FromRaw(body, r.Header.Get(wire.HeaderContext), r.Header.Get(wire.HeaderDomain), wire.Seq(r.Header, 0))
	}
	span.SetAttributes(
		attribute.String("relaymesh.correlation_id", a.CorrelationID),
		attribute.String("relaymesh.domain", a.Domain),
	)
	h.Route(a)
}

func (h *Hub) reject(err error) {
	if errors.Is(err, wire.ErrTooLarge) {
		h.oversized.Add(1)
		telemetry.Artifact("hub", "oversized")
		return
	}
	h.malformed.Add(1)
	telemetry.Artifact("hub", "malformed")
	h.log.Debug("submit dropped", zap.Error(err))
}

// FromRaw builds the artifact for a raw body the way a front would.
func (h *Hub) FromRaw(body []byte, context, domain string, seq int64) wire.Artifact {
	fp := binding.Fingerprint(body)
	return wire.Artifact{
		Fingerprint:   fp,
		Context:       context,
		Domain:        domain,
		Binding:       binding.Bind(h.cfg.Tag, fp, context, domain),
		CorrelationID: binding.CorrelationID(fp),
		Sequence:      seq,
		Region:        h.cfg.Region,
	}
}

// Accept validates a structured artifact. Every artifact must be well formed;
// one relayed by a peer hub must also carry a binding that recomputes.
func (h *Hub) Accept(a wire.Artifact) bool {
	if !a.WellFormed() {
		h.malformed.Add(1)
		telemetry.Artifact("hub", "malformed")
		h.log.Debug("malformed artifact", zap.String("correlation_id", a.CorrelationID))
		return false
	}
	if a.FromHub != "" && !binding.Verify(h.cfg.Tag, a.Fingerprint, a.Context, a.Domain, a.Binding) {
		h.tampered.Add(1)
		telemetry.Artifact("hub", "tampered")
		h.log.Debug("peer artifact binding mismatch",
			zap.String("correlation_id", a.CorrelationID),
			zap.String("from_hub", a.FromHub))
		return false
	}
	return true
}

// Route fans an accepted artifact out according to the plan for its domain.
// Peer relays are single-hop: an artifact that came from a peer hub is only
// forwarded to providers.
func (h *Hub) Route(a wire.Artifact) {
	h.received.Add(1)
	telemetry.Artifact("hub", "received")

	route, ok := h.cfg.Routes.Lookup(a.Domain)
	if !ok {
		h.unrouted.Add(1)
		telemetry.Artifact("hub", "unrouted")
		h.log.Debug("unknown domain", zap.String("domain", a.Domain))
		return
	}

	for _, pid := range route.Providers {
		dest, ok := h.cfg.Routes.ProviderAddr(pid)
		if !ok {
			continue
		}
		fwd := a
		fwd.FromHub = ""
		fwd.ReturnOutcomeURL = h.cfg.OutcomeURL
		if h.disp.Enqueue(dest, fwd) {
			h.forwarded.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}

	if a.FromHub != "" {
		return
	}
	for _, peer := range route.Hubs {
		if peer == h.cfg.ID {
			continue
		}
		dest, ok := h.cfg.Routes.HubAddr(peer)
		if !ok {
			continue
		}
		rel := a
		rel.FromHub = h.cfg.ID
		rel.ReturnOutcomeURL = ""
		if h.disp.Enqueue(dest, rel) {
			h.relayed.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
}

// Outcome records a provider's reported vote and passes it, signature
// intact, to the auditor. A hub never computes a verdict.
func (h *Hub) Outcome(w http.ResponseWriter, r *http.Request) {
	defer wire.Ack(w)
	var v wire.Vote
	if err := wire.Decode(r, h.cfg.MaxBody, &v); err != nil || v.ProviderID == "" || v.CorrelationID == "" {
		h.malformed.Add(1)
		telemetry.Artifact("hub", "bad_vote")
		return
	}
	h.RecordVote(v)
}

func (h *Hub) RecordVote(v wire.Vote) {
	h.outcomes.Add(1)
	h.mu.Lock()
	t, ok := h.tallies[v.ProviderID]
	if !ok {
		t = &Tally{}
		h.tallies[v.ProviderID] = t
	}
	if v.Initiated {
		t.Initiated++
	} else {
		t.Declined++
	}
	h.mu.Unlock()

	if h.cfg.AuditorURL != "" && !h.disp.Enqueue(h.cfg.AuditorURL, v) {
		h.dropped.Add(1)
	}
}

func (h *Hub) Stats() Stats {
	s := Stats{
		Received:  h.received.Load(),
		Oversized: h.oversized.Load(),
		Malformed: h.malformed.Load(),
		Tampered:  h.tampered.Load(),
		Unrouted:  h.unrouted.Load(),
		Forwarded: h.forwarded.Load(),
		Relayed:   h.relayed.Load(),
		Dropped:   h.dropped.Load(),
		Outcomes:  h.outcomes.Load(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tallies) > 0 {
		s.Tallies = make(map[string]Tally, len(h.tallies))
		for id, t := range h.tallies {
			s.Tallies[id] = *t
		}
	}
	return s
}

// Providers lists the providers that have reported through this hub.
func (h *Hub) Providers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.tallies))
	for id := range h.tallies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
