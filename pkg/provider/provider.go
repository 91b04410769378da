// Package provider implements the provider boundary, the only authority in
// the mesh. A provider recomputes the binding of every artifact it receives,
// scores it with a private key against a per-domain threshold, and reports a
// signed vote. Boundary signatures for initiated operations stay in the
// provider's own trail.
package provider

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/internal/tracing"
	"github.com/ryandielhenn/relaymesh/pkg/binding"
	"github.com/ryandielhenn/relaymesh/pkg/dispatch"
	"github.com/ryandielhenn/relaymesh/pkg/presence"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

const DefaultTrailSize = 1024

type Config struct {
	ID     string
	Region string
	Tag    string
	Secret []byte
	Policy Policy
	// Byzantine misreporting; the zero value is honest.
	Mode           Mode
	ByzantineStart int64
	// Presence gates ingest; nil means always online.
	Presence  *presence.Tracker
	MaxBody   int64
	TrailSize int
}

// Decision is the outcome of evaluating one artifact.
type Decision struct {
	BindingOK   bool
	Score       float64
	Threshold   float64
	Initiated   bool // ground truth
	Reported    bool
	OperationID string
}

func (d Decision) Inverted() bool { return d.Initiated != d.Reported }

type Stats struct {
	Seen            uint64            `json:"seen"`
	Initiated       uint64            `json:"initiated"`
	Reported        uint64            `json:"reported_initiated"`
	Inverted        uint64            `json:"inverted"`
	BindingFailures uint64            `json:"binding_failures"`
	Offline         uint64            `json:"offline"`
	Malformed       uint64            `json:"malformed"`
	ByDomain        map[string]uint64 `json:"initiated_by_domain,omitempty"`
	Trail           int               `json:"trail"`
}

type Provider struct {
	cfg  Config
	keys Keys
	byz  Byzantine
	disp dispatch.Enqueuer
	log  *zap.Logger
	now  func() time.Time

	offline   atomic.Uint64
	malformed atomic.Uint64

	mu        sync.Mutex
	seen      uint64
	initiated uint64
	reported  uint64
	inverted  uint64
	badBind   uint64
	byDomain  map[string]uint64
	trail     []BoundaryRecord // ring, next write at trailPos
	trailPos  int
}

func New(cfg Config, disp dispatch.Enqueuer, logger *zap.Logger) (*Provider, error) {
	keys, err := DeriveKeys(cfg.ID, cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.Tag == "" {
		cfg.Tag = binding.Tag
	}
	if cfg.Policy.Thresholds == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = wire.MaxBodyBytes
	}
	if cfg.TrailSize <= 0 {
		cfg.TrailSize = DefaultTrailSize
	}
	return &Provider{
		cfg:      cfg,
		keys:     keys,
		byz:      Byzantine{Mode: cfg.Mode, Start: cfg.ByzantineStart, key: keys.Score},
		disp:     disp,
		log:      logging.OrNop(logger).Named("provider").With(zap.String("provider", cfg.ID), zap.String("region", cfg.Region)),
		now:      time.Now,
		byDomain: make(map[string]uint64),
		trail:    make([]BoundaryRecord, 0, cfg.TrailSize),
	}, nil
}

func (p *Provider) ID() string { return p.cfg.ID }

// VoteKey is the key the auditor verifies this provider's votes with.
func (p *Provider) VoteKey() []byte { return p.keys.Vote }

// Trigger reports whether the vote for seq is misreported.
func (p *Provider) Trigger(seq int64) bool { return p.byz.Trigger(p.cfg.ID, seq) }

// Decide evaluates a without side effects.
func (p *Provider) Decide(a wire.Artifact) Decision {
	d := Decision{
		BindingOK: binding.Verify(p.cfg.Tag, a.Fingerprint, a.Context, a.Domain, a.Binding),
		Threshold: p.cfg.Policy.Threshold(a.Domain),
	}
	if d.BindingOK {
		d.Score = p.cfg.Policy.Score(p.keys.Score, p.cfg.ID, a.Domain, a.Fingerprint, a.Context)
		d.Initiated = d.Score >= d.Threshold
	}
	d.Reported = d.Initiated
	if p.Trigger(a.Sequence) {
		d.Reported = !d.Initiated
	}
	if d.Initiated {
		d.OperationID = binding.OperationID(a.Fingerprint, a.Context, a.Domain)
	}
	return d
}

// Evaluate decides a, records the decision and, for an initiated operation,
// its START and COMPLETE boundary signatures. It returns the signed vote.
func (p *Provider) Evaluate(a wire.Artifact) (Decision, wire.Vote) {
	d := p.Decide(a)

	p.mu.Lock()
	p.seen++
	if !d.BindingOK {
		p.badBind++
	}
	if d.Initiated {
		p.initiated++
		p.byDomain[a.Domain]++
		at := p.now()
		p.appendTrail(BoundaryRecord{OperationID: d.OperationID, Stage: StageStart, Fingerprint: a.Fingerprint, At: at,
			Signature: signBoundary(p.keys.Boundary, p.cfg.Tag, d.OperationID, StageStart, a.Fingerprint, at)})
		at = p.now()
		p.appendTrail(BoundaryRecord{OperationID: d.OperationID, Stage: StageComplete, Fingerprint: a.Fingerprint, At: at,
			Signature: signBoundary(p.keys.Boundary, p.cfg.Tag, d.OperationID, StageComplete, a.Fingerprint, at)})
	}
	if d.Reported {
		p.reported++
	}
	if d.Inverted() {
		p.inverted++
	}
	p.mu.Unlock()

	telemetry.DecisionsTotal.WithLabelValues(p.cfg.ID, a.Domain, strconv.FormatBool(d.Reported)).Inc()

	v := wire.Vote{
		ProviderID:    p.cfg.ID,
		CorrelationID: a.CorrelationID,
		Domain:        a.Domain,
		Fingerprint:   a.Fingerprint,
		Initiated:     d.Reported,
		Region:        p.cfg.Region,
		Sequence:      a.Sequence,
	}
	if v.CorrelationID == "" {
		v.CorrelationID = binding.CorrelationID(a.Fingerprint)
	}
	v.Signature = SignVote(p.keys.Vote, v)
	return d, v
}

func (p *Provider) appendTrail(rec BoundaryRecord) {
	if len(p.trail) < cap(p.trail) {
		p.trail = append(p.trail, rec)
		return
	}
	p.trail[p.trailPos] = rec
	p.trailPos = (p.trailPos + 1) % len(p.trail)
}

// Ingest handles one artifact. While offline nothing is computed and false
// is returned. The vote goes to the artifact's return address, if any.
func (p *Provider) Ingest(a wire.Artifact) bool {
	if p.cfg.Presence != nil && !p.cfg.Presence.Online(p.cfg.ID) {
		p.offline.Add(1)
		telemetry.Artifact("provider", "offline")
		return false
	}
	d, v := p.Evaluate(a)
	if d.Inverted() {
		p.log.Debug("misreporting decision",
			zap.String("correlation_id", v.CorrelationID),
			zap.Int64("seq", a.Sequence))
	}
	if strings.HasPrefix(a.ReturnOutcomeURL, "http") {
		p.disp.Enqueue(a.ReturnOutcomeURL, v)
	}
	return true
}

// Mount registers POST /ingest and the operator endpoint POST /presence.
func (p *Provider) Mount(mux *http.ServeMux) {
	mux.Handle("POST /ingest", telemetry.Instrument("provider_ingest", http.HandlerFunc(p.serveIngest)))
	mux.HandleFunc("POST /presence", p.servePresence)
}

func (p *Provider) serveIngest(w http.ResponseWriter, r *http.Request) {
	defer wire.Ack(w)
	_, span := tracing.Tracer("provider").Start(r.Context(), "provider.evaluate")
	defer span.End()

	var a wire.Artifact
	if err := wire.Decode(r, p.cfg.MaxBody, &a); err != nil {
		p.malformed.Add(1)
		telemetry.Artifact("provider", "malformed")
		return
	}
	span.SetAttributes(attribute.String("relaymesh.correlation_id", a.CorrelationID))
	p.Ingest(a)
}

func (p *Provider) servePresence(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Presence == nil {
		http.Error(w, "presence not tracked", http.StatusNotFound)
		return
	}
	s, err := presence.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.cfg.Presence.Set(p.cfg.ID, s) {
		p.log.Info("presence changed", zap.Stringer("state", s))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Trail returns the boundary records, oldest first.
func (p *Provider) Trail() []BoundaryRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BoundaryRecord, 0, len(p.trail))
	out = append(out, p.trail[p.trailPos:]...)
	return append(out, p.trail[:p.trailPos]...)
}

func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Seen:            p.seen,
		Initiated:       p.initiated,
		Reported:        p.reported,
		Inverted:        p.inverted,
		BindingFailures: p.badBind,
		Offline:         p.offline.Load(),
		Malformed:       p.malformed.Load(),
		Trail:           len(p.trail),
	}
	if len(p.byDomain) > 0 {
		s.ByDomain = make(map[string]uint64, len(p.byDomain))
		for d, n := range p.byDomain {
			s.ByDomain[d] = n
		}
	}
	return s
}
