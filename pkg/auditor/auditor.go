// Package auditor aggregates provider votes into k-of-n quorum verdicts and
// scores how often each provider disagrees with the verdict. It is purely
// observational: nothing in the mesh waits on or reads its verdicts.
package auditor

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/internal/tracing"
	"github.com/ryandielhenn/relaymesh/pkg/provider"
	"github.com/ryandielhenn/relaymesh/pkg/tombstone"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

const (
	DefaultVoters     = 3
	DefaultQuorum     = 2
	DefaultPendingTTL = 30 * time.Second
)

// Result says what Observe did with a vote.
type Result uint8

const (
	Recorded Result = iota
	Evaluated
	BadSignature
	Duplicate
	Late
)

func (r Result) String() string {
	switch r {
	case Recorded:
		return "recorded"
	case Evaluated:
		return "evaluated"
	case BadSignature:
		return "bad_signature"
	case Duplicate:
		return "duplicate"
	case Late:
		return "late"
	}
	return "unknown"
}

type Config struct {
	// Voters is N: a record is evaluated when it holds exactly N votes.
	Voters int
	// Quorum is K: success iff at least K votes are initiated.
	Quorum int
	// Keys maps provider id to the key its votes are signed with.
	Keys map[string][]byte
	// PendingTTL expires records that never reach N votes.
	PendingTTL    time.Duration
	SweepInterval time.Duration
	// Retired ids are remembered up to this many, for RetiredTTL.
	RetiredCapacity int
	RetiredTTL      time.Duration
	MaxBody         int64
}

type DomainTotals struct {
	Success uint64 `json:"success"`
	Fail    uint64 `json:"fail"`
}

// ProviderScore is one provider's agreement record across evaluated quorums.
type ProviderScore struct {
	ProviderID string  `json:"provider_id"`
	Disagree   uint64  `json:"disagree"`
	Total      uint64  `json:"total"`
	Ratio      float64 `json:"ratio"`
}

type Snapshot struct {
	Success       uint64                  `json:"quorum_success"`
	Fail          uint64                  `json:"quorum_fail"`
	ByDomain      map[string]DomainTotals `json:"by_domain"`
	BadSignatures uint64                  `json:"rejected_signatures"`
	Duplicates    uint64                  `json:"duplicates"`
	Late          uint64                  `json:"late"`
	Expired       uint64                  `json:"expired"`
	Malformed     uint64                  `json:"malformed"`
	Open          int                     `json:"open"`
	Providers     []ProviderScore         `json:"providers"`
}

type record struct {
	domain string
	votes  map[string]bool
	first  time.Time
}

type tally struct{ disagree, total uint64 }

type Auditor struct {
	cfg     Config
	log     *zap.Logger
	retired *tombstone.Set
	now     func() time.Time

	mu         sync.Mutex
	open       map[string]*record
	success    uint64
	fail       uint64
	byDomain   map[string]*DomainTotals
	badSig     uint64
	duplicates uint64
	late       uint64
	expired    uint64
	malformed  uint64
	scores     map[string]*tally
}

func New(cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Voters <= 0 {
		cfg.Voters = DefaultVoters
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = DefaultQuorum
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.PendingTTL / 2
	}
	if cfg.RetiredTTL <= 0 {
		cfg.RetiredTTL = tombstone.DefaultTTL
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = wire.MaxBodyBytes
	}
	return &Auditor{
		cfg:      cfg,
		log:      logging.OrNop(logger).Named("auditor"),
		retired:  tombstone.New(cfg.RetiredCapacity, cfg.RetiredTTL),
		now:      time.Now,
		open:     make(map[string]*record),
		byDomain: make(map[string]*DomainTotals),
		scores:   make(map[string]*tally),
	}
}

// Observe verifies v's signature and folds it into its quorum record.
func (a *Auditor) Observe(v wire.Vote) Result {
	key, ok := a.cfg.Keys[v.ProviderID]
	if !ok || !provider.VerifyVote(key, v) {
		a.mu.Lock()
		a.badSig++
		a.mu.Unlock()
		telemetry.SignatureRejects.Inc()
		a.log.Debug("vote signature rejected", zap.String("provider", v.ProviderID), zap.String("correlation_id", v.CorrelationID))
		return BadSignature
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.retired.Has(v.CorrelationID) {
		a.late++
		return Late
	}
	rec, ok := a.open[v.CorrelationID]
	if !ok {
		rec = &record{domain: v.Domain, votes: make(map[string]bool, a.cfg.Voters), first: a.now()}
		a.open[v.CorrelationID] = rec
	}
	if _, dup := rec.votes[v.ProviderID]; dup {
		a.duplicates++
		return Duplicate
	}
	rec.votes[v.ProviderID] = v.Initiated
	if len(rec.votes) < a.cfg.Voters {
		return Recorded
	}

	a.evaluate(v.CorrelationID, rec)
	return Evaluated
}

// evaluate closes rec. Callers hold a.mu.
func (a *Auditor) evaluate(cid string, rec *record) {
	yes := 0
	for _, initiated := range rec.votes {
		if initiated {
			yes++
		}
	}
	ok := yes >= a.cfg.Quorum

	d := a.byDomain[rec.domain]
	if d == nil {
		d = &DomainTotals{}
		a.byDomain[rec.domain] = d
	}
	if ok {
		a.success++
		d.Success++
	} else {
		a.fail++
		d.Fail++
	}
	for pid, initiated := range rec.votes {
		s := a.scores[pid]
		if s == nil {
			s = &tally{}
			a.scores[pid] = s
		}
		s.total++
		if initiated != ok {
			s.disagree++
		}
	}

	delete(a.open, cid)
	a.retired.Add(cid)
	telemetry.QuorumTotal.WithLabelValues(rec.domain, verdict(ok)).Inc()
}

func verdict(ok bool) string {
	if ok {
		return "success"
	}
	return "fail"
}

// Sweep expires records older than the pending TTL and returns how many it
// dropped. Expired ids are retired so stragglers do not reopen them.
func (a *Auditor) Sweep() int {
	cutoff := a.now().Add(-a.cfg.PendingTTL)
	var stale []string

	a.mu.Lock()
	for cid, rec := range a.open {
		if rec.first.Before(cutoff) {
			stale = append(stale, cid)
			delete(a.open, cid)
		}
	}
	a.expired += uint64(len(stale))
	a.mu.Unlock()

	for _, cid := range stale {
		a.retired.Add(cid)
	}
	a.retired.Sweep()
	return len(stale)
}

// Run sweeps on SweepInterval until ctx is done.
func (a *Auditor) Run(ctx context.Context) {
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.Sweep(); n > 0 {
				a.log.Debug("expired pending records", zap.Int("count", n))
			}
		}
	}
}

func (a *Auditor) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		Success:       a.success,
		Fail:          a.fail,
		ByDomain:      make(map[string]DomainTotals, len(a.byDomain)),
		BadSignatures: a.badSig,
		Duplicates:    a.duplicates,
		Late:          a.late,
		Expired:       a.expired,
		Malformed:     a.malformed,
		Open:          len(a.open),
		Providers:     make([]ProviderScore, 0, len(a.scores)),
	}
	for d, t := range a.byDomain {
		s.ByDomain[d] = *t
	}
	for pid, t := range a.scores {
		ps := ProviderScore{ProviderID: pid, Disagree: t.disagree, Total: t.total}
		if t.total > 0 {
			ps.Ratio = float64(t.disagree) / float64(t.total)
		}
		s.Providers = append(s.Providers, ps)
	}
	sort.Slice(s.Providers, func(i, j int) bool {
		if s.Providers[i].Ratio != s.Providers[j].Ratio {
			return s.Providers[i].Ratio > s.Providers[j].Ratio
		}
		return s.Providers[i].ProviderID < s.Providers[j].ProviderID
	})
	return s
}

// MostSuspect returns the provider with the highest disagreement ratio. It
// is a statistical hint, not proof of misbehaviour.
func (a *Auditor) MostSuspect() (ProviderScore, bool) {
	s := a.Snapshot()
	if len(s.Providers) == 0 {
		return ProviderScore{}, false
	}
	return s.Providers[0], true
}

// Mount registers POST /audit.
func (a *Auditor) Mount(mux *http.ServeMux) {
	mux.Handle("POST /audit", telemetry.Instrument("auditor_audit", http.HandlerFunc(a.serveAudit)))
}

func (a *Auditor) serveAudit(w http.ResponseWriter, r *http.Request) {
	defer wire.Ack(w)
	_, span := tracing.Tracer("auditor").Start(r.Context(), "auditor.observe")
	defer span.End()

	var v wire.Vote
	if err := wire.Decode(r, a.cfg.MaxBody, &v); err != nil {
		a.mu.Lock()
		a.malformed++
		a.mu.Unlock()
		return
	}
	res := a.Observe(v)
	span.SetAttributes(
		attribute.String("relaymesh.correlation_id", v.CorrelationID),
		attribute.String("relaymesh.result", res.String()),
		attribute.String("relaymesh.seq", strconv.FormatInt(v.Sequence, 10)),
	)
}
