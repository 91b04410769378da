package provider

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/relaymesh/pkg/binding"
	"github.com/ryandielhenn/relaymesh/pkg/presence"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

type recorder struct {
	mu    sync.Mutex
	dests []string
	votes []wire.Vote
}

func (r *recorder) Enqueue(dest string, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dests = append(r.dests, dest)
	r.votes = append(r.votes, payload.(wire.Vote))
	return true
}

func artifact(body, ctx, domain string, seq int64) wire.Artifact {
	fp := binding.Fingerprint([]byte(body))
	return wire.Artifact{
		Fingerprint:      fp,
		Context:          ctx,
		Domain:           domain,
		Binding:          binding.Bind(binding.Tag, fp, ctx, domain),
		CorrelationID:    binding.CorrelationID(fp),
		Sequence:         seq,
		ReturnOutcomeURL: "http://hub/outcome",
	}
}

func newProvider(t *testing.T, cfg Config, rec *recorder) *Provider {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "PROVIDER_A"
	}
	if cfg.Secret == nil {
		cfg.Secret = []byte("secret-a")
	}
	p, err := New(cfg, rec, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestDeriveKeys(t *testing.T) {
	k1, err := DeriveKeys("PROVIDER_A", []byte("s"))
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := DeriveKeys("PROVIDER_A", []byte("s"))
	k3, _ := DeriveKeys("PROVIDER_B", []byte("s"))
	if !bytes.Equal(k1.Vote, k2.Vote) || len(k1.Score) != 32 {
		t.Fatal("derivation not deterministic")
	}
	if bytes.Equal(k1.Score, k1.Vote) || bytes.Equal(k1.Boundary, k1.Vote) {
		t.Fatal("purpose keys must differ")
	}
	if bytes.Equal(k1.Vote, k3.Vote) {
		t.Fatal("keys must differ per provider")
	}
	if _, err := DeriveKeys("PROVIDER_A", nil); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestScoreRangeAndBonus(t *testing.T) {
	pol := DefaultPolicy()
	keys, _ := DeriveKeys("PROVIDER_A", []byte("s"))
	for i := range 500 {
		fp := binding.Fingerprint([]byte(fmt.Sprint(i)))
		raw := pol.Score(keys.Score, "PROVIDER_A", "payments", fp, "CTX_OTHER")
		bonus := pol.Score(keys.Score, "PROVIDER_A", "payments", fp, "CTX_ALPHA")
		if raw < 0 || raw >= 1 || bonus > 1 {
			t.Fatalf("score out of range: raw=%v bonus=%v", raw, bonus)
		}
		if want := min(raw+0.20, 1.0); bonus != want {
			t.Fatalf("bonus = %v, want %v", bonus, want)
		}
	}
}

func TestThresholds(t *testing.T) {
	pol := DefaultPolicy()
	rows := map[string]float64{"payments": 0.55, "identity": 0.60, "storage": 0.50, "compute": 0.60, "zz-garbage": 0.75, "": 0.75}
	for d, want := range rows {
		if got := pol.Threshold(d); got != want {
			t.Fatalf("Threshold(%q) = %v, want %v", d, got, want)
		}
	}
}

// For fp("abc"), CTX_ALPHA, payments the decision must be accept iff the
// keyed score reaches 0.55. Find one secret on each side.
func TestAcceptIffScoreMeetsThreshold(t *testing.T) {
	a := artifact("abc", "CTX_ALPHA", "payments", 0)
	if a.Fingerprint != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("fingerprint = %s", a.Fingerprint)
	}

	var pass, fail bool
	for i := 0; i < 500 && !(pass && fail); i++ {
		p := newProvider(t, Config{Secret: []byte(fmt.Sprintf("seed-%d", i))}, &recorder{})
		score := p.cfg.Policy.Score(p.keys.Score, "PROVIDER_A", "payments", a.Fingerprint, "CTX_ALPHA")
		d := p.Decide(a)
		if !d.BindingOK || d.Score != score || d.Threshold != 0.55 {
			t.Fatalf("decision = %+v, score %v", d, score)
		}
		if d.Initiated != (score >= 0.55) || d.Reported != d.Initiated {
			t.Fatalf("seed-%d: score %v initiated %v", i, score, d.Initiated)
		}
		if d.Initiated {
			pass = true
		} else {
			fail = true
		}
	}
	if !pass || !fail {
		t.Fatalf("did not find both a passing and a failing seed (pass=%v fail=%v)", pass, fail)
	}
}

func TestBindingMismatchRejects(t *testing.T) {
	p := newProvider(t, Config{}, &recorder{})
	a := artifact("abc", "CTX_ALPHA", "payments", 0)
	a.Context = "CTX_SPOOFED"
	d, v := p.Evaluate(a)
	if d.BindingOK || d.Initiated || v.Initiated {
		t.Fatalf("decision = %+v", d)
	}
	if st := p.Stats(); st.BindingFailures != 1 || st.Seen != 1 || st.Initiated != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestByzantineTrigger(t *testing.T) {
	inv := Byzantine{Mode: ModeInvert, Start: 100}
	if inv.Trigger("PROVIDER_B", 99) || !inv.Trigger("PROVIDER_B", 100) || !inv.Trigger("PROVIDER_B", 5000) {
		t.Fatal("invert must fire exactly from Start")
	}
	if (Byzantine{Start: 0}).Trigger("PROVIDER_B", 10) {
		t.Fatal("off mode fired")
	}

	keys, _ := DeriveKeys("PROVIDER_B", []byte("s"))
	flip := Byzantine{Mode: ModeFlip, Start: 10, key: keys.Score}
	var on int
	for seq := int64(0); seq < 410; seq++ {
		got := flip.Trigger("PROVIDER_B", seq)
		if got != flip.Trigger("PROVIDER_B", seq) {
			t.Fatalf("Trigger(%d) not pure", seq)
		}
		if seq < 10 && got {
			t.Fatalf("flip fired before start at %d", seq)
		}
		if got {
			on++
		}
	}
	if on < 100 || on > 300 {
		t.Fatalf("flip fired %d of 400 times, expected about half", on)
	}
}

func TestByzantineReportsNegationKeepsGroundTruth(t *testing.T) {
	honest := newProvider(t, Config{}, &recorder{})
	liar := newProvider(t, Config{Mode: ModeInvert, ByzantineStart: 5}, &recorder{})

	for seq := int64(0); seq < 20; seq++ {
		a := artifact(fmt.Sprint(seq), "CTX_ALPHA", "storage", seq)
		h, l := honest.Decide(a), liar.Decide(a)
		if h.Initiated != l.Initiated {
			t.Fatalf("seq %d: ground truth differs", seq)
		}
		if want := seq >= 5; l.Inverted() != want {
			t.Fatalf("seq %d: decision = %+v", seq, l)
		}
	}
}

func TestDeriveByzantineStart(t *testing.T) {
	for _, seed := range []string{"a", "b", "run-7"} {
		s := DeriveByzantineStart([]byte(seed), 1000, 600)
		if s < 601 || s >= 1000 {
			t.Fatalf("start %d outside (600,1000)", s)
		}
		if s != DeriveByzantineStart([]byte(seed), 1000, 600) {
			t.Fatal("not deterministic")
		}
	}
	if got := DeriveByzantineStart([]byte("a"), 1, 0); got != 0 {
		t.Fatalf("total 1: %d", got)
	}
	if got := DeriveByzantineStart([]byte("a"), 10, 50); got != 9 {
		t.Fatalf("failover past end: %d, want 9", got)
	}
}

func TestIngestSignsVoteAndKeepsTrail(t *testing.T) {
	rec := &recorder{}
	p := newProvider(t, Config{Region: "R1"}, rec)

	var initiated int
	for i := range 50 {
		a := artifact(fmt.Sprint(i), "CTX_ALPHA", "storage", int64(i))
		if !p.Ingest(a) {
			t.Fatal("online provider refused artifact")
		}
		if p.Decide(a).Initiated {
			initiated++
		}
	}
	if len(rec.votes) != 50 {
		t.Fatalf("votes = %d", len(rec.votes))
	}
	for i, v := range rec.votes {
		if rec.dests[i] != "http://hub/outcome" || v.ProviderID != "PROVIDER_A" || v.Region != "R1" {
			t.Fatalf("vote %d = %+v to %s", i, v, rec.dests[i])
		}
		if !VerifyVote(p.VoteKey(), v) {
			t.Fatalf("vote %d does not verify", i)
		}
		v.Initiated = !v.Initiated
		if VerifyVote(p.VoteKey(), v) {
			t.Fatal("tampered vote verifies")
		}
	}

	st := p.Stats()
	if int(st.Initiated) != initiated || st.ByDomain["storage"] != st.Initiated || st.Reported != st.Initiated {
		t.Fatalf("stats = %+v, initiated %d", st, initiated)
	}
	trail := p.Trail()
	if len(trail) != 2*initiated {
		t.Fatalf("trail = %d records, want %d", len(trail), 2*initiated)
	}
	for i, rec := range trail {
		want := StageStart
		if i%2 == 1 {
			want = StageComplete
		}
		if rec.Stage != want || !VerifyBoundary(p.keys.Boundary, binding.Tag, rec) {
			t.Fatalf("trail[%d] = %+v", i, rec)
		}
	}
}

func TestTrailBounded(t *testing.T) {
	p := newProvider(t, Config{TrailSize: 4, Policy: Policy{Thresholds: map[string]float64{}, Default: 0}}, &recorder{})
	for i := range 5 {
		p.Evaluate(artifact(fmt.Sprint(i), "", "any", int64(i)))
	}
	trail := p.Trail()
	if len(trail) != 4 {
		t.Fatalf("trail len = %d", len(trail))
	}
	last := artifact("4", "", "any", 4).Fingerprint
	if trail[3].Fingerprint != last || trail[3].Stage != StageComplete {
		t.Fatalf("newest record = %+v", trail[3])
	}
}

func TestOfflineRefusesWithoutDeciding(t *testing.T) {
	rec := &recorder{}
	tr := presence.NewTracker()
	tr.Set("PROVIDER_A", presence.Offline)
	p := newProvider(t, Config{Presence: tr}, rec)

	if p.Ingest(artifact("x", "CTX_ALPHA", "payments", 0)) {
		t.Fatal("offline provider accepted artifact")
	}
	if st := p.Stats(); st.Offline != 1 || st.Seen != 0 || len(rec.votes) != 0 {
		t.Fatalf("stats = %+v votes=%d", st, len(rec.votes))
	}

	tr.Set("PROVIDER_A", presence.Online)
	if !p.Ingest(artifact("x", "CTX_ALPHA", "payments", 0)) {
		t.Fatal("online provider refused artifact")
	}
}

func TestHTTPIngestAndPresence(t *testing.T) {
	rec := &recorder{}
	tr := presence.NewTracker()
	p := newProvider(t, Config{Presence: tr}, rec)
	mux := http.NewServeMux()
	p.Mount(mux)

	do := func(method, path string, body []byte, ct string) int {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(http.MethodPost, "/presence?state=offline", nil, ""); code != http.StatusNoContent || tr.Online("PROVIDER_A") {
		t.Fatalf("presence offline = %d", code)
	}
	if code := do(http.MethodPost, "/presence?state=sideways", nil, ""); code != http.StatusBadRequest {
		t.Fatalf("bad presence = %d", code)
	}

	body, _ := wire.CBOR.Marshal(artifact("x", "CTX_ALPHA", "payments", 1))
	if code := do(http.MethodPost, "/ingest", body, wire.CBOR.ContentType()); code != http.StatusNoContent || len(rec.votes) != 0 {
		t.Fatalf("offline ingest = %d votes=%d", code, len(rec.votes))
	}
	do(http.MethodPost, "/presence?state=online", nil, "")
	if code := do(http.MethodPost, "/ingest", body, wire.CBOR.ContentType()); code != http.StatusNoContent || len(rec.votes) != 1 {
		t.Fatalf("online ingest = %d votes=%d", code, len(rec.votes))
	}
	if code := do(http.MethodPost, "/ingest", []byte("junk"), "application/json"); code != http.StatusNoContent || p.Stats().Malformed != 1 {
		t.Fatalf("malformed ingest = %d stats=%+v", code, p.Stats())
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeOff, "off": ModeOff, "INVERT": ModeInvert, "flip": ModeFlip} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v,%v", in, got, err)
		}
	}
	if _, err := ParseMode("lie"); err == nil {
		t.Fatal("unknown mode accepted")
	}
}
