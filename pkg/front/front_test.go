package front

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/relaymesh/pkg/binding"
	"github.com/ryandielhenn/relaymesh/pkg/ring"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

type recorder struct {
	mu    sync.Mutex
	dests []string
	items []any
	full  bool
}

func (r *recorder) Enqueue(dest string, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.dests = append(r.dests, dest)
	r.items = append(r.items, payload)
	return true
}

func newFront(t *testing.T, rec *recorder) *Front {
	hubs := ring.New(16, nil)
	hubs.Add("HUB_R1_A", "http://hub-a/submit")
	return New(Config{ID: "FRONT_R1", Region: "R1", Hubs: hubs, MaxBody: 64}, rec, zaptest.NewLogger(t))
}

func post(h http.Handler, body []byte, ctx, domain, seq string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/convey", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(wire.HeaderContext, ctx)
	req.Header.Set(wire.HeaderDomain, domain)
	req.Header.Set(wire.HeaderSeq, seq)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConveyForwardsBoundArtifact(t *testing.T) {
	rec := &recorder{}
	f := newFront(t, rec)

	body := []byte(`{"op":"transfer","amount":100}`)
	resp := post(f, body, "CTX_ALPHA", "payments", "12")
	if resp.Code != http.StatusNoContent || resp.Body.Len() != 0 {
		t.Fatalf("ack = %d %q, want 204 empty", resp.Code, resp.Body.String())
	}
	if len(rec.items) != 1 || rec.dests[0] != "http://hub-a/submit" {
		t.Fatalf("enqueued %v to %v", rec.items, rec.dests)
	}

	a := rec.items[0].(wire.Artifact)
	fp := binding.Fingerprint(body)
	if a.Fingerprint != fp || a.Context != "CTX_ALPHA" || a.Domain != "payments" || a.Sequence != 12 || a.Region != "R1" {
		t.Fatalf("artifact = %+v", a)
	}
	if !binding.Verify(binding.Tag, fp, "CTX_ALPHA", "payments", a.Binding) {
		t.Fatal("artifact binding does not verify")
	}
	if a.CorrelationID != binding.CorrelationID(fp) || !a.WellFormed() {
		t.Fatalf("artifact = %+v", a)
	}
}

func TestAckIsOutcomeBlind(t *testing.T) {
	rec := &recorder{}
	f := newFront(t, rec)

	rows := []struct {
		name, ctx, domain string
		body              []byte
	}{
		{"valid", "CTX_ALPHA", "payments", []byte("a")},
		{"spoofed", "CTX_SPOOFED", "payments", []byte("b")},
		{"garbage domain", "CTX_ALPHA", "zz-garbage", []byte("c")},
		{"oversized", "CTX_ALPHA", "payments", bytes.Repeat([]byte("x"), 65)},
		{"empty", "", "", nil},
	}
	for _, r := range rows {
		resp := post(f, r.body, r.ctx, r.domain, "1")
		if resp.Code != http.StatusNoContent || resp.Body.Len() != 0 {
			t.Fatalf("%s: ack = %d %q %v", r.name, resp.Code, resp.Body.String(), resp.Header())
		}
	}
	st := f.Stats()
	if st.Oversized != 1 || st.Accepted != 4 {
		t.Fatalf("stats = %+v", st)
	}
	if len(rec.items) != 4 {
		t.Fatalf("forwarded %d artifacts, oversized must not be forwarded", len(rec.items))
	}
}

func TestNoEntryHubAndFullQueue(t *testing.T) {
	rec := &recorder{}
	f := New(Config{ID: "FRONT_X"}, rec, zaptest.NewLogger(t))
	f.Convey([]byte("a"), "CTX_ALPHA", "payments", 0)
	if st := f.Stats(); st.Unrouted != 1 || len(rec.items) != 0 {
		t.Fatalf("stats = %+v items=%d", st, len(rec.items))
	}

	full := &recorder{full: true}
	f = newFront(t, full)
	if resp := post(f, []byte("a"), "CTX_ALPHA", "payments", "0"); resp.Code != http.StatusNoContent {
		t.Fatalf("ack under overload = %d", resp.Code)
	}
	if st := f.Stats(); st.Dropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFront(t, &recorder{})
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/convey", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET = %d", rec.Code)
	}
}
