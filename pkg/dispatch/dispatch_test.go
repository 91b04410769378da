package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

func TestDeliversInFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	s := SenderFunc(func(_ context.Context, _ string, p any) error {
		mu.Lock()
		got = append(got, p.(int))
		mu.Unlock()
		return nil
	})
	d := New(s, Config{Workers: 1, Capacity: 16}, zaptest.NewLogger(t))
	defer d.Close()

	for i := 0; i < 10; i++ {
		if !d.Enqueue("dest", i) {
			t.Fatalf("Enqueue(%d) dropped", i)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery %d = %d, want FIFO order %v", i, v, got)
		}
	}
	if st := d.Stats(); st.Sent != 10 || st.Dropped != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBackpressureDropsExactlyOverflow(t *testing.T) {
	const capacity = 8

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s := SenderFunc(func(context.Context, string, any) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	d := New(s, Config{Workers: 1, Capacity: capacity, Timeout: time.Minute}, zaptest.NewLogger(t))

	// Park the only worker on a send that never returns on its own.
	if !d.Enqueue("dest", "blocker") {
		t.Fatal("blocker dropped")
	}
	<-started

	results := make(chan bool, capacity+1)
	var wg sync.WaitGroup
	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- d.Enqueue("dest", i)
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked with a stuck worker")
	}
	close(results)

	dropped := 0
	for ok := range results {
		if !ok {
			dropped++
		}
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if st := d.Stats(); st.Dropped != 1 || st.Queued != capacity {
		t.Fatalf("stats = %+v", st)
	}

	close(release)
	d.Close()
}

func TestFailuresAreNotRetried(t *testing.T) {
	var calls atomic.Int64
	s := SenderFunc(func(context.Context, string, any) error {
		calls.Add(1)
		return errors.New("unreachable")
	})
	d := New(s, Config{Workers: 3, Capacity: 16}, zaptest.NewLogger(t))
	defer d.Close()

	for i := 0; i < 5; i++ {
		d.Enqueue("dest", i)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("sender calls = %d, want 5", got)
	}
	if st := d.Stats(); st.Failed != 5 || st.Sent != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestEnqueueAfterCloseDrops(t *testing.T) {
	d := New(SenderFunc(func(context.Context, string, any) error { return nil }), Config{}, zaptest.NewLogger(t))
	d.Close()
	if d.Enqueue("dest", 1) {
		t.Fatal("Enqueue after Close accepted")
	}
	d.Close() // idempotent
}

func TestHTTPSenderPostsCodecBody(t *testing.T) {
	type body struct {
		Domain string `json:"domain"`
	}
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- r.Header.Get("Content-Type") + " " + string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewHTTPSender(wire.JSON)
	if err := s.Send(context.Background(), srv.URL, body{Domain: "payments"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if want := `application/json {"domain":"payments"}`; <-got != want {
		t.Fatalf("server saw unexpected request, want %s", want)
	}
}

func TestHTTPSenderTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	d := New(NewHTTPSender(wire.JSON), Config{Workers: 1, Capacity: 1, Timeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	defer d.Close()

	d.Enqueue(srv.URL, map[string]string{"k": "v"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if st := d.Stats(); st.Failed != 1 {
		t.Fatalf("stats = %+v, want one failed send", st)
	}
}
