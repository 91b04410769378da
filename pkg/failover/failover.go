// Package failover drives synthetic traffic at two regional fronts. Every
// request below the failover index goes to the primary region and every
// other request to the secondary, with context, domain and size anomalies
// injected at configured rates.
package failover

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

// Region is one regional entry point.
type Region struct {
	Name     string
	FrontURL string
}

type Config struct {
	Total      int64
	FailoverAt int64
	Primary    Region
	Secondary  Region
	// Domains are assigned round-robin by sequence number.
	Domains       []string
	Context       string
	SpoofContext  string
	GarbageDomain string
	SpoofRate     float64
	GarbageRate   float64
	OversizeRate  float64
	OversizeBytes int
	Seed          uint64
	Concurrency   int
	Timeout       time.Duration
}

// Request is the plan for one sequence number.
type Request struct {
	Seq       int64
	Region    Region
	Context   string
	Domain    string
	Body      []byte
	Spoofed   bool
	Garbage   bool
	Oversized bool
}

// Hook runs once, before the request with its sequence number is sent.
type Hook func(ctx context.Context, seq int64)

type Driver struct {
	cfg      Config
	payloads Payloads
	client   *http.Client
	log      *zap.Logger
	hooks    map[int64][]Hook
}

func New(cfg Config, payloads Payloads, logger *zap.Logger) *Driver {
	if len(cfg.Domains) == 0 {
		cfg.Domains = []string{"payments", "identity", "storage", "compute"}
	}
	if cfg.Context == "" {
		cfg.Context = "CTX_ALPHA"
	}
	if cfg.SpoofContext == "" {
		cfg.SpoofContext = "CTX_SPOOFED"
	}
	if cfg.GarbageDomain == "" {
		cfg.GarbageDomain = "zz-garbage"
	}
	if cfg.OversizeBytes <= 0 {
		cfg.OversizeBytes = wire.MaxBodyBytes + 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if payloads == nil {
		payloads = Transfers{}
	}
	return &Driver{
		cfg:      cfg,
		payloads: payloads,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      logging.OrNop(logger).Named("failover"),
		hooks:    make(map[int64][]Hook),
	}
}

// At registers h to run before request seq is sent. Not safe to call
// concurrently with Run.
func (d *Driver) At(seq int64, h Hook) {
	d.hooks[seq] = append(d.hooks[seq], h)
}

// Select returns the region for seq: primary strictly before the failover
// index, secondary from it on.
func (d *Driver) Select(seq int64) Region {
	if seq < d.cfg.FailoverAt {
		return d.cfg.Primary
	}
	return d.cfg.Secondary
}

// Plan is deterministic in (Seed, seq).
func (d *Driver) Plan(seq int64) Request {
	rng := rand.New(rand.NewPCG(d.cfg.Seed, uint64(seq)))
	r := Request{
		Seq:     seq,
		Region:  d.Select(seq),
		Context: d.cfg.Context,
		Domain:  d.cfg.Domains[int(seq%int64(len(d.cfg.Domains)))],
	}
	if rng.Float64() < d.cfg.SpoofRate {
		r.Spoofed = true
		r.Context = d.cfg.SpoofContext
	}
	if rng.Float64() < d.cfg.GarbageRate {
		r.Garbage = true
		r.Domain = d.cfg.GarbageDomain
	}
	r.Body = d.payloads.Payload(seq, r.Domain)
	if rng.Float64() < d.cfg.OversizeRate {
		r.Oversized = true
		if pad := d.cfg.OversizeBytes - len(r.Body); pad > 0 {
			r.Body = append(r.Body, bytes.Repeat([]byte{' '}, pad)...)
		}
	}
	return r
}

// Report summarises one run.
type Report struct {
	Total     int64            `json:"total"`
	Errors    int64            `json:"errors"`
	Status    map[int]int64    `json:"status"`
	ByRegion  map[string]int64 `json:"by_region"`
	Spoofed   int64            `json:"spoofed"`
	Garbage   int64            `json:"garbage"`
	Oversized int64            `json:"oversized"`
	Elapsed   time.Duration    `json:"elapsed"`
	P50       time.Duration    `json:"p50"`
	P95       time.Duration    `json:"p95"`
	P99       time.Duration    `json:"p99"`
	Max       time.Duration    `json:"max"`
}

// Throughput is requests per second over the run.
func (r Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Total) / r.Elapsed.Seconds()
}

// Run sends every planned request with at most Concurrency in flight.
func (d *Driver) Run(ctx context.Context) (Report, error) {
	rep := Report{Status: make(map[int]int64), ByRegion: make(map[string]int64)}
	var (
		mu   sync.Mutex
		lats = make([]time.Duration, 0, d.cfg.Total)
		wg   sync.WaitGroup
		sem  = make(chan struct{}, d.cfg.Concurrency)
	)

	start := time.Now()
	for seq := int64(0); seq < d.cfg.Total; seq++ {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return rep, err
		}
		for _, h := range d.hooks[seq] {
			h(ctx, seq)
		}

		req := d.Plan(seq)
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			t0 := time.Now()
			status, err := d.send(ctx, req)
			lat := time.Since(t0)

			mu.Lock()
			defer mu.Unlock()
			rep.Total++
			rep.ByRegion[req.Region.Name]++
			if req.Spoofed {
				rep.Spoofed++
			}
			if req.Garbage {
				rep.Garbage++
			}
			if req.Oversized {
				rep.Oversized++
			}
			if err != nil {
				rep.Errors++
				d.log.Debug("request failed", zap.Int64("seq", req.Seq), zap.Error(err))
				return
			}
			rep.Status[status]++
			lats = append(lats, lat)
		}()
	}
	wg.Wait()
	rep.Elapsed = time.Since(start)

	slices.Sort(lats)
	rep.P50 = percentile(lats, 0.50)
	rep.P95 = percentile(lats, 0.95)
	rep.P99 = percentile(lats, 0.99)
	if len(lats) > 0 {
		rep.Max = lats[len(lats)-1]
	}
	return rep, nil
}

func (d *Driver) send(ctx context.Context, r Request) (int, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Region.FrontURL, bytes.NewReader(r.Body))
	if err != nil {
		return 0, err
	}
	hr.Header.Set("Content-Type", "application/octet-stream")
	hr.Header.Set(wire.HeaderContext, r.Context)
	hr.Header.Set(wire.HeaderDomain, r.Domain)
	hr.Header.Set(wire.HeaderSeq, strconv.FormatInt(r.Seq, 10))

	resp, err := d.client.Do(hr)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[min(i, len(sorted)-1)]
}
