package offline

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/pkg/dispatch"
)

const (
	DefaultBatch    = 50
	DefaultInterval = 150 * time.Millisecond
)

// OnlineFunc reports whether a provider currently accepts artifacts.
type OnlineFunc func(providerID string) bool

type UplinkConfig struct {
	RelayID    string
	ProviderID string
	IngestURL  string
	// OutcomeURL is stamped on artifacts that carry no return address.
	OutcomeURL string
	Batch      int
	Interval   time.Duration
}

// Uplink drains a Buffer toward one provider.
type Uplink struct {
	cfg    UplinkConfig
	buf    *Buffer
	online OnlineFunc
	disp   dispatch.Enqueuer
	log    *zap.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewUplink(cfg UplinkConfig, buf *Buffer, online OnlineFunc, disp dispatch.Enqueuer, logger *zap.Logger) *Uplink {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Uplink{
		cfg:    cfg,
		buf:    buf,
		online: online,
		disp:   disp,
		log:    logging.OrNop(logger).Named("uplink").With(zap.String("provider", cfg.ProviderID)),
	}
}

// Tick moves one batch from the buffer head to the provider, if it is
// online, and returns how many artifacts were handed to the dispatcher.
func (u *Uplink) Tick() int {
	if !u.online(u.cfg.ProviderID) {
		return 0
	}
	batch := u.buf.Take(u.cfg.Batch)
	if len(batch) == 0 {
		return 0
	}
	n := 0
	for _, a := range batch {
		if a.ReturnOutcomeURL == "" {
			a.ReturnOutcomeURL = u.cfg.OutcomeURL
		}
		if u.disp.Enqueue(u.cfg.IngestURL, a) {
			n++
		} else {
			u.dropped.Add(1)
		}
	}
	u.sent.Add(uint64(n))
	telemetry.OfflineBuffered.WithLabelValues(u.cfg.RelayID).Set(float64(u.buf.Len()))
	u.log.Debug("uplink batch", zap.Int("sent", n), zap.Int("remaining", u.buf.Len()))
	return n
}

// Run ticks every Interval until ctx is done.
func (u *Uplink) Run(ctx context.Context) {
	t := time.NewTicker(u.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			u.Tick()
		}
	}
}

// Sent is how many artifacts the uplink has handed to the dispatcher.
func (u *Uplink) Sent() uint64    { return u.sent.Load() }
func (u *Uplink) Dropped() uint64 { return u.dropped.Load() }
