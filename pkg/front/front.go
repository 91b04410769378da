// Package front is the neutral conveyance boundary. It fingerprints and
// binds an inbound request, hands the artifact to the mesh and answers with
// the same empty acknowledgment whatever happens downstream.
package front

import (
	"errors"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/internal/tracing"
	"github.com/ryandielhenn/relaymesh/pkg/binding"
	"github.com/ryandielhenn/relaymesh/pkg/dispatch"
	"github.com/ryandielhenn/relaymesh/pkg/ring"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

type Config struct {
	ID     string
	Region string
	Tag    string
	// Entry hubs of this front's region; an artifact enters at the hub
	// owning its fingerprint.
	Hubs    *ring.Ring
	MaxBody int64
}

type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Oversized uint64 `json:"oversized"`
	Unrouted  uint64 `json:"unrouted"`
	Dropped   uint64 `json:"dropped"`
}

type Front struct {
	cfg  Config
	disp dispatch.Enqueuer
	log  *zap.Logger

	accepted  atomic.Uint64
	oversized atomic.Uint64
	unrouted  atomic.Uint64
	dropped   atomic.Uint64
}

func New(cfg Config, disp dispatch.Enqueuer, logger *zap.Logger) *Front {
	if cfg.Tag == "" {
		cfg.Tag = binding.Tag
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = wire.MaxBodyBytes
	}
	if cfg.Hubs == nil {
		cfg.Hubs = ring.New(0, nil)
	}
	return &Front{
		cfg:  cfg,
		disp: disp,
		log:  logging.OrNop(logger).Named("front").With(zap.String("front", cfg.ID)),
	}
}

// Convey builds the artifact for body and enqueues it toward the entry hub.
// The returned artifact is informational; nothing about the downstream
// outcome is ever known here.
func (f *Front) Convey(body []byte, context, domain string, seq int64) wire.Artifact {
	fp := binding.Fingerprint(body)
	a := wire.Artifact{
		Fingerprint:   fp,
		Context:       context,
		Domain:        domain,
		Binding:       binding.Bind(f.cfg.Tag, fp, context, domain),
		CorrelationID: binding.CorrelationID(fp),
		Sequence:      seq,
		Region:        f.cfg.Region,
	}
	f.accepted.Add(1)
	telemetry.Artifact("front", "accepted")

	hubID, dest, ok := f.cfg.Hubs.Pick(fp)
	if !ok {
		f.unrouted.Add(1)
		telemetry.Artifact("front", "unrouted")
		f.log.Debug("no entry hub", zap.String("correlation_id", a.CorrelationID))
		return a
	}
	if !f.disp.Enqueue(dest, a) {
		f.dropped.Add(1)
		telemetry.Artifact("front", "dropped")
		return a
	}
	f.log.Debug("conveyed",
		zap.String("correlation_id", a.CorrelationID),
		zap.String("hub", hubID),
		zap.Int64("seq", seq))
	return a
}

// ServeHTTP handles POST /convey.
func (f *Front) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, span := tracing.Tracer("front").Start(r.Context(), "front.convey")
	defer span.End()

	body, err := wire.ReadBody(r, f.cfg.MaxBody)
	if err != nil {
		if errors.Is(err, wire.ErrTooLarge) {
			f.oversized.Add(1)
			telemetry.Artifact("front", "oversized")
		}
		span.SetAttributes(attribute.Bool("relaymesh.rejected", true))
		wire.Ack(w)
		return
	}

	a := f.Convey(body, r.Header.Get(wire.HeaderContext), r.Header.Get(wire.HeaderDomain), wire.Seq(r.Header, 0))
	span.SetAttributes(attribute.String("relaymesh.correlation_id", a.CorrelationID))
	wire.Ack(w)
}

func (f *Front) Stats() Stats {
	return Stats{
		Accepted:  f.accepted.Load(),
		Oversized: f.oversized.Load(),
		Unrouted:  f.unrouted.Load(),
		Dropped:   f.dropped.Load(),
	}
}
