package offline

import (
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

type RelayStats struct {
	Buffered uint64 `json:"buffered"`
	Dropped  uint64 `json:"dropped"`
	Pending  int    `json:"pending"`
}

// Relay is the ingest point in front of an offline provider. Whatever it
// can decode is buffered.
type Relay struct {
	id      string
	buf     *Buffer
	maxBody int64
	log     *zap.Logger

	buffered atomic.Uint64
	dropped  atomic.Uint64
}

func NewRelay(id string, buf *Buffer, maxBody int64, logger *zap.Logger) *Relay {
	if maxBody <= 0 {
		maxBody = wire.MaxBodyBytes
	}
	return &Relay{
		id:      id,
		buf:     buf,
		maxBody: maxBody,
		log:     logging.OrNop(logger).Named("relay").With(zap.String("relay", id)),
	}
}

func (r *Relay) Ingest(a wire.Artifact) {
	r.buf.Append(a)
	r.buffered.Add(1)
	telemetry.OfflineBuffered.WithLabelValues(r.id).Set(float64(r.buf.Len()))
}

// Mount registers POST /relay.
func (r *Relay) Mount(mux *http.ServeMux) {
	mux.Handle("POST /relay", telemetry.Instrument("relay_ingest", http.HandlerFunc(r.serveRelay)))
}

func (r *Relay) serveRelay(w http.ResponseWriter, req *http.Request) {
	defer wire.Ack(w)
	var a wire.Artifact
	if err := wire.Decode(req, r.maxBody, &a); err != nil {
		r.dropped.Add(1)
		r.log.Debug("relay dropped artifact", zap.Error(err))
		return
	}
	r.Ingest(a)
}

func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Buffered: r.buffered.Load(),
		Dropped:  r.dropped.Load(),
		Pending:  r.buf.Len(),
	}
}
