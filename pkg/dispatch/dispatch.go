// Package dispatch provides the single outbound path every component uses:
// a capacity-bounded FIFO drained by a fixed pool of workers. Enqueue never
// blocks; when the FIFO is full the delivery is dropped. Each send is
// attempted once with a timeout and failures are discarded.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/internal/telemetry"
)

const (
	DefaultWorkers  = 10
	DefaultCapacity = 2000
	DefaultTimeout  = 1250 * time.Millisecond
)

// Enqueuer is the fire-and-forget contract components depend on.
type Enqueuer interface {
	Enqueue(dest string, payload any) bool
}

// Sender performs one delivery.
type Sender interface {
	Send(ctx context.Context, dest string, payload any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, dest string, payload any) error

func (f SenderFunc) Send(ctx context.Context, dest string, payload any) error {
	return f(ctx, dest, payload)
}

type Config struct {
	Workers  int
	Capacity int
	Timeout  time.Duration
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Enqueued uint64
	Dropped  uint64
	Sent     uint64
	Failed   uint64
	Queued   int
}

type delivery struct {
	dest    string
	payload any
}

type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	log     *zap.Logger

	queue chan delivery
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	closed  atomic.Bool
	pending atomic.Int64

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
}

// New starts cfg.Workers workers. Zero config fields take the defaults.
func New(sender Sender, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sender:  sender,
		timeout: cfg.Timeout,
		log:     logger.Named("dispatch"),
		queue:   make(chan delivery, cfg.Capacity),
		quit:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue hands a payload to the worker pool. It returns false if the
// payload was dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Enqueue(dest string, payload any) bool {
	if d.closed.Load() {
		d.drop(dest, "closed")
		return false
	}
	d.pending.Add(1)
	select {
	case d.queue <- delivery{dest: dest, payload: payload}:
		d.enqueued.Add(1)
		telemetry.DispatchTotal.WithLabelValues("enqueued").Inc()
		return true
	default:
		d.pending.Add(-1)
		d.drop(dest, "full")
		return false
	}
}

func (d *Dispatcher) drop(dest, reason string) {
	d.dropped.Add(1)
	telemetry.DispatchTotal.WithLabelValues("dropped").Inc()
	d.log.Debug("delivery dropped", zap.String("dest", dest), zap.String("reason", reason))
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case dl := <-d.queue:
			d.deliver(dl)
		}
	}
}

func (d *Dispatcher) deliver(dl delivery) {
	defer d.pending.Add(-1)
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	err := d.sender.Send(ctx, dl.dest, dl.payload)
	cancel()
	if err != nil {
		d.failed.Add(1)
		telemetry.DispatchTotal.WithLabelValues("failed").Inc()
		d.log.Debug("delivery failed", zap.String("dest", dl.dest), zap.Error(err))
		return
	}
	d.sent.Add(1)
	telemetry.DispatchTotal.WithLabelValues("sent").Inc()
}

// Flush blocks until every accepted delivery has been attempted or ctx ends.
func (d *Dispatcher) Flush(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for d.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close stops the workers after their current send. Deliveries still
// queued are dropped.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.quit)
		d.wg.Wait()
		for {
			select {
			case dl := <-d.queue:
				d.pending.Add(-1)
				d.drop(dl.dest, "closed")
			default:
				return
			}
		}
	})
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued: d.enqueued.Load(),
		Dropped:  d.dropped.Load(),
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
		Queued:   len(d.queue),
	}
}
