// relaymesh-server runs a complete two-region mesh on loopback listeners,
// drives synthetic traffic through it with a failover point, and prints the
// provider, hub and auditor results.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/discovery"
	"github.com/ryandielhenn/relaymesh/internal/config"
	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/internal/telemetry"
	"github.com/ryandielhenn/relaymesh/internal/tracing"
	"github.com/ryandielhenn/relaymesh/pkg/dispatch"
	"github.com/ryandielhenn/relaymesh/pkg/failover"
	"github.com/ryandielhenn/relaymesh/pkg/node"
	"github.com/ryandielhenn/relaymesh/pkg/provider"
	"github.com/ryandielhenn/relaymesh/pkg/topology"
	"github.com/ryandielhenn/relaymesh/pkg/wire"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		config.Exitf("error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := pflag.NewFlagSet("relaymesh-server", pflag.ContinueOnError)
	fs.Int64Var(&cfg.Total, "total", cfg.Total, "number of synthetic requests")
	fs.Int64Var(&cfg.FailoverAt, "failover-at", cfg.FailoverAt, "first sequence number sent to the secondary region")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "seed for anomaly injection and the byzantine start")
	fs.Float64Var(&cfg.SpoofRate, "spoof-rate", cfg.SpoofRate, "probability of a spoofed verification context")
	fs.Float64Var(&cfg.GarbageRate, "garbage-rate", cfg.GarbageRate, "probability of an unknown domain")
	fs.Float64Var(&cfg.OversizeRate, "oversize-rate", cfg.OversizeRate, "probability of an oversized body")
	fs.IntVarP(&cfg.Concurrency, "concurrency", "c", cfg.Concurrency, "requests in flight")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "wire codec between components (json|cbor)")
	fs.StringVar(&cfg.ByzantineID, "byzantine", cfg.ByzantineID, "provider that misreports")
	fs.StringVar(&cfg.ByzantineMode, "byzantine-mode", cfg.ByzantineMode, "off|invert|flip")
	fs.Int64Var(&cfg.ByzantineStart, "byzantine-start", cfg.ByzantineStart, "first misreported sequence; negative derives it from the seed")
	fs.StringVar(&cfg.OfflineProvider, "offline", cfg.OfflineProvider, "provider that starts offline behind a relay")
	fs.Int64Var(&cfg.OfflineUntil, "offline-until", cfg.OfflineUntil, "sequence number at which the offline provider comes online")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for /metrics; empty disables it")
	fs.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints to register components with")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "relaymesh-server", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	telemetry.SetBuildInfo(version, gitSHA)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	codec, err := wire.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	mode, err := provider.ParseMode(cfg.ByzantineMode)
	if err != nil {
		return err
	}
	byzStart := cfg.ByzantineStart
	if byzStart < 0 {
		byzStart = provider.DeriveByzantineStart([]byte(strconv.FormatUint(cfg.Seed, 10)), cfg.Total, cfg.FailoverAt)
	}

	mesh, err := topology.Start(ctx, topology.Config{
		Host:    cfg.Host,
		Tag:     cfg.BindTag,
		Codec:   codec,
		MaxBody: cfg.MaxBody,
		Dispatch: dispatch.Config{
			Workers:  cfg.Workers,
			Capacity: cfg.QueueCapacity,
			Timeout:  cfg.SendTimeout,
		},
		ProviderSecrets: cfg.ProviderSecrets,
		ByzantineID:     cfg.ByzantineID,
		ByzantineMode:   mode,
		ByzantineStart:  byzStart,
		OfflineProvider: cfg.OfflineProvider,
		UplinkBatch:     cfg.UplinkBatch,
		UplinkInterval:  cfg.UplinkInterval,
		Voters:          cfg.Voters,
		Quorum:          cfg.Quorum,
		PendingTTL:      cfg.PendingTTL,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mesh.Close(sctx); err != nil {
			logger.Warn("mesh shutdown", zap.Error(err))
		}
	}()

	if len(cfg.EtcdEndpoints) > 0 {
		unregister, err := register(ctx, cfg, mesh, logger)
		if err != nil {
			return err
		}
		defer unregister()
	}

	driver := failover.New(failover.Config{
		Total:        cfg.Total,
		FailoverAt:   cfg.FailoverAt,
		Primary:      failover.Region{Name: "R1", FrontURL: mesh.FrontURL("R1")},
		Secondary:    failover.Region{Name: "R2", FrontURL: mesh.FrontURL("R2")},
		SpoofRate:    cfg.SpoofRate,
		GarbageRate:  cfg.GarbageRate,
		OversizeRate: cfg.OversizeRate,
		Seed:         cfg.Seed,
		Concurrency:  cfg.Concurrency,
	}, nil, logger)
	if cfg.OfflineProvider != "" {
		driver.At(cfg.OfflineUntil, func(context.Context, int64) { mesh.SetOnline(cfg.OfflineProvider) })
	}

	logger.Info("driving traffic",
		zap.Int64("total", cfg.Total),
		zap.Int64("failover_at", cfg.FailoverAt),
		zap.String("byzantine", cfg.ByzantineID),
		zap.Int64("byzantine_start", byzStart))
	rep, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	settle, cancel := context.WithTimeout(ctx, cfg.Settle)
	defer cancel()
	// Garbage domains and oversized bodies never reach a quorum.
	want := rep.Total - rep.Garbage - rep.Oversized
	if err := mesh.Settle(settle, uint64(max(want, 0))); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	printReport(os.Stdout, cfg, byzStart, rep, mesh)
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	node.New("relaymesh-server", "metrics", "", nil).Mount(mux)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server", zap.Error(err))
	}
}

func register(ctx context.Context, cfg config.Config, mesh *topology.Mesh, logger *zap.Logger) (func(), error) {
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	var regs []*discovery.Registration
	for _, c := range mesh.Components() {
		r, err := discovery.Register(ctx, cli, discovery.Component{ID: c.ID, Kind: c.Kind, Region: c.Region, URL: c.URL}, cfg.LeaseTTL)
		if err != nil {
			_ = cli.Close()
			return nil, err
		}
		regs = append(regs, r)
	}
	logger.Info("registered components", zap.Int("count", len(regs)), zap.Strings("etcd", cfg.EtcdEndpoints))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, r := range regs {
			_ = r.Close(ctx)
		}
		_ = cli.Close()
	}, nil
}
