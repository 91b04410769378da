// relaymesh-bench drives synthetic traffic with a failover point against
// fronts that are already running, either given directly or discovered
// through etcd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ryandielhenn/relaymesh/discovery"
	"github.com/ryandielhenn/relaymesh/internal/config"
	"github.com/ryandielhenn/relaymesh/internal/logging"
	"github.com/ryandielhenn/relaymesh/pkg/failover"
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

	var (
		primary, secondary         string
		primaryName, secondaryName string
		asJSON                     bool
		timeout                    time.Duration
	)
	fs := pflag.NewFlagSet("relaymesh-bench", pflag.ContinueOnError)
	fs.StringVar(&primary, "primary", "", "front URL of the primary region")
	fs.StringVar(&secondary, "secondary", "", "front URL of the secondary region")
	fs.StringVar(&primaryName, "primary-region", "R1", "primary region name, used for etcd lookup")
	fs.StringVar(&secondaryName, "secondary-region", "R2", "secondary region name, used for etcd lookup")
	fs.Int64VarP(&cfg.Total, "requests", "n", cfg.Total, "requests")
	fs.Int64Var(&cfg.FailoverAt, "failover-at", cfg.FailoverAt, "first sequence number sent to the secondary region")
	fs.IntVarP(&cfg.Concurrency, "concurrency", "c", cfg.Concurrency, "requests in flight")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "seed for anomaly injection")
	fs.Float64Var(&cfg.SpoofRate, "spoof-rate", cfg.SpoofRate, "probability of a spoofed verification context")
	fs.Float64Var(&cfg.GarbageRate, "garbage-rate", cfg.GarbageRate, "probability of an unknown domain")
	fs.Float64Var(&cfg.OversizeRate, "oversize-rate", cfg.OversizeRate, "probability of an oversized body")
	fs.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints to discover fronts from")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")
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

	if primary == "" || secondary == "" {
		if len(cfg.EtcdEndpoints) == 0 {
			return errors.New("need --primary and --secondary, or --etcd to discover fronts")
		}
		fronts, err := discoverFronts(ctx, cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		if primary == "" {
			primary = fronts[primaryName]
		}
		if secondary == "" {
			secondary = fronts[secondaryName]
		}
		if primary == "" || secondary == "" {
			return fmt.Errorf("no front registered for %s or %s", primaryName, secondaryName)
		}
	}

	driver := failover.New(failover.Config{
		Total:        cfg.Total,
		FailoverAt:   cfg.FailoverAt,
		Primary:      failover.Region{Name: primaryName, FrontURL: primary},
		Secondary:    failover.Region{Name: secondaryName, FrontURL: secondary},
		SpoofRate:    cfg.SpoofRate,
		GarbageRate:  cfg.GarbageRate,
		OversizeRate: cfg.OversizeRate,
		Seed:         cfg.Seed,
		Concurrency:  cfg.Concurrency,
		Timeout:      timeout,
	}, nil, logger)

	logger.Info("bench starting",
		zap.String("primary", primary),
		zap.String("secondary", secondary),
		zap.Int64("total", cfg.Total),
		zap.Int64("failover_at", cfg.FailoverAt))
	rep, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	fmt.Printf("Completed %d requests in %s (%.2f req/s), %d errors\n",
		rep.Total, rep.Elapsed.Round(time.Millisecond), rep.Throughput(), rep.Errors)
	fmt.Printf("regions %v  status %v\n", rep.ByRegion, rep.Status)
	fmt.Printf("latency p50 %s  p95 %s  p99 %s  max %s\n", rep.P50, rep.P95, rep.P99, rep.Max)
	fmt.Printf("injected: spoofed %d  garbage %d  oversized %d\n", rep.Spoofed, rep.Garbage, rep.Oversized)
	return nil
}

// discoverFronts maps region to front URL from the etcd registry.
func discoverFronts(ctx context.Context, endpoints []string) (map[string]string, error) {
	cli, err := discovery.NewClient(endpoints)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	defer cli.Close()

	lctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	comps, err := discovery.List(lctx, cli, "front")
	if err != nil {
		return nil, err
	}
	fronts := make(map[string]string, len(comps))
	for _, c := range comps {
		fronts[c.Region] = c.URL
	}
	return fronts, nil
}
