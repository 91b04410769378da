package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Config is the environment configuration shared by cmd/server and
// cmd/bench. Flags override individual fields after parsing.
type Config struct {
	LogLevel     string `env:"RELAYMESH_LOG_LEVEL" envDefault:"info"`
	LogDev       bool   `env:"RELAYMESH_LOG_DEV"`
	Host         string `env:"RELAYMESH_HOST" envDefault:"127.0.0.1"`
	MetricsAddr  string `env:"RELAYMESH_METRICS_ADDR" envDefault:"127.0.0.1:9090"`
	OTelEndpoint string `env:"RELAYMESH_OTEL_ENDPOINT"`

	Codec   string `env:"RELAYMESH_CODEC" envDefault:"json"`
	BindTag string `env:"RELAYMESH_BIND_TAG" envDefault:"RELAYMESH_BIND_V2"`
	MaxBody int64  `env:"RELAYMESH_MAX_BODY" envDefault:"65536"`

	Workers       int           `env:"RELAYMESH_DISPATCH_WORKERS" envDefault:"10"`
	QueueCapacity int           `env:"RELAYMESH_DISPATCH_CAPACITY" envDefault:"2000"`
	SendTimeout   time.Duration `env:"RELAYMESH_SEND_TIMEOUT" envDefault:"1250ms"`

	Voters     int           `env:"RELAYMESH_QUORUM_N" envDefault:"3"`
	Quorum     int           `env:"RELAYMESH_QUORUM_K" envDefault:"2"`
	PendingTTL time.Duration `env:"RELAYMESH_PENDING_TTL" envDefault:"30s"`

	ProviderSecrets map[string]string `env:"RELAYMESH_PROVIDER_SECRETS" envDefault:"PROVIDER_A:alpha-provider-secret,PROVIDER_B:bravo-provider-secret,PROVIDER_C:charlie-provider-secret"`
	ByzantineID     string            `env:"RELAYMESH_BYZANTINE_PROVIDER" envDefault:"PROVIDER_B"`
	ByzantineMode   string            `env:"RELAYMESH_BYZANTINE_MODE" envDefault:"flip"`
	// ByzantineStart below zero is derived from the seed after failover.
	ByzantineStart int64 `env:"RELAYMESH_BYZANTINE_START" envDefault:"-1"`

	OfflineProvider string        `env:"RELAYMESH_OFFLINE_PROVIDER"`
	OfflineUntil    int64         `env:"RELAYMESH_OFFLINE_UNTIL" envDefault:"300"`
	UplinkBatch     int           `env:"RELAYMESH_UPLINK_BATCH" envDefault:"50"`
	UplinkInterval  time.Duration `env:"RELAYMESH_UPLINK_INTERVAL" envDefault:"150ms"`

	Total        int64         `env:"RELAYMESH_TOTAL" envDefault:"1000"`
	FailoverAt   int64         `env:"RELAYMESH_FAILOVER_AT" envDefault:"600"`
	Seed         uint64        `env:"RELAYMESH_SEED" envDefault:"1"`
	SpoofRate    float64       `env:"RELAYMESH_SPOOF_RATE" envDefault:"0.05"`
	GarbageRate  float64       `env:"RELAYMESH_GARBAGE_RATE" envDefault:"0.03"`
	OversizeRate float64       `env:"RELAYMESH_OVERSIZE_RATE" envDefault:"0.01"`
	Concurrency  int           `env:"RELAYMESH_CONCURRENCY" envDefault:"32"`
	Settle       time.Duration `env:"RELAYMESH_SETTLE" envDefault:"1500ms"`

	EtcdEndpoints []string `env:"RELAYMESH_ETCD_ENDPOINTS" envSeparator:","`
	LeaseTTL      int64    `env:"RELAYMESH_LEASE_TTL" envDefault:"10"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := ParseEnv(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Voters <= 0 || c.Quorum <= 0 || c.Quorum > c.Voters {
		errs = append(errs, fmt.Errorf("quorum %d of %d is not satisfiable", c.Quorum, c.Voters))
	}
	if len(c.ProviderSecrets) < c.Voters {
		errs = append(errs, fmt.Errorf("%d provider secrets for %d voters", len(c.ProviderSecrets), c.Voters))
	}
	for id, s := range c.ProviderSecrets {
		if s == "" {
			errs = append(errs, fmt.Errorf("provider %s: empty secret", id))
		}
	}
	if c.FailoverAt < 0 || c.FailoverAt > c.Total {
		errs = append(errs, fmt.Errorf("failover index %d outside [0,%d]", c.FailoverAt, c.Total))
	}
	for name, r := range map[string]float64{"spoof": c.SpoofRate, "garbage": c.GarbageRate, "oversize": c.OversizeRate} {
		if r < 0 || r > 1 {
			errs = append(errs, fmt.Errorf("%s rate %v outside [0,1]", name, r))
		}
	}
	if c.OfflineProvider != "" {
		if _, ok := c.ProviderSecrets[c.OfflineProvider]; !ok {
			errs = append(errs, fmt.Errorf("offline provider %s has no secret", c.OfflineProvider))
		}
	}
	return errors.Join(errs...)
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
