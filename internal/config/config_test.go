package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port int `env:"RELAYMESH_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("RELAYMESH_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Voters != 3 || c.Quorum != 2 || c.SendTimeout != 1250*time.Millisecond || c.UplinkBatch != 50 {
		t.Fatalf("defaults = %+v", c)
	}
	if len(c.ProviderSecrets) != 3 || c.ProviderSecrets["PROVIDER_B"] == "" {
		t.Fatalf("provider secrets = %v", c.ProviderSecrets)
	}
	if c.MaxBody != 64<<10 || c.ByzantineStart != -1 {
		t.Fatalf("defaults = %+v", c)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RELAYMESH_PROVIDER_SECRETS", "P1:a,P2:b")
	t.Setenv("RELAYMESH_QUORUM_N", "2")
	t.Setenv("RELAYMESH_ETCD_ENDPOINTS", "http://e1:2379,http://e2:2379")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ProviderSecrets["P2"] != "b" || len(c.EtcdEndpoints) != 2 {
		t.Fatalf("config = %+v", c)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	rows := []struct {
		name string
		mut  func(*Config)
	}{
		{"quorum above voters", func(c *Config) { c.Quorum = 4 }},
		{"too few secrets", func(c *Config) { c.Voters = 5; c.Quorum = 3 }},
		{"failover past total", func(c *Config) { c.FailoverAt = c.Total + 1 }},
		{"bad rate", func(c *Config) { c.SpoofRate = 1.5 }},
		{"unknown offline provider", func(c *Config) { c.OfflineProvider = "PROVIDER_Z" }},
	}
	for _, r := range rows {
		c := base
		c.ProviderSecrets = map[string]string{}
		for k, v := range base.ProviderSecrets {
			c.ProviderSecrets[k] = v
		}
		r.mut(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected error", r.name)
		}
	}
}
