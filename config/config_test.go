package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"snapgraph/ident"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Transport != TransportSQLite {
		t.Errorf("expected sqlite transport, got %s", cfg.Transport)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Concurrency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	ws := ident.New()
	t.Setenv("SNAPGRAPH_DATA", "/tmp/sg")
	t.Setenv("SNAPGRAPH_CONCURRENCY", "3")
	t.Setenv("SNAPGRAPH_POLL_INTERVAL", "250ms")
	t.Setenv("SNAPGRAPH_EVICT_SNAPSHOTS", "true")
	t.Setenv("SNAPGRAPH_LEGACY_CYCLE_ALLOW_LIST", " "+ws.String()+" ,")
	t.Setenv("SNAPGRAPH_REDIS_DB", "not-a-number")

	cfg := FromEnv()
	if cfg.DataDir != "/tmp/sg" || cfg.Concurrency != 3 || cfg.PollInterval != 250*time.Millisecond || !cfg.EvictSnapshots {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("unparseable values should keep the default, got %d", cfg.RedisDB)
	}
	allow, err := cfg.AllowList()
	if err != nil {
		t.Fatalf("AllowList failed: %v", err)
	}
	if !allow.Contains(ws) || allow.Len() != 1 {
		t.Errorf("expected allow-list with %s", ws)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapgraph.yaml")
	content := `
data_dir: /var/lib/snapgraph
transport: redis
redis_addr: redis:6379
namespace: prod
stale_after: 2m
legacy_cycle_allow_list:
  - 0190c1a0-0000-7000-8000-000000000001
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("SNAPGRAPH_NAMESPACE", "staging")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/snapgraph" || cfg.Transport != TransportRedis || cfg.StaleAfter != 2*time.Minute {
		t.Errorf("file not applied: %+v", cfg)
	}
	if cfg.Namespace != "staging" {
		t.Errorf("env should override file, got %s", cfg.Namespace)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("unset fields keep defaults, got %d", cfg.Concurrency)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport = "kafka" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"redis without addr", func(c *Config) { c.Transport = TransportRedis; c.RedisAddr = "" }},
		{"bad allow-list id", func(c *Config) { c.LegacyCycleAllowList = []string{"nope"} }},
		{"bad actor", func(c *Config) { c.Actor = "nope" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
