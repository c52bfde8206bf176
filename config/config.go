// Package config provides configuration for the snapgraph rebase service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"snapgraph/analysis"
	"snapgraph/ident"
)

// Transport names.
const (
	TransportSQLite = "sqlite"
	TransportRedis  = "redis"
)

// Config holds service configuration.
type Config struct {
	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir" validate:"required"`
	// Transport selects the request queue: "sqlite" or "redis".
	Transport string `yaml:"transport" validate:"oneof=sqlite redis"`
	// RedisAddr is host:port of the Redis server for the redis transport.
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Transport redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
	// Namespace prefixes every Redis key.
	Namespace string `yaml:"namespace" validate:"required"`

	// Concurrency bounds how many change sets are rebased in parallel.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=1024"`
	// PollInterval is how often the SQLite queue is polled.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	// ReceiveWait is how long one receive call blocks.
	ReceiveWait time.Duration `yaml:"receive_wait" validate:"gt=0"`
	// StaleAfter requeues SQLite deliveries left in processing this long.
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`

	// MetricsListen serves /metrics when set.
	MetricsListen string `yaml:"metrics_listen"`
	// Actor is the rebaser's clock identity. Random when empty.
	Actor string `yaml:"actor"`

	// LegacyCycleAllowList lists workspaces exempt from the subscription
	// cycle check.
	LegacyCycleAllowList []string `yaml:"legacy_cycle_allow_list"`
	// ReplayToOpenChangeSets forwards HEAD updates to other open change sets.
	ReplayToOpenChangeSets bool `yaml:"replay_to_open_change_sets"`
	// EvictSnapshots deletes superseded snapshots after a pointer move.
	EvictSnapshots bool `yaml:"evict_snapshots"`

	Debug bool `yaml:"debug"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir:                "./data",
		Transport:              TransportSQLite,
		RedisAddr:              "localhost:6379",
		Namespace:              "default",
		Concurrency:            8,
		PollInterval:           100 * time.Millisecond,
		ReceiveWait:            time.Second,
		StaleAfter:             5 * time.Minute,
		ReplayToOpenChangeSets: true,
	}
}

// FromEnv creates a Config from defaults and SNAPGRAPH_* environment
// variables.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// Load reads defaults, then the YAML file at path if path is non-empty,
// then the environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("SNAPGRAPH_DATA", c.DataDir)
	c.Transport = getEnv("SNAPGRAPH_TRANSPORT", c.Transport)
	c.RedisAddr = getEnv("SNAPGRAPH_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("SNAPGRAPH_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("SNAPGRAPH_REDIS_DB", c.RedisDB)
	c.Namespace = getEnv("SNAPGRAPH_NAMESPACE", c.Namespace)
	c.Concurrency = getEnvInt("SNAPGRAPH_CONCURRENCY", c.Concurrency)
	c.PollInterval = getEnvDuration("SNAPGRAPH_POLL_INTERVAL", c.PollInterval)
	c.ReceiveWait = getEnvDuration("SNAPGRAPH_RECEIVE_WAIT", c.ReceiveWait)
	c.StaleAfter = getEnvDuration("SNAPGRAPH_STALE_AFTER", c.StaleAfter)
	c.MetricsListen = getEnv("SNAPGRAPH_METRICS_LISTEN", c.MetricsListen)
	c.Actor = getEnv("SNAPGRAPH_ACTOR", c.Actor)
	c.ReplayToOpenChangeSets = getEnvBool("SNAPGRAPH_REPLAY", c.ReplayToOpenChangeSets)
	c.EvictSnapshots = getEnvBool("SNAPGRAPH_EVICT_SNAPSHOTS", c.EvictSnapshots)
	c.Debug = getEnvBool("SNAPGRAPH_DEBUG", c.Debug)
	if val := os.Getenv("SNAPGRAPH_LEGACY_CYCLE_ALLOW_LIST"); val != "" {
		c.LegacyCycleAllowList = splitList(val)
	}
}

var validate = validator.New()

// Validate checks field constraints and that every id parses.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.AllowList(); err != nil {
		return err
	}
	if _, err := c.ActorID(); err != nil {
		return err
	}
	return nil
}

// AllowList parses LegacyCycleAllowList.
func (c *Config) AllowList() (analysis.AllowList, error) {
	ids := make([]ident.ID, 0, len(c.LegacyCycleAllowList))
	for _, s := range c.LegacyCycleAllowList {
		id, err := ident.Parse(s)
		if err != nil {
			return analysis.AllowList{}, fmt.Errorf("invalid config: legacy_cycle_allow_list: %w", err)
		}
		ids = append(ids, id)
	}
	return analysis.NewAllowList(ids...), nil
}

// ActorID parses Actor. An empty Actor yields the nil id.
func (c *Config) ActorID() (ident.ID, error) {
	if c.Actor == "" {
		return ident.Nil, nil
	}
	id, err := ident.Parse(c.Actor)
	if err != nil {
		return ident.Nil, fmt.Errorf("invalid config: actor: %w", err)
	}
	return id, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
