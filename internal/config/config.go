// Package config holds the gateway's typed configuration and its YAML
// loader/validator.
//
// Grounded directly on the teacher's PolicyBundle/LoadPolicyBundle
// (sim/bundle.go): strict YAML decoding (unrecognized keys rejected),
// decoding over a Default() config so unset fields keep their defaults
// (plain value fields, no pointer "not set" markers), and a validity-map +
// ValidXNames()/IsValidX() accessor pattern for every enum-like config
// field, generalized from the teacher's four policy groups to the gateway's
// concurrency/retry/breaker/health/cache-aware/PD groups (spec §6).
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lightseekorg/smg/internal/gatewayerr"
)

// Config is the gateway's full typed configuration, loadable from YAML.
type Config struct {
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Retries     RetriesConfig     `yaml:"retries"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Health      HealthConfig      `yaml:"health"`
	Cache       CacheConfig       `yaml:"cache_aware"`
	PD          PDConfig          `yaml:"pd"`
	Policy      string            `yaml:"policy"`
	Workers     []WorkerConfig    `yaml:"workers"`
}

// ConcurrencyConfig mirrors spec §6's "Concurrency" group.
type ConcurrencyConfig struct {
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	QueueSize             int      `yaml:"queue_size"`
	QueueTimeout          Duration `yaml:"queue_timeout"`
	RateLimitTokensPerSec float64  `yaml:"rate_limit_tokens_per_second"`
}

// RetriesConfig mirrors spec §6's "Retries" group.
type RetriesConfig struct {
	MaxRetries     int      `yaml:"retry_max_retries"`
	InitialBackoff Duration `yaml:"retry_initial_backoff"`
	MaxBackoff     Duration `yaml:"retry_max_backoff"`
	Multiplier     float64  `yaml:"retry_multiplier"`
	Jitter         float64  `yaml:"retry_jitter"`
	Disabled       bool     `yaml:"disable_retries"`
}

// BreakerConfig mirrors spec §6's "Breaker" group.
type BreakerConfig struct {
	FailureThreshold uint32   `yaml:"cb_failure_threshold"`
	SuccessThreshold uint32   `yaml:"cb_success_threshold"`
	Timeout          Duration `yaml:"cb_timeout_duration"`
	Window           Duration `yaml:"cb_window_duration"`
	Disabled         bool     `yaml:"disable_circuit_breaker"`
}

// HealthConfig mirrors spec §6's "Health" group.
type HealthConfig struct {
	FailureThreshold uint32   `yaml:"health_failure_threshold"`
	SuccessThreshold uint32   `yaml:"health_success_threshold"`
	Interval         Duration `yaml:"health_check_interval"`
	Timeout          Duration `yaml:"health_check_timeout"`
	Endpoint         string   `yaml:"health_check_endpoint"`
	Disabled         bool     `yaml:"disable_health_check"`
}

// CacheConfig mirrors spec §6's "Cache-aware" group.
type CacheConfig struct {
	Threshold           float64  `yaml:"cache_threshold"`
	BalanceAbsThreshold float64  `yaml:"balance_abs_threshold"`
	BalanceRelThreshold float64  `yaml:"balance_rel_threshold"`
	EvictionInterval    Duration `yaml:"eviction_interval"`
	MaxTreeSize         int64    `yaml:"max_tree_size"`
	PageSize            int      `yaml:"page_size"`
}

// PDConfig mirrors spec §6's "PD" group.
type PDConfig struct {
	Mode           string `yaml:"pd_mode"` // off, parallel, sequential
	PrefillPolicy  string `yaml:"prefill_policy"`
	DecodePolicy   string `yaml:"decode_policy"`
	PairStrategy   string `yaml:"pair_strategy"` // any-to-any, co-located, least-loaded
}

// WorkerConfig is one statically-configured backend, admitted at startup.
type WorkerConfig struct {
	URL            string            `yaml:"url"`
	Role           string            `yaml:"role"` // regular, prefill, decode
	BootstrapPort  int               `yaml:"bootstrap_port"`
	Runtime        string            `yaml:"runtime"` // http, grpc, external
	Priority       uint8             `yaml:"priority"`
	Cost           float32           `yaml:"cost"`
	Labels         map[string]string `yaml:"labels"`
	HealthEndpoint string            `yaml:"health_endpoint"`
}

// Duration is a time.Duration that decodes from YAML's human-readable
// strings ("30s", "2m") via yaml.v3's UnmarshalYAML hook, the same
// string-to-duration idiom the teacher's own config types use for every
// *_duration field.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Valid policy/mode name registries, mirroring the teacher's unexported
// validity-map + accessor pattern (sim/bundle.go).
var (
	validPolicies = map[string]bool{
		"random": true, "round-robin": true, "power-of-two": true,
		"consistent-hashing": true, "prefix-hash": true, "manual": true,
		"bucket": true, "cache-aware": true,
	}
	validPDModes     = map[string]bool{"off": true, "parallel": true, "sequential": true}
	validPairStrats  = map[string]bool{"": true, "any-to-any": true, "co-located": true, "least-loaded": true}
	validRoles       = map[string]bool{"": true, "regular": true, "prefill": true, "decode": true}
	validRuntimes    = map[string]bool{"": true, "http": true, "grpc": true, "external": true}
)

// IsValidPolicy reports whether name is a recognized routing policy.
func IsValidPolicy(name string) bool { return validPolicies[name] }

// ValidPolicyNames returns sorted valid policy names.
func ValidPolicyNames() []string { return sortedKeys(validPolicies) }

func sortedKeys(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Load reads and parses a YAML config file, using strict decoding so typos
// in field names are rejected rather than silently ignored (spec §7
// ConfigurationInvalid is raised at startup for exactly this class of
// error).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationInvalid, fmt.Errorf("reading config: %w", err))
	}
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationInvalid, fmt.Errorf("parsing config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.ConfigurationInvalid, err)
	}
	return cfg, nil
}

// Default returns a Config populated with the gateway's defaults (the
// breaker, retry and health values match those packages' own
// DefaultConfig()), so a zero-length YAML file still produces a usable
// configuration.
func Default() *Config {
	return &Config{
		Concurrency: ConcurrencyConfig{MaxConcurrentRequests: 64, QueueSize: 128, QueueTimeout: Duration(5 * time.Second)},
		Retries: RetriesConfig{
			MaxRetries: 3, InitialBackoff: Duration(50 * time.Millisecond),
			MaxBackoff: Duration(2 * time.Second), Multiplier: 2.0, Jitter: 0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5, SuccessThreshold: 2,
			Timeout: Duration(30 * time.Second), Window: Duration(10 * time.Second),
		},
		Health: HealthConfig{
			FailureThreshold: 3, SuccessThreshold: 2,
			Interval: Duration(5 * time.Second), Timeout: Duration(2 * time.Second),
			Endpoint: "/health",
		},
		Cache: CacheConfig{
			Threshold: 0.5, BalanceAbsThreshold: 32, BalanceRelThreshold: 1.5,
			EvictionInterval: Duration(30 * time.Second), MaxTreeSize: 1 << 24, PageSize: 16,
		},
		PD:     PDConfig{Mode: "off", PairStrategy: "any-to-any"},
		Policy: "round-robin",
	}
}

// Validate checks every enum-like field against its validity registry and
// a subset of the numeric fields against the invariants spec §6 implies;
// numeric fields not checked below are accepted as given.
func (c *Config) Validate() error {
	if !IsValidPolicy(c.Policy) {
		return fmt.Errorf("config: unknown policy %q (valid: %v)", c.Policy, ValidPolicyNames())
	}
	if !validPDModes[c.PD.Mode] {
		return fmt.Errorf("config: unknown pd_mode %q", c.PD.Mode)
	}
	if !validPairStrats[c.PD.PairStrategy] {
		return fmt.Errorf("config: unknown pair_strategy %q", c.PD.PairStrategy)
	}
	if c.Concurrency.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: max_concurrent_requests must be > 0")
	}
	if c.Concurrency.QueueSize < 0 {
		return fmt.Errorf("config: queue_size must be >= 0")
	}
	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("config: cache_threshold must be in [0,1]")
	}
	if c.Cache.PageSize < 1 {
		return fmt.Errorf("config: page_size must be >= 1")
	}
	for i, w := range c.Workers {
		if w.URL == "" {
			return fmt.Errorf("config: workers[%d].url must not be empty", i)
		}
		if !validRoles[w.Role] {
			return fmt.Errorf("config: workers[%d].role %q invalid", i, w.Role)
		}
		if !validRuntimes[w.Runtime] {
			return fmt.Errorf("config: workers[%d].runtime %q invalid", i, w.Runtime)
		}
	}
	return nil
}
