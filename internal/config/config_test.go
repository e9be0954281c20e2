package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	yaml := `
policy: cache-aware
concurrency:
  max_concurrent_requests: 100
  queue_size: 50
  queue_timeout: 2s
retries:
  retry_max_retries: 5
  retry_initial_backoff: 10ms
  retry_max_backoff: 1s
  retry_multiplier: 1.5
  retry_jitter: 0.1
breaker:
  cb_failure_threshold: 3
  cb_timeout_duration: 15s
cache_aware:
  cache_threshold: 0.6
  page_size: 32
pd:
  pd_mode: parallel
  pair_strategy: co-located
workers:
  - url: http://w1:8000
    role: prefill
  - url: http://w2:8000
    role: decode
`
	path := writeTempYAML(t, yaml)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cache-aware", cfg.Policy)
	assert.Equal(t, 100, cfg.Concurrency.MaxConcurrentRequests)
	assert.Equal(t, 2*time.Second, cfg.Concurrency.QueueTimeout.Std())
	assert.Equal(t, 5, cfg.Retries.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Retries.InitialBackoff.Std())
	assert.Equal(t, uint32(3), cfg.Breaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.Breaker.Timeout.Std())
	assert.Equal(t, 0.6, cfg.Cache.Threshold)
	assert.Equal(t, 32, cfg.Cache.PageSize)
	assert.Equal(t, "parallel", cfg.PD.Mode)
	assert.Equal(t, "co-located", cfg.PD.PairStrategy)
	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, "prefill", cfg.Workers[0].Role)
}

func TestLoad_UnsetFieldsKeepDefaults(t *testing.T) {
	path := writeTempYAML(t, "policy: round-robin\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	defaults := Default()
	assert.Equal(t, defaults.Concurrency, cfg.Concurrency)
	assert.Equal(t, defaults.Retries, cfg.Retries)
	assert.Equal(t, defaults.Cache, cfg.Cache)
}

func TestLoad_UnknownField_Rejected(t *testing.T) {
	path := writeTempYAML(t, "policy: round-robin\nbogus_field: 1\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_NonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempYAML(t, "{{not yaml")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_DurationParsesHumanStrings(t *testing.T) {
	path := writeTempYAML(t, `
health:
  health_check_interval: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Health.Interval.Std())
}

func TestLoad_InvalidDuration_Rejected(t *testing.T) {
	path := writeTempYAML(t, "health:\n  health_check_interval: not-a-duration\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestConfig_Validate_UnknownPolicy_Rejected(t *testing.T) {
	cfg := Default()
	cfg.Policy = "not-a-policy"
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_UnknownPDMode_Rejected(t *testing.T) {
	cfg := Default()
	cfg.PD.Mode = "sideways"
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_CacheThresholdOutOfRange_Rejected(t *testing.T) {
	cfg := Default()
	cfg.Cache.Threshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_ZeroMaxConcurrent_Rejected(t *testing.T) {
	cfg := Default()
	cfg.Concurrency.MaxConcurrentRequests = 0
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_WorkerMissingURL_Rejected(t *testing.T) {
	cfg := Default()
	cfg.Workers = []WorkerConfig{{Role: "prefill"}}
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_WorkerBadRole_Rejected(t *testing.T) {
	cfg := Default()
	cfg.Workers = []WorkerConfig{{URL: "http://w", Role: "wizard"}}
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_DefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestIsValidPolicy(t *testing.T) {
	assert.True(t, IsValidPolicy("cache-aware"))
	assert.True(t, IsValidPolicy("consistent-hashing"))
	assert.False(t, IsValidPolicy("not-a-policy"))
}

func TestValidPolicyNames_SortedAndComplete(t *testing.T) {
	names := ValidPolicyNames()
	assert.Contains(t, names, "random")
	assert.Contains(t, names, "power-of-two")
	assert.Contains(t, names, "bucket")
	assert.NotContains(t, names, "")
	for i := 1; i < len(names); i++ {
		assert.True(t, names[i-1] < names[i])
	}
}
