package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, "area-advisor.db", cfg.Cache.SQLitePath)
	assert.Equal(t, "live", cfg.Sources.Mode)
	assert.Equal(t, "https://api.scansan.com/v1", cfg.Sources.Property.BaseURL)
	assert.Equal(t, "critical", cfg.Sources.Property.Criticality)
	assert.Equal(t, "https://api.tfl.gov.uk", cfg.Sources.Commute.BaseURL)
	assert.Equal(t, "optional", cfg.Sources.Amenities.Criticality)
	assert.Equal(t, 1500, cfg.Sources.Schools.RadiusM)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, 20, cfg.Pipeline.MaxCandidates)
	assert.InDelta(t, 60, cfg.Pipeline.AffordabilityThreshold, 0.001)
	assert.True(t, cfg.Pipeline.ResultCache)
	assert.InDelta(t, 0.35, cfg.Scoring.Profiles["student"]["affordability"], 0.001)
	assert.InDelta(t, 0.30, cfg.Scoring.Profiles["parent"]["schools"], 0.001)
	assert.InDelta(t, 0.40, cfg.Scoring.Profiles["developer"]["investment"], 0.001)
	assert.InDelta(t, 30, cfg.Scoring.PersonaMinimums["parent"]["schools"], 0.001)
	assert.InDelta(t, 80, cfg.Scoring.StrengthThreshold, 0.001)
	assert.Equal(t, 3, cfg.Scoring.MaxRelaxRounds)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
server:
  port: 9090
cache:
  backend: memory
sources:
  mode: fixture
pipeline:
  concurrency: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "fixture", cfg.Sources.Mode)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 20, cfg.Pipeline.MaxCandidates)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
cache:
  backend: memory
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("AREA_CACHE_BACKEND", "valkey")
	t.Setenv("AREA_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "valkey", cfg.Cache.Backend)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("AREA_SERVER_PORT", "3000")
	t.Setenv("AREA_SOURCES_PROPERTY_API_KEY", "ss-key")
	t.Setenv("AREA_CACHE_VALKEY_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "ss-key", cfg.Sources.Property.APIKey)
	assert.Equal(t, "localhost:6379", cfg.Cache.ValkeyAddr)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns the default Config switched to fixture mode so
// that no credentials are needed.
func validDefaults(t *testing.T) *Config {
	t.Helper()
	cfg, err := Defaults()
	require.NoError(t, err)
	cfg.Sources.Mode = "fixture"
	return cfg
}

func TestValidate_DefaultsPassEveryMode(t *testing.T) {
	cfg := validDefaults(t)
	for _, mode := range []string{"recommend", "serve", "sources", "rescore", "cache"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_LiveNeedsPropertyKey(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Sources.Mode = "live"

	err := cfg.Validate("recommend")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources.property.api_key is required")

	// rescore never touches the providers.
	assert.NoError(t, cfg.Validate("rescore"))

	cfg.Sources.Property.APIKey = "ss-key"
	assert.NoError(t, cfg.Validate("recommend"))
}

func TestValidate_Sources(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Sources.Crime.Criticality = "vital"
	cfg.Sources.Property.Criticality = "important"

	err := cfg.Validate("sources")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources.crime.criticality must be")
	assert.Contains(t, err.Error(), "at least one enabled source must be critical")

	cfg.Sources.Crime.Criticality = "important"
	cfg.Sources.Trends.Criticality = "critical"
	assert.NoError(t, cfg.Validate("sources"))
}

func TestValidate_Cache(t *testing.T) {
	cfg := validDefaults(t)

	cfg.Cache.Backend = "redis"
	err := cfg.Validate("cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.backend must be memory, sqlite or valkey")

	cfg.Cache.Backend = "valkey"
	err = cfg.Validate("cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.valkey_addr is required")

	cfg.Cache.ValkeyAddr = "localhost:6379"
	cfg.Cache.TTLHours = map[string]float64{"crime": -1}
	err = cfg.Validate("cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.ttl_hours.crime must be >= 0")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults(t)

	cfg.Pipeline.Concurrency = 0
	err := cfg.Validate("recommend")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.concurrency must be between 1 and 64")

	cfg.Pipeline.Concurrency = 65
	err = cfg.Validate("recommend")
	assert.Error(t, err)

	cfg.Pipeline.Concurrency = 64
	cfg.Pipeline.DeadlineSecs = 5
	err = cfg.Validate("recommend")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "deadline_secs must be >= pipeline.area_timeout_secs")

	cfg.Pipeline.DeadlineSecs = 60
	assert.NoError(t, cfg.Validate("recommend"))
}

func TestValidate_LogFormat(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Log.Format = "xml"

	err := cfg.Validate("rescore")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format must be json or console")
}

func TestRetryPolicy(t *testing.T) {
	p := RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 2000, Multiplier: 3}.Policy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 2*time.Second, p.MaxBackoff)
	assert.InDelta(t, 3.0, p.Multiplier, 0.001)

	// Zero fields keep the resilience defaults.
	d := RetryConfig{}.Policy()
	assert.Equal(t, 3, d.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, d.InitialBackoff)
}

func TestCircuitBreakerConfig(t *testing.T) {
	b := CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 7, HalfOpenProbes: 3}.Breaker()
	assert.Equal(t, 2, b.FailureThreshold)
	assert.Equal(t, 7*time.Second, b.ResetTimeout)
	assert.Equal(t, 3, b.HalfOpenMaxProbes)
}

func TestSourceConfig_TimeoutAndByID(t *testing.T) {
	cfg := validDefaults(t)
	by := cfg.Sources.ByID()
	require.Len(t, by, len(SourceIDs))
	for _, id := range SourceIDs {
		assert.Contains(t, by, id)
	}
	assert.Equal(t, 15*time.Second, by["commute"].Timeout())
}
