package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/area-advisor/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Sources  SourcesConfig  `yaml:"sources" mapstructure:"sources"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit" mapstructure:"circuit"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Scoring  ScoringConfig  `yaml:"scoring" mapstructure:"scoring"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitPerMin     int      `yaml:"rate_limit_per_min" mapstructure:"rate_limit_per_min"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// CacheConfig configures the cache backend and freshness.
type CacheConfig struct {
	Backend           string             `yaml:"backend" mapstructure:"backend"` // memory, sqlite, valkey
	SQLitePath        string             `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	ValkeyAddr        string             `yaml:"valkey_addr" mapstructure:"valkey_addr"`
	ValkeyPrefix      string             `yaml:"valkey_prefix" mapstructure:"valkey_prefix"`
	SweepIntervalSecs int                `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	TTLHours          map[string]float64 `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// SourcesConfig configures the enrichment providers.
type SourcesConfig struct {
	Mode          string       `yaml:"mode" mapstructure:"mode"` // live, fixture
	FixturePath   string       `yaml:"fixture_path" mapstructure:"fixture_path"`
	GazetteerPath string       `yaml:"gazetteer_path" mapstructure:"gazetteer_path"`
	SampleArea    string       `yaml:"sample_area" mapstructure:"sample_area"`
	Property      SourceConfig `yaml:"property" mapstructure:"property"`
	Trends        SourceConfig `yaml:"trends" mapstructure:"trends"`
	Commute       SourceConfig `yaml:"commute" mapstructure:"commute"`
	Crime         SourceConfig `yaml:"crime" mapstructure:"crime"`
	Schools       SourceConfig `yaml:"schools" mapstructure:"schools"`
	Amenities     SourceConfig `yaml:"amenities" mapstructure:"amenities"`
}

// SourceConfig holds one provider's endpoint and limits.
type SourceConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	Criticality string  `yaml:"criticality" mapstructure:"criticality"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RadiusM     int     `yaml:"radius_m" mapstructure:"radius_m"`
	Disabled    bool    `yaml:"disabled" mapstructure:"disabled"`
}

// Timeout returns the per-attempt timeout.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// ByID returns the per-source settings keyed by source id.
func (s SourcesConfig) ByID() map[string]SourceConfig {
	return map[string]SourceConfig{
		"property":  s.Property,
		"trends":    s.Trends,
		"commute":   s.Commute,
		"crime":     s.Crime,
		"schools":   s.Schools,
		"amenities": s.Amenities,
	}
}

// SourceIDs is the registration order of the enrichment sources.
var SourceIDs = []string{"property", "trends", "commute", "crime", "schools", "amenities"}

// RetryConfig configures the per-source retry policy.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Policy converts to a resilience.RetryConfig. Zero fields fall back to
// the resilience defaults.
func (r RetryConfig) Policy() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(r.InitialBackoffMs) * time.Millisecond
	}
	if r.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(r.MaxBackoffMs) * time.Millisecond
	}
	if r.Multiplier > 0 {
		cfg.Multiplier = r.Multiplier
	}
	if r.JitterFraction > 0 {
		cfg.JitterFraction = r.JitterFraction
	}
	return cfg
}

// CircuitConfig configures the per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	HalfOpenProbes   int `yaml:"half_open_probes" mapstructure:"half_open_probes"`
}

// Breaker converts to a resilience.CircuitBreakerConfig.
func (c CircuitConfig) Breaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold:  c.FailureThreshold,
		ResetTimeout:      time.Duration(c.ResetTimeoutSecs) * time.Second,
		HalfOpenMaxProbes: c.HalfOpenProbes,
	}
}

// PipelineConfig configures enrichment fan-out and run limits.
type PipelineConfig struct {
	Concurrency            int     `yaml:"concurrency" mapstructure:"concurrency"`
	PerSourceConcurrency   int     `yaml:"per_source_concurrency" mapstructure:"per_source_concurrency"`
	AreaTimeoutSecs        int     `yaml:"area_timeout_secs" mapstructure:"area_timeout_secs"`
	DeadlineSecs           int     `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	MaxCandidates          int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	AffordabilityThreshold float64 `yaml:"affordability_threshold" mapstructure:"affordability_threshold"`
	DefaultMaxAreas        int     `yaml:"default_max_areas" mapstructure:"default_max_areas"`
	ResultCache            bool    `yaml:"result_cache" mapstructure:"result_cache"`
}

// ScoringConfig holds persona weight tables and ranking thresholds.
// Persona and factor keys are lowercase names.
type ScoringConfig struct {
	Profiles           map[string]map[string]float64 `yaml:"profiles" mapstructure:"profiles"`
	PersonaMinimums    map[string]map[string]float64 `yaml:"persona_minimums" mapstructure:"persona_minimums"`
	StrengthThreshold  float64                       `yaml:"strength_threshold" mapstructure:"strength_threshold"`
	WeaknessThreshold  float64                       `yaml:"weakness_threshold" mapstructure:"weakness_threshold"`
	MaxRelaxRounds     int                           `yaml:"max_relax_rounds" mapstructure:"max_relax_rounds"`
	BudgetStepPct      float64                       `yaml:"budget_step_pct" mapstructure:"budget_step_pct"`
	CommuteStepMinutes float64                       `yaml:"commute_step_minutes" mapstructure:"commute_step_minutes"`
	SafetyStep         float64                       `yaml:"safety_step" mapstructure:"safety_step"`
	FactorStep         float64                       `yaml:"factor_step" mapstructure:"factor_step"`
	TradeOffMargin     float64                       `yaml:"trade_off_margin" mapstructure:"trade_off_margin"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AREA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Defaults returns the built-in configuration without reading a file or
// the environment.
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal defaults")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_per_min", 60)
	v.SetDefault("server.shutdown_timeout_secs", 10)

	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.sqlite_path", "area-advisor.db")
	v.SetDefault("cache.valkey_addr", "")
	v.SetDefault("cache.valkey_prefix", "area-advisor")
	v.SetDefault("cache.sweep_interval_secs", 600)

	v.SetDefault("sources.mode", "live")
	v.SetDefault("sources.sample_area", "E1")
	v.SetDefault("sources.fixture_path", "")
	v.SetDefault("sources.gazetteer_path", "")
	// Keys must be known to viper for AREA_* env vars to reach Unmarshal.
	for _, id := range SourceIDs {
		v.SetDefault("sources."+id+".api_key", "")
		v.SetDefault("sources."+id+".disabled", false)
	}
	v.SetDefault("sources.property.base_url", "https://api.scansan.com/v1")
	v.SetDefault("sources.property.criticality", "critical")
	v.SetDefault("sources.property.rate_per_sec", 5)
	v.SetDefault("sources.property.timeout_secs", 10)
	v.SetDefault("sources.trends.base_url", "https://api.scansan.com/v1")
	v.SetDefault("sources.trends.criticality", "optional")
	v.SetDefault("sources.trends.rate_per_sec", 5)
	v.SetDefault("sources.trends.timeout_secs", 10)
	v.SetDefault("sources.commute.base_url", "https://api.tfl.gov.uk")
	v.SetDefault("sources.commute.criticality", "important")
	v.SetDefault("sources.commute.rate_per_sec", 8)
	v.SetDefault("sources.commute.timeout_secs", 15)
	v.SetDefault("sources.crime.base_url", "https://data.police.uk/api")
	v.SetDefault("sources.crime.criticality", "important")
	v.SetDefault("sources.crime.rate_per_sec", 10)
	v.SetDefault("sources.crime.timeout_secs", 15)
	v.SetDefault("sources.schools.base_url", "https://overpass-api.de/api")
	v.SetDefault("sources.schools.criticality", "important")
	v.SetDefault("sources.schools.rate_per_sec", 1)
	v.SetDefault("sources.schools.timeout_secs", 30)
	v.SetDefault("sources.schools.radius_m", 1500)
	v.SetDefault("sources.amenities.base_url", "https://overpass-api.de/api")
	v.SetDefault("sources.amenities.criticality", "optional")
	v.SetDefault("sources.amenities.rate_per_sec", 1)
	v.SetDefault("sources.amenities.timeout_secs", 30)
	v.SetDefault("sources.amenities.radius_m", 1000)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 250)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("circuit.half_open_probes", 1)

	v.SetDefault("pipeline.concurrency", 8)
	v.SetDefault("pipeline.per_source_concurrency", 4)
	v.SetDefault("pipeline.area_timeout_secs", 20)
	v.SetDefault("pipeline.deadline_secs", 60)
	v.SetDefault("pipeline.max_candidates", 20)
	v.SetDefault("pipeline.affordability_threshold", 60)
	v.SetDefault("pipeline.default_max_areas", 5)
	v.SetDefault("pipeline.result_cache", true)

	v.SetDefault("scoring.profiles", map[string]any{
		"student": map[string]any{
			"affordability": 0.35, "commute": 0.25, "safety": 0.15,
			"amenities": 0.15, "schools": 0.0, "investment": 0.10,
		},
		"parent": map[string]any{
			"affordability": 0.20, "commute": 0.15, "safety": 0.25,
			"amenities": 0.10, "schools": 0.30, "investment": 0.0,
		},
		"developer": map[string]any{
			"affordability": 0.10, "commute": 0.05, "safety": 0.10,
			"amenities": 0.15, "schools": 0.20, "investment": 0.40,
		},
	})
	v.SetDefault("scoring.persona_minimums", map[string]any{
		"parent":    map[string]any{"schools": 30.0},
		"developer": map[string]any{"investment": 30.0},
	})
	v.SetDefault("scoring.strength_threshold", 80)
	v.SetDefault("scoring.weakness_threshold", 40)
	v.SetDefault("scoring.max_relax_rounds", 3)
	v.SetDefault("scoring.budget_step_pct", 0.10)
	v.SetDefault("scoring.commute_step_minutes", 10)
	v.SetDefault("scoring.safety_step", 10)
	v.SetDefault("scoring.factor_step", 10)
	v.SetDefault("scoring.trade_off_margin", 5)
}

// Validate checks the settings a command needs. mode is the command name.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or console, got %q", c.Log.Format))
	}

	switch mode {
	case "recommend", "serve", "sources", "rescore", "cache":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode != "rescore" {
		errs = append(errs, c.validateCache()...)
	}
	if mode == "recommend" || mode == "serve" || mode == "sources" {
		errs = append(errs, c.validateSources()...)
		errs = append(errs, c.validatePipeline()...)
	}
	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Server.RateLimitPerMin < 0 {
			errs = append(errs, "server.rate_limit_per_min must be >= 0")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateCache() []string {
	var errs []string
	switch c.Cache.Backend {
	case "memory":
	case "sqlite":
		if c.Cache.SQLitePath == "" {
			errs = append(errs, "cache.sqlite_path is required for the sqlite backend")
		}
	case "valkey":
		if c.Cache.ValkeyAddr == "" {
			errs = append(errs, "cache.valkey_addr is required for the valkey backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.backend must be memory, sqlite or valkey, got %q", c.Cache.Backend))
	}
	for kind, h := range c.Cache.TTLHours {
		if h < 0 {
			errs = append(errs, fmt.Sprintf("cache.ttl_hours.%s must be >= 0", kind))
		}
	}
	return errs
}

func (c *Config) validateSources() []string {
	var errs []string
	switch c.Sources.Mode {
	case "fixture":
	case "live":
		if c.Sources.Property.APIKey == "" && !c.Sources.Property.Disabled {
			errs = append(errs, "sources.property.api_key is required in live mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("sources.mode must be live or fixture, got %q", c.Sources.Mode))
	}

	critical := 0
	by := c.Sources.ByID()
	for _, id := range SourceIDs {
		s := by[id]
		if s.Disabled {
			continue
		}
		switch strings.ToLower(s.Criticality) {
		case "critical":
			critical++
		case "important", "optional":
		default:
			errs = append(errs, fmt.Sprintf("sources.%s.criticality must be critical, important or optional", id))
		}
		if s.RatePerSec < 0 {
			errs = append(errs, fmt.Sprintf("sources.%s.rate_per_sec must be >= 0", id))
		}
	}
	if critical == 0 {
		errs = append(errs, "at least one enabled source must be critical")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	p := c.Pipeline
	if p.Concurrency < 1 || p.Concurrency > 64 {
		errs = append(errs, "pipeline.concurrency must be between 1 and 64")
	}
	if p.PerSourceConcurrency < 1 {
		errs = append(errs, "pipeline.per_source_concurrency must be >= 1")
	}
	if p.AreaTimeoutSecs <= 0 {
		errs = append(errs, "pipeline.area_timeout_secs must be > 0")
	}
	if p.DeadlineSecs < p.AreaTimeoutSecs {
		errs = append(errs, "pipeline.deadline_secs must be >= pipeline.area_timeout_secs")
	}
	if p.AffordabilityThreshold < 0 || p.AffordabilityThreshold > 100 {
		errs = append(errs, "pipeline.affordability_threshold must be between 0 and 100")
	}
	if p.MaxCandidates < 1 {
		errs = append(errs, "pipeline.max_candidates must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
