package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/blake2b"

	"github.com/irfndi/celebrum-patterns/internal/cycles"
	"github.com/irfndi/celebrum-patterns/internal/patterns"
	"github.com/irfndi/celebrum-patterns/internal/regime"
	"github.com/irfndi/celebrum-patterns/internal/series"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Analysis    AnalysisConfig  `mapstructure:"analysis"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	EventsTable     string `mapstructure:"events_table"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime string `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	TTL       string `mapstructure:"ttl"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Exporter       string `mapstructure:"exporter"` // otlp or stdout
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	LogsEnabled    bool   `mapstructure:"logs_enabled"`
}

// AnalysisConfig groups every parameter that influences analysis output.
type AnalysisConfig struct {
	Series       SeriesConfig       `mapstructure:"series" json:"series"`
	Cycles       CyclesConfig       `mapstructure:"cycles" json:"cycles"`
	Regime       RegimeConfig       `mapstructure:"regime" json:"regime"`
	Patterns     PatternsConfig     `mapstructure:"patterns" json:"patterns"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" json:"-"`
}

type SeriesConfig struct {
	Granularity string `mapstructure:"granularity" json:"granularity"`
	Aggregation string `mapstructure:"aggregation" json:"aggregation"`
	Fill        string `mapstructure:"fill" json:"fill"`
	// FeatureWindow adds rolling mean/std features for the regime detector; 0 disables.
	FeatureWindow int `mapstructure:"feature_window" json:"feature_window"`
}

type CyclesConfig struct {
	MinStrength       float64 `mapstructure:"min_strength" json:"min_strength"`
	MinConfidence     float64 `mapstructure:"min_confidence" json:"min_confidence"`
	IncludeForecast   bool    `mapstructure:"include_forecast" json:"include_forecast"`
	ForecastHorizon   int     `mapstructure:"forecast_horizon" json:"forecast_horizon"`
	MaxPeriodDays     float64 `mapstructure:"max_period_days" json:"max_period_days"`
	HarmonicTolerance float64 `mapstructure:"harmonic_tolerance" json:"harmonic_tolerance"`
	PaddingFactor     int     `mapstructure:"padding_factor" json:"padding_factor"`
	MaxCycles         int     `mapstructure:"max_cycles" json:"max_cycles"`
}

type RegimeConfig struct {
	NStates       int     `mapstructure:"n_states" json:"n_states"`
	MaxIterations int     `mapstructure:"max_iterations" json:"max_iterations"`
	Tolerance     float64 `mapstructure:"tolerance" json:"tolerance"`
	RidgeFactor   float64 `mapstructure:"ridge_factor" json:"ridge_factor"`
	MaxCondition  float64 `mapstructure:"max_condition" json:"max_condition"`
}

type PatternsConfig struct {
	WindowSize          int     `mapstructure:"window_size" json:"window_size"`
	TopK                int     `mapstructure:"top_k" json:"top_k"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" json:"similarity_threshold"`
	BandRatio           float64 `mapstructure:"band_ratio" json:"band_ratio"`
	Stride              int     `mapstructure:"stride" json:"stride"`
	MinGap              int     `mapstructure:"min_gap" json:"min_gap"`
	Normalize           bool    `mapstructure:"normalize" json:"normalize"`
}

type OrchestratorConfig struct {
	CyclesTimeout      string `mapstructure:"cycles_timeout"`
	RegimeTimeout      string `mapstructure:"regime_timeout"`
	PatternsTimeout    string `mapstructure:"patterns_timeout"`
	LoadTimeout        string `mapstructure:"load_timeout"`
	MaxCompareSubjects int    `mapstructure:"max_compare_subjects"`
	MaxParallel        int    `mapstructure:"max_parallel"` // 0 = sized from host resources
	LoadRetries        int    `mapstructure:"load_retries"`

	// The result cache is bypassed for CacheCooldown after CacheFailureThreshold
	// consecutive failures.
	CacheFailureThreshold int    `mapstructure:"cache_failure_threshold"`
	CacheCooldown         string `mapstructure:"cache_cooldown"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("database.database_url", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind DATABASE_URL environment variable: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if config.Cache.TTL != "" {
		if _, err := time.ParseDuration(config.Cache.TTL); err != nil {
			return nil, fmt.Errorf("invalid cache ttl: %w", err)
		}
	}
	if err := config.Analysis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "celebrum_patterns")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.events_table", "events")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "300s")
	viper.SetDefault("database.conn_max_idle_time", "60s")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.key_prefix", "analysis")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.exporter", "otlp")
	viper.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	viper.SetDefault("telemetry.service_name", "celebrum-patterns")
	viper.SetDefault("telemetry.service_version", "1.0.0")
	viper.SetDefault("telemetry.logs_enabled", false)

	def := DefaultAnalysisConfig()
	viper.SetDefault("analysis.series.granularity", def.Series.Granularity)
	viper.SetDefault("analysis.series.aggregation", def.Series.Aggregation)
	viper.SetDefault("analysis.series.fill", def.Series.Fill)
	viper.SetDefault("analysis.series.feature_window", def.Series.FeatureWindow)

	viper.SetDefault("analysis.cycles.min_strength", def.Cycles.MinStrength)
	viper.SetDefault("analysis.cycles.min_confidence", def.Cycles.MinConfidence)
	viper.SetDefault("analysis.cycles.include_forecast", def.Cycles.IncludeForecast)
	viper.SetDefault("analysis.cycles.forecast_horizon", def.Cycles.ForecastHorizon)
	viper.SetDefault("analysis.cycles.max_period_days", def.Cycles.MaxPeriodDays)
	viper.SetDefault("analysis.cycles.harmonic_tolerance", def.Cycles.HarmonicTolerance)
	viper.SetDefault("analysis.cycles.padding_factor", def.Cycles.PaddingFactor)
	viper.SetDefault("analysis.cycles.max_cycles", def.Cycles.MaxCycles)

	viper.SetDefault("analysis.regime.n_states", def.Regime.NStates)
	viper.SetDefault("analysis.regime.max_iterations", def.Regime.MaxIterations)
	viper.SetDefault("analysis.regime.tolerance", def.Regime.Tolerance)
	viper.SetDefault("analysis.regime.ridge_factor", def.Regime.RidgeFactor)
	viper.SetDefault("analysis.regime.max_condition", def.Regime.MaxCondition)

	viper.SetDefault("analysis.patterns.window_size", def.Patterns.WindowSize)
	viper.SetDefault("analysis.patterns.top_k", def.Patterns.TopK)
	viper.SetDefault("analysis.patterns.similarity_threshold", def.Patterns.SimilarityThreshold)
	viper.SetDefault("analysis.patterns.band_ratio", def.Patterns.BandRatio)
	viper.SetDefault("analysis.patterns.stride", def.Patterns.Stride)
	viper.SetDefault("analysis.patterns.min_gap", def.Patterns.MinGap)
	viper.SetDefault("analysis.patterns.normalize", def.Patterns.Normalize)

	viper.SetDefault("analysis.orchestrator.cycles_timeout", def.Orchestrator.CyclesTimeout)
	viper.SetDefault("analysis.orchestrator.regime_timeout", def.Orchestrator.RegimeTimeout)
	viper.SetDefault("analysis.orchestrator.patterns_timeout", def.Orchestrator.PatternsTimeout)
	viper.SetDefault("analysis.orchestrator.load_timeout", def.Orchestrator.LoadTimeout)
	viper.SetDefault("analysis.orchestrator.max_compare_subjects", def.Orchestrator.MaxCompareSubjects)
	viper.SetDefault("analysis.orchestrator.max_parallel", def.Orchestrator.MaxParallel)
	viper.SetDefault("analysis.orchestrator.load_retries", def.Orchestrator.LoadRetries)
	viper.SetDefault("analysis.orchestrator.cache_failure_threshold", def.Orchestrator.CacheFailureThreshold)
	viper.SetDefault("analysis.orchestrator.cache_cooldown", def.Orchestrator.CacheCooldown)
}

// DefaultAnalysisConfig mirrors the detector defaults.
func DefaultAnalysisConfig() AnalysisConfig {
	c := cycles.DefaultConfig()
	r := regime.DefaultConfig()
	p := patterns.DefaultConfig()
	return AnalysisConfig{
		Series: SeriesConfig{
			Granularity:   "24h",
			Aggregation:   string(series.AggregateCount),
			FeatureWindow: 7,
		},
		Cycles: CyclesConfig{
			MinStrength:       c.MinStrength,
			MinConfidence:     c.MinConfidence,
			IncludeForecast:   c.IncludeForecast,
			ForecastHorizon:   c.ForecastHorizon,
			MaxPeriodDays:     c.MaxPeriodDays,
			HarmonicTolerance: c.HarmonicTolerance,
			PaddingFactor:     c.PaddingFactor,
			MaxCycles:         c.MaxCycles,
		},
		Regime: RegimeConfig{
			NStates:       r.NStates,
			MaxIterations: r.MaxIterations,
			Tolerance:     r.Tolerance,
			RidgeFactor:   r.RidgeFactor,
			MaxCondition:  r.MaxCondition,
		},
		Patterns: PatternsConfig{
			WindowSize:          p.WindowSize,
			TopK:                p.TopK,
			SimilarityThreshold: p.SimilarityThreshold,
			BandRatio:           p.BandRatio,
			Stride:              p.Stride,
			MinGap:              p.MinGap,
			Normalize:           p.Normalize,
		},
		Orchestrator: OrchestratorConfig{
			CyclesTimeout:      "30s",
			RegimeTimeout:      "60s",
			PatternsTimeout:    "30s",
			LoadTimeout:        "10s",
			MaxCompareSubjects: 10,
			LoadRetries:        2,

			CacheFailureThreshold: 5,
			CacheCooldown:         "30s",
		},
	}
}

// Validate rejects out-of-range detector parameters and unparsable durations.
func (a AnalysisConfig) Validate() error {
	if _, err := a.Series.ToOptions(""); err != nil {
		return err
	}
	if a.Series.FeatureWindow == 1 || a.Series.FeatureWindow < 0 {
		return fmt.Errorf("series feature_window must be 0 or at least 2, got %d", a.Series.FeatureWindow)
	}
	if err := a.Cycles.ToDetectorConfig().Validate(); err != nil {
		return err
	}
	if err := a.Regime.ToDetectorConfig().Validate(); err != nil {
		return err
	}
	if err := a.Patterns.ToDetectorConfig().Validate(); err != nil {
		return err
	}
	for name, value := range map[string]string{
		"cycles_timeout":   a.Orchestrator.CyclesTimeout,
		"regime_timeout":   a.Orchestrator.RegimeTimeout,
		"patterns_timeout": a.Orchestrator.PatternsTimeout,
		"load_timeout":     a.Orchestrator.LoadTimeout,
		"cache_cooldown":   a.Orchestrator.CacheCooldown,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid orchestrator %s: %w", name, err)
		}
	}
	if a.Orchestrator.MaxCompareSubjects < 2 {
		return fmt.Errorf("max_compare_subjects must be at least 2, got %d", a.Orchestrator.MaxCompareSubjects)
	}
	if a.Orchestrator.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative, got %d", a.Orchestrator.MaxParallel)
	}
	if a.Orchestrator.LoadRetries < 0 {
		return fmt.Errorf("load_retries must not be negative, got %d", a.Orchestrator.LoadRetries)
	}
	return nil
}

// Hash fingerprints the output-relevant parameters for cache keys. Orchestrator
// settings are excluded since they do not change results.
func (a AnalysisConfig) Hash() string {
	data, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// ToOptions converts the series section into preparation options.
func (s SeriesConfig) ToOptions(subjectID string) (series.Options, error) {
	opts := series.Options{
		SubjectID:   subjectID,
		Aggregation: series.Aggregation(s.Aggregation),
		Fill:        series.FillStrategy(s.Fill),
	}
	if s.Granularity != "" {
		d, err := time.ParseDuration(s.Granularity)
		if err != nil {
			return opts, fmt.Errorf("invalid series granularity: %w", err)
		}
		if d <= 0 {
			return opts, fmt.Errorf("series granularity must be positive, got %s", s.Granularity)
		}
		opts.Granularity = d
	}
	switch opts.Aggregation {
	case "", series.AggregateCount, series.AggregateSum, series.AggregateMean, series.AggregateLast:
	default:
		return opts, fmt.Errorf("unknown series aggregation %q", s.Aggregation)
	}
	switch opts.Fill {
	case "", series.FillZero, series.FillLinear, series.FillForward:
	default:
		return opts, fmt.Errorf("unknown series fill strategy %q", s.Fill)
	}
	return opts, nil
}

func (c CyclesConfig) ToDetectorConfig() cycles.Config {
	return cycles.Config{
		MinStrength:       c.MinStrength,
		MinConfidence:     c.MinConfidence,
		IncludeForecast:   c.IncludeForecast,
		ForecastHorizon:   c.ForecastHorizon,
		MaxPeriodDays:     c.MaxPeriodDays,
		HarmonicTolerance: c.HarmonicTolerance,
		PaddingFactor:     c.PaddingFactor,
		MaxCycles:         c.MaxCycles,
	}
}

func (r RegimeConfig) ToDetectorConfig() regime.Config {
	return regime.Config{
		NStates:       r.NStates,
		MaxIterations: r.MaxIterations,
		Tolerance:     r.Tolerance,
		RidgeFactor:   r.RidgeFactor,
		MaxCondition:  r.MaxCondition,
	}
}

func (p PatternsConfig) ToDetectorConfig() patterns.Config {
	return patterns.Config{
		WindowSize:          p.WindowSize,
		TopK:                p.TopK,
		SimilarityThreshold: p.SimilarityThreshold,
		BandRatio:           p.BandRatio,
		Stride:              p.Stride,
		MinGap:              p.MinGap,
		Normalize:           p.Normalize,
	}
}

// GetTimeout parses a duration setting, falling back when empty or invalid.
func GetTimeout(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetTTL returns the cache TTL, defaulting to one hour.
func (c CacheConfig) GetTTL() time.Duration {
	return GetTimeout(c.TTL, time.Hour)
}
