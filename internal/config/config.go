package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/agents"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/degradation"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/logging"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/tracing"
)

// EnvPrefix prefixes environment overrides, e.g. QUERYPIPE_PIPELINE_GLOBAL_BUDGET.
const EnvPrefix = "QUERYPIPE"

// Config is the whole service configuration. It is treated as immutable once
// loaded; reloads produce a new value.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Logging     logging.Config     `mapstructure:"logging"`
	Tracing     tracing.Config     `mapstructure:"tracing"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Streaming   StreamingConfig    `mapstructure:"streaming"`
	Pipeline    PipelineSection    `mapstructure:"pipeline"`
	Degradation DegradationSection `mapstructure:"degradation"`
	Breakers    BreakersSection    `mapstructure:"breakers"`
	Agents      agents.Config      `mapstructure:"agents"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminAddr       string        `mapstructure:"admin_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxQueryLength  int           `mapstructure:"max_query_length"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type StreamingConfig struct {
	// BufferSize is the number of events kept per trace for replay.
	BufferSize int `mapstructure:"buffer_size"`
	// RedisStreams mirrors progress events to Redis when Redis is configured.
	RedisStreams bool          `mapstructure:"redis_streams"`
	MaxLen       int64         `mapstructure:"max_len"`
	TTL          time.Duration `mapstructure:"ttl"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	// StoreQueue bounds events waiting to be mirrored to Redis; overflow is dropped.
	StoreQueue   int           `mapstructure:"store_queue"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

// PipelineSection describes the stages and run budgets.
type PipelineSection struct {
	GlobalBudget      time.Duration `mapstructure:"global_budget"`
	SequentialReserve time.Duration `mapstructure:"sequential_reserve"`
	TokenBudget       int           `mapstructure:"token_budget"`
	StageDefaults     StageDefaults `mapstructure:"stage_defaults"`
	Stages            []StageConfig `mapstructure:"stages"`
	// SnippetCount and SnippetMaxLen shape the snippet_answer fallback.
	SnippetCount  int `mapstructure:"snippet_count"`
	SnippetMaxLen int `mapstructure:"snippet_max_len"`
}

// StageDefaults fill retry policy fields a stage leaves unset.
type StageDefaults struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

type StageConfig struct {
	Name          string        `mapstructure:"name"`
	Role          string        `mapstructure:"role"`
	Agents        []string      `mapstructure:"agents"`
	Mode          string        `mapstructure:"mode"`
	Wave          string        `mapstructure:"wave"`
	DependsOn     []string      `mapstructure:"depends_on"`
	MaxRetries    *int          `mapstructure:"max_retries"`
	Timeout       time.Duration `mapstructure:"timeout"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	Fallbacks     []string      `mapstructure:"fallbacks"`
	Required      bool          `mapstructure:"required"`
	Output        string        `mapstructure:"output"`
}

type DegradationSection struct {
	OptionalFailureFactor float64 `mapstructure:"optional_failure_factor"`
	FallbackFactor        float64 `mapstructure:"fallback_factor"`
	ApologyAnswer         string  `mapstructure:"apology_answer"`
	// TemplatesFile overrides advisory templates by class.
	TemplatesFile string `mapstructure:"templates_file"`
}

// BreakersSection configures circuit breakers. Agents holds per-agent
// overrides keyed by agent kind.
type BreakersSection struct {
	Default  circuitbreaker.Settings            `mapstructure:"default"`
	Agents   map[string]circuitbreaker.Settings `mapstructure:"agents"`
	HTTP     circuitbreaker.Settings            `mapstructure:"http"`
	Redis    circuitbreaker.Settings            `mapstructure:"redis"`
	Database circuitbreaker.Settings            `mapstructure:"database"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_addr", ":2112")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_query_length", 4000)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "querypipe")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("streaming.buffer_size", 256)
	v.SetDefault("streaming.redis_streams", true)
	v.SetDefault("streaming.max_len", 1000)
	v.SetDefault("streaming.ttl", "24h")
	v.SetDefault("streaming.heartbeat", "15s")
	v.SetDefault("streaming.store_queue", 1024)
	v.SetDefault("streaming.store_timeout", "500ms")

	v.SetDefault("pipeline.global_budget", "30s")
	v.SetDefault("pipeline.sequential_reserve", "12s")
	v.SetDefault("pipeline.token_budget", 0)
	v.SetDefault("pipeline.stage_defaults.max_retries", 2)
	v.SetDefault("pipeline.stage_defaults.timeout", "5s")
	v.SetDefault("pipeline.stage_defaults.base_delay", "200ms")
	v.SetDefault("pipeline.stage_defaults.backoff_factor", 2.0)
	v.SetDefault("pipeline.stage_defaults.max_backoff", "1m")
	v.SetDefault("pipeline.snippet_count", pipeline.DefaultSnippetCount)
	v.SetDefault("pipeline.snippet_max_len", pipeline.DefaultSnippetMaxLen)

	d := degradation.DefaultConfig()
	v.SetDefault("degradation.optional_failure_factor", d.OptionalFailureFactor)
	v.SetDefault("degradation.fallback_factor", d.FallbackFactor)
	v.SetDefault("degradation.apology_answer", d.ApologyAnswer)
	v.SetDefault("degradation.templates_file", "")

	setBreakerDefaults(v, "breakers.default", circuitbreaker.DefaultSettings())
	setBreakerDefaults(v, "breakers.http", circuitbreaker.DefaultSettings())
	setBreakerDefaults(v, "breakers.redis", circuitbreaker.RedisSettings())
	setBreakerDefaults(v, "breakers.database", circuitbreaker.DatabaseSettings())
}

func setBreakerDefaults(v *viper.Viper, prefix string, s circuitbreaker.Settings) {
	v.SetDefault(prefix+".max_requests", s.MaxRequests)
	v.SetDefault(prefix+".interval", s.Interval)
	v.SetDefault(prefix+".open_timeout", s.OpenTimeout)
	v.SetDefault(prefix+".failure_threshold", s.FailureThreshold)
	v.SetDefault(prefix+".success_threshold", s.SuccessThreshold)
}

// Load reads the YAML file at path (optional), applies QUERYPIPE_* environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(c.Pipeline.Stages) == 0 {
		c.Pipeline.Stages = DefaultStages()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxQueryLength <= 0 {
		errs = append(errs, errors.New("server.max_query_length must be positive"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Streaming.BufferSize <= 0 {
		errs = append(errs, errors.New("streaming.buffer_size must be positive"))
	}
	if c.Streaming.StoreQueue <= 0 || c.Streaming.StoreTimeout <= 0 {
		errs = append(errs, errors.New("streaming.store_queue and streaming.store_timeout must be positive"))
	}
	if c.Pipeline.SnippetCount <= 0 || c.Pipeline.SnippetMaxLen <= 0 {
		errs = append(errs, errors.New("pipeline.snippet_count and pipeline.snippet_max_len must be positive"))
	}

	if pc, err := c.PipelineConfig(); err != nil {
		errs = append(errs, err)
	} else if err := pipeline.ValidateConfig(pc, nil, pipeline.NewFallbackSet()); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	dc := degradation.Config{
		OptionalFailureFactor: c.Degradation.OptionalFailureFactor,
		FallbackFactor:        c.Degradation.FallbackFactor,
		ApologyAnswer:         c.Degradation.ApologyAnswer,
	}
	if _, err := degradation.NewAggregator(dc); err != nil {
		errs = append(errs, fmt.Errorf("degradation: %w", err))
	}

	for name, s := range map[string]circuitbreaker.Settings{
		"default": c.Breakers.Default, "http": c.Breakers.HTTP,
		"redis": c.Breakers.Redis, "database": c.Breakers.Database,
	} {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("breakers.%s: %w", name, err))
		}
	}
	for name, s := range c.Breakers.Agents {
		if _, err := pipeline.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("breakers.agents: %w", err))
		}
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("breakers.agents.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// PipelineConfig converts the pipeline section into the coordinator's
// configuration, filling retry policy from the stage defaults.
func (c *Config) PipelineConfig() (pipeline.PipelineConfig, error) {
	d := c.Pipeline.StageDefaults
	pc := pipeline.PipelineConfig{
		GlobalBudget:      c.Pipeline.GlobalBudget,
		SequentialReserve: c.Pipeline.SequentialReserve,
		TokenBudget:       c.Pipeline.TokenBudget,
		Stages:            make([]pipeline.StageDescriptor, 0, len(c.Pipeline.Stages)),
	}
	var errs []error
	for _, s := range c.Pipeline.Stages {
		sd := pipeline.StageDescriptor{
			Name:          s.Name,
			Role:          pipeline.Role(s.Role),
			Mode:          pipeline.Mode(s.Mode),
			Wave:          s.Wave,
			DependsOn:     append([]string(nil), s.DependsOn...),
			MaxRetries:    d.MaxRetries,
			Timeout:       firstDuration(s.Timeout, d.Timeout),
			BaseDelay:     firstDuration(s.BaseDelay, d.BaseDelay),
			BackoffFactor: s.BackoffFactor,
			MaxBackoff:    firstDuration(s.MaxBackoff, d.MaxBackoff),
			Fallbacks:     append([]string(nil), s.Fallbacks...),
			Required:      s.Required,
			Output:        s.Output,
		}
		if s.MaxRetries != nil {
			sd.MaxRetries = *s.MaxRetries
		}
		if sd.BackoffFactor == 0 {
			sd.BackoffFactor = d.BackoffFactor
		}
		if sd.Mode == "" {
			sd.Mode = pipeline.ModeSequential
		}
		if sd.Output == "" {
			sd.Output = s.Name
		}
		for _, a := range s.Agents {
			k, err := pipeline.ParseKind(a)
			if err != nil {
				errs = append(errs, fmt.Errorf("stage %s: %w", s.Name, err))
				continue
			}
			sd.Agents = append(sd.Agents, k)
		}
		pc.Stages = append(pc.Stages, sd)
	}
	return pc, errors.Join(errs...)
}

// DegradationConfig builds the aggregator configuration, reading template
// overrides from disk.
func (c *Config) DegradationConfig() (degradation.Config, error) {
	tmpls, err := degradation.LoadTemplates(c.Degradation.TemplatesFile)
	if err != nil {
		return degradation.Config{}, err
	}
	return degradation.Config{
		OptionalFailureFactor: c.Degradation.OptionalFailureFactor,
		FallbackFactor:        c.Degradation.FallbackFactor,
		ApologyAnswer:         c.Degradation.ApologyAnswer,
		Templates:             tmpls,
	}, nil
}

func firstDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func intPtr(v int) *int { return &v }

// DefaultStages is the standard layout: a parallel retrieval wave, a parallel
// best-effort enrichment wave, then fact-check, synthesis and citation.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{
			Name: "retrieval", Role: string(pipeline.RoleRetrieval), Agents: []string{string(pipeline.KindRetrieval)},
			Mode: string(pipeline.ModeParallel), Wave: "retrieval", Required: true, Output: pipeline.SlotDocuments,
			Fallbacks: []string{pipeline.FallbackBroadenQuery, pipeline.FallbackKeywordSearch, pipeline.FallbackGraphSearch},
		},
		{
			Name: "knowledge_graph", Role: string(pipeline.RoleRetrieval), Agents: []string{string(pipeline.KindKnowledgeGraph)},
			Mode: string(pipeline.ModeParallel), Wave: "retrieval", Output: pipeline.SlotGraph, MaxRetries: intPtr(1),
		},
		{
			Name: "web_enrichment", Role: string(pipeline.RoleEnrichment), Agents: []string{string(pipeline.KindWebEnrichment)},
			Mode: string(pipeline.ModeParallel), Wave: "enrichment", Output: pipeline.SlotWebEnrichment, MaxRetries: intPtr(1),
		},
		{
			Name: "db_enrichment", Role: string(pipeline.RoleEnrichment), Agents: []string{string(pipeline.KindDBEnrichment)},
			Mode: string(pipeline.ModeParallel), Wave: "enrichment", Output: pipeline.SlotDBEnrichment, MaxRetries: intPtr(1),
		},
		{
			Name: "fact_check", Role: string(pipeline.RoleFactCheck), Agents: []string{string(pipeline.KindFactCheck)},
			Mode: string(pipeline.ModeSequential), DependsOn: []string{"retrieval"}, Output: pipeline.SlotFacts,
			Fallbacks: []string{pipeline.FallbackUnverifiedFacts},
		},
		{
			Name: "synthesis", Role: string(pipeline.RoleSynthesis), Agents: []string{string(pipeline.KindSynthesis)},
			Mode: string(pipeline.ModeSequential), DependsOn: []string{"fact_check"}, Required: true, Output: pipeline.SlotAnswer,
			Timeout: 15 * time.Second, Fallbacks: []string{pipeline.FallbackSnippetAnswer},
		},
		{
			Name: "citation", Role: string(pipeline.RoleCitation), Agents: []string{string(pipeline.KindCitation)},
			Mode: string(pipeline.ModeSequential), DependsOn: []string{"synthesis"}, Output: pipeline.SlotCitations,
			Fallbacks: []string{pipeline.FallbackPlainSources},
		},
	}
}
