package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration. Empirical thresholds that
// shape agent behavior (loop windows, similarity cutoffs, cache TTLs) live
// here rather than as constants so they can be tuned per deployment.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Grounding GroundingConfig `mapstructure:"grounding" yaml:"grounding"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	Decision  DecisionConfig  `mapstructure:"decision" yaml:"decision"`
	Alignment AlignmentConfig `mapstructure:"alignment" yaml:"alignment"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig tunes the WebSocket endpoint carrying the session protocol.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SessionConfig governs session lifecycle.
type SessionConfig struct {
	DefaultMaxIterations int           `mapstructure:"default_max_iterations" yaml:"default_max_iterations"`
	PlanMaxIterations    int           `mapstructure:"plan_max_iterations" yaml:"plan_max_iterations"`
	IdleTTL              time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	HistoryLimit         int           `mapstructure:"history_limit" yaml:"history_limit"`
}

// GroundingConfig tunes the UI grounding cache and its vision provider.
type GroundingConfig struct {
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SimilarityCutoff  float64       `mapstructure:"similarity_cutoff" yaml:"similarity_cutoff"`
	ElementConfidence float64       `mapstructure:"element_confidence" yaml:"element_confidence"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	RequestBurst      int           `mapstructure:"request_burst" yaml:"request_burst"`
}

// PolicyConfig holds the action-policy thresholds.
type PolicyConfig struct {
	RepeatWindow       int `mapstructure:"repeat_window" yaml:"repeat_window"`
	RepeatThreshold    int `mapstructure:"repeat_threshold" yaml:"repeat_threshold"`
	UnchangedThreshold int `mapstructure:"unchanged_threshold" yaml:"unchanged_threshold"`
	StuckClickCount    int `mapstructure:"stuck_click_count" yaml:"stuck_click_count"`
}

// ProviderConfig configures one decision-model provider.
type ProviderConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// DecisionConfig configures the decision router.
type DecisionConfig struct {
	Order     []string                  `mapstructure:"order" yaml:"order"`
	Timeout   time.Duration             `mapstructure:"timeout" yaml:"timeout"`
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// AlignmentConfig tunes the periodic goal-alignment check.
type AlignmentConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	WarmupIterations int  `mapstructure:"warmup_iterations" yaml:"warmup_iterations"`
	Interval         int  `mapstructure:"interval" yaml:"interval"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "deskpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.addr", ":8420")
	v.SetDefault("server.path", "/session")
	v.SetDefault("server.max_message_bytes", 8<<20)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.pong_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// -- Session --
	v.SetDefault("session.default_max_iterations", 30)
	// Plan execution is more constrained than free-form pursuit and is
	// allowed a larger budget.
	v.SetDefault("session.plan_max_iterations", 60)
	v.SetDefault("session.idle_ttl", "30m")
	v.SetDefault("session.sweep_interval", "1m")
	v.SetDefault("session.history_limit", 100)

	// -- Grounding --
	v.SetDefault("grounding.timeout", "45s")
	// Static layouts rarely change; keep parsed screens for days.
	v.SetDefault("grounding.cache_ttl", "72h")
	v.SetDefault("grounding.sweep_interval", "10m")
	v.SetDefault("grounding.similarity_cutoff", 0.6)
	v.SetDefault("grounding.element_confidence", 0.9)
	v.SetDefault("grounding.requests_per_second", 2.0)
	v.SetDefault("grounding.request_burst", 4)

	// -- Policy --
	v.SetDefault("policy.repeat_window", 5)
	v.SetDefault("policy.repeat_threshold", 3)
	v.SetDefault("policy.unchanged_threshold", 2)
	v.SetDefault("policy.stuck_click_count", 3)

	// -- Decision --
	v.SetDefault("decision.order", []string{"gemini", "openai"})
	v.SetDefault("decision.timeout", "60s")
	v.SetDefault("decision.providers.gemini.model", "gemini-2.5-pro")
	v.SetDefault("decision.providers.gemini.temperature", 0.2)
	v.SetDefault("decision.providers.gemini.max_tokens", 1024)
	v.SetDefault("decision.providers.gemini.api_timeout", "55s")
	v.SetDefault("decision.providers.openai.model", "gpt-4o")
	v.SetDefault("decision.providers.openai.temperature", 0.2)
	v.SetDefault("decision.providers.openai.max_tokens", 1024)
	v.SetDefault("decision.providers.openai.api_timeout", "55s")

	// -- Alignment --
	v.SetDefault("alignment.enabled", true)
	v.SetDefault("alignment.warmup_iterations", 3)
	v.SetDefault("alignment.interval", 3)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("grounding.api_key", "DESKPILOT_GROUNDING_API_KEY")
	v.BindEnv("decision.providers.gemini.api_key", "DESKPILOT_GEMINI_API_KEY")
	v.BindEnv("decision.providers.openai.api_key", "DESKPILOT_OPENAI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Session.DefaultMaxIterations <= 0 {
		return fmt.Errorf("session.default_max_iterations must be a positive integer")
	}
	if c.Session.PlanMaxIterations < c.Session.DefaultMaxIterations {
		return fmt.Errorf("session.plan_max_iterations must be at least session.default_max_iterations")
	}
	if c.Grounding.SimilarityCutoff < 0.0 || c.Grounding.SimilarityCutoff > 1.0 {
		return fmt.Errorf("grounding.similarity_cutoff must be between 0.0 and 1.0")
	}
	if c.Grounding.ElementConfidence <= 0.0 || c.Grounding.ElementConfidence > 1.0 {
		return fmt.Errorf("grounding.element_confidence must be in (0.0, 1.0]")
	}
	if c.Policy.RepeatWindow < c.Policy.RepeatThreshold {
		return fmt.Errorf("policy.repeat_window must be at least policy.repeat_threshold")
	}
	if len(c.Decision.Order) == 0 {
		return fmt.Errorf("decision.order must name at least one provider")
	}
	for _, name := range c.Decision.Order {
		if _, ok := c.Decision.Providers[name]; !ok {
			return fmt.Errorf("decision.order references unconfigured provider %q", name)
		}
	}
	if c.Alignment.Enabled && c.Alignment.Interval <= 0 {
		return fmt.Errorf("alignment.interval must be a positive integer")
	}
	return nil
}
