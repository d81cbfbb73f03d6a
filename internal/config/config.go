package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shelfwise/flyer-pipeline/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Vision    VisionConfig    `yaml:"vision" mapstructure:"vision"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Matching  MatchingConfig  `yaml:"matching" mapstructure:"matching"`
	Images    ImagesConfig    `yaml:"images" mapstructure:"images"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// VisionConfig holds the vision endpoint settings.
type VisionConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	AuthURL      string `yaml:"auth_url" mapstructure:"auth_url"`
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	Model        string `yaml:"model" mapstructure:"model"`
	MaxRetries   int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// AnthropicConfig holds Anthropic API settings for the matching scorer.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PipelineConfig configures extraction behavior.
type PipelineConfig struct {
	InterCallDelaySecs    int     `yaml:"inter_call_delay_secs" mapstructure:"inter_call_delay_secs"`
	DetectionTimeoutSecs  int     `yaml:"detection_timeout_secs" mapstructure:"detection_timeout_secs"`
	QualityScoreThreshold float64 `yaml:"quality_score_threshold" mapstructure:"quality_score_threshold"`
	DirectGeneration      bool    `yaml:"direct_generation" mapstructure:"direct_generation"`
}

// InterCallDelay returns the configured delay as a duration.
func (c PipelineConfig) InterCallDelay() time.Duration {
	return time.Duration(c.InterCallDelaySecs) * time.Second
}

// DetectionTimeout returns the configured timeout as a duration.
func (c PipelineConfig) DetectionTimeout() time.Duration {
	return time.Duration(c.DetectionTimeoutSecs) * time.Second
}

// MatchingConfig configures catalog matching.
type MatchingConfig struct {
	MaxCandidates        int     `yaml:"max_candidates" mapstructure:"max_candidates"`
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
}

// ImagesConfig configures extracted-image storage.
type ImagesConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// IngestConfig configures the supplier FTP drop.
type IngestConfig struct {
	FTPUser     string `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword string `yaml:"ftp_password" mapstructure:"ftp_password"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FLYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("vision.model", "vision-extract-2")
	v.SetDefault("vision.max_retries", 3)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("pipeline.inter_call_delay_secs", 2)
	v.SetDefault("pipeline.detection_timeout_secs", 45)
	v.SetDefault("pipeline.quality_score_threshold", 0.7)
	v.SetDefault("pipeline.direct_generation", true)
	v.SetDefault("matching.max_candidates", 25)
	v.SetDefault("matching.auto_approve_threshold", 0.85)
	v.SetDefault("images.dir", "./data/images")
	v.SetDefault("ingest.timeout_secs", 30)

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

// Validate checks that the settings a command actually uses are present and
// sane. mode is the command family: "pipeline", "matching", or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	requireStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url (a file path) is required for the sqlite driver")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "pipeline":
		requireStore()
		if c.Vision.BaseURL == "" {
			problems = append(problems, "vision.base_url is required")
		}
		if c.Vision.ClientID == "" || c.Vision.ClientSecret == "" {
			problems = append(problems, "vision.client_id and vision.client_secret are required")
		}
		if c.Pipeline.QualityScoreThreshold < 0 || c.Pipeline.QualityScoreThreshold > 1 {
			problems = append(problems, "pipeline.quality_score_threshold must be within [0, 1]")
		}
		if c.Pipeline.InterCallDelaySecs < 0 {
			problems = append(problems, "pipeline.inter_call_delay_secs must be >= 0")
		}
	case "matching":
		requireStore()
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Matching.AutoApproveThreshold < 0 || c.Matching.AutoApproveThreshold > 1 {
			problems = append(problems, "matching.auto_approve_threshold must be within [0, 1]")
		}
	case "serve":
		requireStore()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "store":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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
