// Package config provides unified configuration loading for markdown-ocr.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Provider names accepted by llm.provider.
const (
	ProviderOllama   = "ollama"
	ProviderLMStudio = "lm_studio"
)

// MaxContextWindowSize caps how many prior pages are carried into a prompt.
const MaxContextWindowSize = 50

// Config holds all configuration for markdown-ocr.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	LLM           LLMConfig           `yaml:"llm"`
	Rendering     RenderingConfig     `yaml:"rendering"`
	Conversion    ConversionConfig    `yaml:"conversion"`
	Registry      RegistryConfig      `yaml:"registry"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadMB      int64         `yaml:"max_upload_mb"`
	CORSOrigins      []string      `yaml:"cors_origins"`
}

// StorageConfig holds upload and output directories.
type StorageConfig struct {
	UploadDir string `yaml:"upload_dir"`
	OutputDir string `yaml:"output_dir"`
}

// LLMConfig holds model server settings.
type LLMConfig struct {
	Provider        string        `yaml:"provider"` // ollama or lm_studio
	BaseURL         string        `yaml:"base_url"`
	OllamaBaseURL   string        `yaml:"ollama_base_url"`
	LMStudioBaseURL string        `yaml:"lm_studio_base_url"`
	APIKey          string        `yaml:"api_key"`
	ModelName       string        `yaml:"model_name"`
	UseVision       bool          `yaml:"use_vision"`
	VisionModelName string        `yaml:"vision_model_name"`
	Temperature     float64       `yaml:"temperature"`
	TextTimeout     time.Duration `yaml:"text_timeout"`
	VisionTimeout   time.Duration `yaml:"vision_timeout"`
	Stream          bool          `yaml:"stream"`
}

// RenderingConfig holds page rasterization settings for vision mode.
type RenderingConfig struct {
	ImageDPI    float64 `yaml:"image_dpi"`
	ImageFormat string  `yaml:"image_format"` // png or jpeg
	JPEGQuality int     `yaml:"jpeg_quality"`
}

// ConversionConfig holds conversion engine settings.
type ConversionConfig struct {
	// MaxRetries is the total number of attempts per page, not the number
	// of extra attempts after the first.
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	ContextWindowSize int           `yaml:"context_window_size"`
	ContextCharBudget int           `yaml:"context_char_budget"`
	SkipBlankPages    bool          `yaml:"skip_blank_pages"`
}

// RegistryConfig holds task registry settings.
type RegistryConfig struct {
	Driver string        `yaml:"driver"` // memory or redis
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8000,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
			MaxUploadMB:      100,
			CORSOrigins:      []string{"*"},
		},
		Storage: StorageConfig{
			UploadDir: "uploads",
			OutputDir: "outputs",
		},
		LLM: LLMConfig{
			Provider:        ProviderLMStudio,
			OllamaBaseURL:   "http://localhost:11434/v1",
			LMStudioBaseURL: "http://localhost:1234/v1",
			APIKey:          "not-needed", // local servers ignore the key
			ModelName:       "zai-org/glm-4.6v-flash",
			Temperature:     0,
			TextTimeout:     120 * time.Second,
			VisionTimeout:   180 * time.Second,
		},
		Rendering: RenderingConfig{
			ImageDPI:    150,
			ImageFormat: "png",
			JPEGQuality: 95,
		},
		Conversion: ConversionConfig{
			MaxRetries:        3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        30 * time.Second,
			ContextWindowSize: 1,
			ContextCharBudget: 500,
			SkipBlankPages:    true,
		},
		Registry: RegistryConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
				Prefix:   "mdocr:task:",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "console",
			ServiceName: "markdown-ocr",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be positive")
	}

	if c.LLM.Provider != ProviderOllama && c.LLM.Provider != ProviderLMStudio {
		return fmt.Errorf("invalid llm provider: %s", c.LLM.Provider)
	}

	if strings.TrimSpace(c.LLM.ModelName) == "" {
		return fmt.Errorf("llm model_name is required")
	}

	if _, err := url.ParseRequestURI(c.BaseURL()); err != nil {
		return fmt.Errorf("invalid llm base url %q: %w", c.BaseURL(), err)
	}

	if c.LLM.TextTimeout <= 0 || c.LLM.VisionTimeout <= 0 {
		return fmt.Errorf("llm timeouts must be positive")
	}

	if c.Rendering.ImageDPI < 36 || c.Rendering.ImageDPI > 600 {
		return fmt.Errorf("image_dpi must be between 36 and 600")
	}

	if c.Rendering.ImageFormat != "png" && c.Rendering.ImageFormat != "jpeg" {
		return fmt.Errorf("invalid image format: %s", c.Rendering.ImageFormat)
	}

	if c.Rendering.JPEGQuality < 1 || c.Rendering.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100")
	}

	if c.Conversion.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}

	if c.Conversion.InitialBackoff < 0 || c.Conversion.MaxBackoff < c.Conversion.InitialBackoff {
		return fmt.Errorf("invalid backoff range %s..%s", c.Conversion.InitialBackoff, c.Conversion.MaxBackoff)
	}

	if c.Conversion.ContextWindowSize < 0 || c.Conversion.ContextWindowSize > MaxContextWindowSize {
		return fmt.Errorf("context_window_size must be between 0 and %d", MaxContextWindowSize)
	}

	if c.Conversion.ContextCharBudget < 0 {
		return fmt.Errorf("context_char_budget cannot be negative")
	}

	if c.Registry.Driver != "memory" && c.Registry.Driver != "redis" {
		return fmt.Errorf("invalid registry driver: %s", c.Registry.Driver)
	}

	return nil
}

// BaseURL resolves the model server URL for the active provider. An explicit
// base_url wins over the per-provider defaults.
func (c *Config) BaseURL() string {
	if c.LLM.BaseURL != "" {
		return strings.TrimRight(c.LLM.BaseURL, "/")
	}
	if c.LLM.Provider == ProviderOllama {
		return strings.TrimRight(c.LLM.OllamaBaseURL, "/")
	}
	return strings.TrimRight(c.LLM.LMStudioBaseURL, "/")
}

// VisionModel returns the model used for vision pages.
func (c *Config) VisionModel() string {
	if c.LLM.VisionModelName != "" {
		return c.LLM.VisionModelName
	}
	return c.LLM.ModelName
}

// MaxUploadBytes returns the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.Storage.UploadDir = v
	}

	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		cfg.Storage.OutputDir = v
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}

	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.LLM.OllamaBaseURL = v
	}

	if v := os.Getenv("LM_STUDIO_BASE_URL"); v != "" {
		cfg.LLM.LMStudioBaseURL = v
	}

	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.ModelName = v
	}

	if v := os.Getenv("USE_VISION_MODEL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USE_VISION_MODEL: %w", err)
		}
		cfg.LLM.UseVision = b
	}

	if v := os.Getenv("VISION_MODEL"); v != "" {
		cfg.LLM.VisionModelName = v
	}

	if v := os.Getenv("PDF_DPI"); v != "" {
		dpi, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PDF_DPI: %w", err)
		}
		cfg.Rendering.ImageDPI = dpi
	}

	if v := os.Getenv("IMAGE_FORMAT"); v != "" {
		cfg.Rendering.ImageFormat = strings.ToLower(v)
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RETRIES: %w", err)
		}
		cfg.Conversion.MaxRetries = n
	}

	if v := os.Getenv("CONTEXT_WINDOW_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONTEXT_WINDOW_SIZE: %w", err)
		}
		cfg.Conversion.ContextWindowSize = n
	}

	if v := os.Getenv("CONTEXT_CHAR_BUDGET"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONTEXT_CHAR_BUDGET: %w", err)
		}
		cfg.Conversion.ContextCharBudget = n
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		opts, err := parseRedisURL(v)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		cfg.Registry.Driver = "redis"
		cfg.Registry.Redis.Addr = opts.Addr
		if opts.Username != "" {
			cfg.Registry.Redis.Username = opts.Username
		}
		if opts.Password != "" {
			cfg.Registry.Redis.Password = opts.Password
		}
		cfg.Registry.Redis.DB = opts.DB
		cfg.Registry.Redis.TLS = opts.TLS
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	return nil
}

// parseRedisURL accepts whatever redis.ParseURL does (redis:// or rediss://)
// plus a bare host:port.
func parseRedisURL(raw string) (RedisConfig, error) {
	if !strings.Contains(raw, "://") {
		raw = "redis://" + raw
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
		TLS:      opts.TLSConfig != nil,
	}, nil
}
