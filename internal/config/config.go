package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DevSecret is the placeholder secret written by Default. It is refused
// outside development.
const DevSecret = "insecure-dev-secret"

// Config models escrowline.yml.
type Config struct {
	Environment string `yaml:"environment"`
	Marketplace struct {
		PlatformFeePercent float64 `yaml:"platform_fee_percent"`
		MaxRejections      int     `yaml:"max_rejections"`
		MaxFileSizeMB      int     `yaml:"max_file_size_mb"`
		TokenExpiryHours   int     `yaml:"token_expiry_hours"`
		Currency           string  `yaml:"currency"`
	} `yaml:"marketplace"`
	Secrets struct {
		TaskSecret string `yaml:"task_secret"`
		JWTSecret  string `yaml:"jwt_secret"`
	} `yaml:"secrets"`
	Processor struct {
		Kind           string `yaml:"kind"`
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		WebhookSecret  string `yaml:"webhook_secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"processor"`
	Blob struct {
		Kind string `yaml:"kind"`
		Dir  string `yaml:"dir"`
	} `yaml:"blob"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Outbox struct {
		IntervalSeconds    int `yaml:"interval_seconds"`
		MaxAttempts        int `yaml:"max_attempts"`
		BaseBackoffSeconds int `yaml:"base_backoff_seconds"`
	} `yaml:"outbox"`
	Server struct {
		PublicURL      string  `yaml:"public_url"`
		RateLimitRPS   float64 `yaml:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound audit-log subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development"
}

func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.Marketplace.MaxFileSizeMB) << 20
}

func (c *Config) TokenMaxAge() time.Duration {
	return time.Duration(c.Marketplace.TokenExpiryHours) * time.Hour
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Environment {
	case "", "development", "production":
	default:
		return fmt.Errorf("config.environment must be development or production")
	}
	m := c.Marketplace
	if m.PlatformFeePercent < 0 || m.PlatformFeePercent >= 100 {
		return fmt.Errorf("config.marketplace.platform_fee_percent must be in [0,100)")
	}
	if m.MaxRejections < 1 {
		return fmt.Errorf("config.marketplace.max_rejections must be at least 1")
	}
	if m.MaxFileSizeMB < 1 {
		return fmt.Errorf("config.marketplace.max_file_size_mb must be at least 1")
	}
	if m.TokenExpiryHours < 1 {
		return fmt.Errorf("config.marketplace.token_expiry_hours must be at least 1")
	}
	if strings.TrimSpace(c.Secrets.TaskSecret) == "" {
		return fmt.Errorf("config.secrets.task_secret is required")
	}
	if !c.IsDevelopment() && (c.Secrets.TaskSecret == DevSecret || c.Secrets.JWTSecret == DevSecret) {
		return fmt.Errorf("config.secrets must not use the development placeholder in %s", c.Environment)
	}
	switch c.Processor.Kind {
	case "memory":
	case "http":
		if c.Processor.BaseURL == "" || c.Processor.APIKey == "" {
			return fmt.Errorf("config.processor.base_url and api_key are required for kind http")
		}
	default:
		return fmt.Errorf("config.processor.kind must be memory or http")
	}
	switch c.Blob.Kind {
	case "fs", "memory":
	default:
		return fmt.Errorf("config.blob.kind must be fs or memory")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("config.outbox.max_attempts must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// GenerateDefault returns default config YAML with the given secrets.
func GenerateDefault(taskSecret, jwtSecret string) string {
	return fmt.Sprintf(defaultTemplate, taskSecret, jwtSecret)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with el init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the development defaults.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(DevSecret, DevSecret))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `environment: development

marketplace:
  platform_fee_percent: 1
  max_rejections: 3
  max_file_size_mb: 50
  token_expiry_hours: 24
  currency: usd

secrets:
  task_secret: %q
  jwt_secret: %q

processor:
  kind: memory
  base_url: ""
  api_key: ""
  webhook_secret: ""
  timeout_seconds: 15

blob:
  kind: fs
  dir: ""

redis:
  addr: ""
  db: 0
  prefix: "escrowline:idem:"

outbox:
  interval_seconds: 10
  max_attempts: 8
  base_backoff_seconds: 30

server:
  public_url: "http://localhost:8080"
  rate_limit_rps: 20
  rate_limit_burst: 40

webhooks: []
`
