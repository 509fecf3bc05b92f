package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	OpenAIAPIKey    string `yaml:"-" toml:"-"`
	GoogleAPIKey    string `yaml:"-" toml:"-"`
	AnthropicAPIKey string `yaml:"-" toml:"-"`

	Providers  ProvidersConfig  `yaml:"providers" toml:"providers"`
	Pricing    PricingConfig    `yaml:"pricing" toml:"pricing"`
	Moderation ModerationConfig `yaml:"moderation" toml:"moderation"`
	Limits     LimitsConfig     `yaml:"limits" toml:"limits"`
	Prompt     PromptConfig     `yaml:"prompt" toml:"prompt"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Audit      AuditConfig      `yaml:"audit" toml:"audit"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Log        LogConfig        `yaml:"log" toml:"log"`

	ConfigDir string `yaml:"-" toml:"-"`
}

// ProvidersConfig selects the adapter and model used for each provider operation.
type ProvidersConfig struct {
	Image          RouteTarget `yaml:"image" toml:"image"`
	Edit           RouteTarget `yaml:"edit" toml:"edit"`
	Vision         RouteTarget `yaml:"vision" toml:"vision"`
	Quality        string      `yaml:"quality,omitempty" toml:"quality"`
	TimeoutSeconds int         `yaml:"timeout_seconds,omitempty" toml:"timeout_seconds"`
	Retry          RetryConfig `yaml:"retry,omitempty" toml:"retry"`
}

// RouteTarget specifies an adapter and model combination.
type RouteTarget struct {
	Adapter string `yaml:"adapter" toml:"adapter"`
	Model   string `yaml:"model" toml:"model"`
}

// RetryConfig defines retry and backoff behavior for transient provider errors.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty" toml:"max_retries"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty" toml:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty" toml:"max_backoff_ms"`
}

// PricingConfig holds the token cost tables.
type PricingConfig struct {
	BaseCost            int64              `yaml:"base_cost" toml:"base_cost"`
	StyleMultipliers    map[string]float64 `yaml:"style_multipliers" toml:"style_multipliers"`
	PlatformMultipliers map[string]float64 `yaml:"platform_multipliers" toml:"platform_multipliers"`
	SizeCosts           map[string]int64   `yaml:"size_costs" toml:"size_costs"`
	DefaultSizeCost     int64              `yaml:"default_size_cost" toml:"default_size_cost"`
}

// ModerationConfig holds the blocked-term list and length limits.
type ModerationConfig struct {
	BlockedTerms     []string `yaml:"blocked_terms" toml:"blocked_terms"`
	MaxPromptLength  int      `yaml:"max_prompt_length" toml:"max_prompt_length"`
	MaxCaptionLength int      `yaml:"max_caption_length" toml:"max_caption_length"`
}

// LimitsConfig holds per-user generation limits.
type LimitsConfig struct {
	GenerationsPerWindow int    `yaml:"generations_per_window" toml:"generations_per_window"`
	WindowMinutes        int    `yaml:"window_minutes" toml:"window_minutes"`
	DefaultVariations    int    `yaml:"default_variations" toml:"default_variations"`
	MaxVariations        int    `yaml:"max_variations" toml:"max_variations"`
	DefaultSize          string `yaml:"default_size" toml:"default_size"`
}

// Enrichment appends a descriptive suffix to prompts mentioning Keyword.
type Enrichment struct {
	Keyword string `yaml:"keyword" toml:"keyword"`
	Suffix  string `yaml:"suffix" toml:"suffix"`
}

// PromptConfig holds prompt transforms applied before provider calls.
type PromptConfig struct {
	Enrichments         []Enrichment `yaml:"enrichments" toml:"enrichments"`
	VariationQualifiers []string     `yaml:"variation_qualifiers" toml:"variation_qualifiers"`
	DescribeInstruction string       `yaml:"describe_instruction" toml:"describe_instruction"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// StorageConfig configures the asset archive.
type StorageConfig struct {
	Dir              string `yaml:"dir" toml:"dir"`
	PublicBaseURL    string `yaml:"public_base_url" toml:"public_base_url"`
	MaxDownloadBytes int64  `yaml:"max_download_bytes" toml:"max_download_bytes"`

	// SourceHosts lists the hosts source images may be downloaded from.
	// Empty disables remote source images.
	SourceHosts []string `yaml:"source_hosts" toml:"source_hosts"`
}

// AuditConfig configures the secondary audit sinks.
type AuditConfig struct {
	EvidenceDir string `yaml:"evidence_dir" toml:"evidence_dir"`
	AMQPURL     string `yaml:"amqp_url" toml:"amqp_url"`
	Exchange    string `yaml:"exchange" toml:"exchange"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen     string `yaml:"listen" toml:"listen"`
	AdminToken string `yaml:"-" toml:"-"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads configuration from ~/.pixelgate/config.yaml (when present) and
// the environment. Environment variables take precedence over file values.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = configDir
	return cfg, nil
}

// LoadFile reads configuration from an explicit YAML or TOML file.
func LoadFile(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = filepath.Dir(path)
	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a complete configuration usable without any file.
func Default() *Config {
	cfg := &Config{
		Providers: ProvidersConfig{
			Image:          RouteTarget{Adapter: "openai", Model: "dall-e-3"},
			Edit:           RouteTarget{Adapter: "openai", Model: "gpt-image-1"},
			Vision:         RouteTarget{Adapter: "openai", Model: "gpt-4o"},
			Quality:        "standard",
			TimeoutSeconds: 120,
		},
		Pricing: PricingConfig{
			BaseCost: 30,
			StyleMultipliers: map[string]float64{
				"realistic":  1.0,
				"artistic":   1.2,
				"cartoon":    1.1,
				"anime":      1.1,
				"3d":         1.3,
				"minimalist": 0.9,
				"vintage":    1.1,
				"cinematic":  1.4,
			},
			PlatformMultipliers: map[string]float64{
				"instagram": 1.0,
				"facebook":  1.0,
				"twitter":   1.0,
				"linkedin":  1.1,
				"pinterest": 1.1,
				"tiktok":    1.2,
				"youtube":   1.3,
			},
			SizeCosts: map[string]int64{
				"256x256":   10,
				"512x512":   20,
				"1024x1024": 30,
				"1024x1792": 40,
				"1792x1024": 40,
			},
			DefaultSizeCost: 30,
		},
		Moderation: ModerationConfig{
			BlockedTerms: []string{
				"nsfw", "nude", "naked", "porn", "pornographic", "explicit sex",
				"gore", "beheading", "child abuse", "self-harm", "terrorist attack",
				"swastika",
			},
			MaxPromptLength:  1000,
			MaxCaptionLength: 2200,
		},
		Limits: LimitsConfig{
			GenerationsPerWindow: 20,
			WindowMinutes:        60,
			DefaultVariations:    3,
			MaxVariations:        4,
			DefaultSize:          "1024x1024",
		},
		Prompt: PromptConfig{
			Enrichments: []Enrichment{
				{
					Keyword: "halloween",
					Suffix:  "autumn night atmosphere, carved glowing jack-o'-lanterns, drifting fog, warm orange and deep purple lighting",
				},
			},
			VariationQualifiers: []string{
				"from a slightly different angle",
				"with a minor background change",
				"with alternate lighting",
				"with a slightly different color palette",
			},
			DescribeInstruction: "Describe this image in detail so it can be recreated by an image model. Cover subject, composition, colors, lighting and style in one paragraph.",
		},
		Database: DatabaseConfig{Driver: "sqlite"},
		Audit:    AuditConfig{Exchange: "pixelgate.audit"},
		Server:   ServerConfig{Listen: ":8080"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Storage:  StorageConfig{MaxDownloadBytes: 32 << 20},
	}
	cfg.Providers.Retry = RetryConfig{MaxRetries: 2, BaseBackoffMs: 200, MaxBackoffMs: 2000}
	return cfg
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pricing.BaseCost <= 0 {
		return fmt.Errorf("pricing.base_cost must be positive")
	}
	if c.Pricing.DefaultSizeCost <= 0 {
		return fmt.Errorf("pricing.default_size_cost must be positive")
	}
	for name, m := range c.Pricing.StyleMultipliers {
		if m <= 0 {
			return fmt.Errorf("pricing.style_multipliers[%s] must be positive", name)
		}
	}
	for name, m := range c.Pricing.PlatformMultipliers {
		if m <= 0 {
			return fmt.Errorf("pricing.platform_multipliers[%s] must be positive", name)
		}
	}
	for size, cost := range c.Pricing.SizeCosts {
		if cost <= 0 {
			return fmt.Errorf("pricing.size_costs[%s] must be positive", size)
		}
	}
	if c.Limits.GenerationsPerWindow <= 0 {
		return fmt.Errorf("limits.generations_per_window must be positive")
	}
	if c.Limits.WindowMinutes <= 0 {
		return fmt.Errorf("limits.window_minutes must be positive")
	}
	if c.Limits.MaxVariations <= 0 {
		return fmt.Errorf("limits.max_variations must be positive")
	}
	if c.Limits.DefaultVariations <= 0 || c.Limits.DefaultVariations > c.Limits.MaxVariations {
		return fmt.Errorf("limits.default_variations must be between 1 and %d", c.Limits.MaxVariations)
	}
	if c.Moderation.MaxPromptLength <= 0 || c.Moderation.MaxCaptionLength <= 0 {
		return fmt.Errorf("moderation length limits must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	return nil
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// ProviderTimeout returns the per-call provider timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Providers.TimeoutSeconds) * time.Second
}

// RateWindow returns the trailing window used for rate limiting.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Limits.WindowMinutes) * time.Minute
}

// applyEnv copies secrets and deployment settings from the environment.
// API keys are only read from the environment.
func applyEnv(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GoogleAPIKey = os.Getenv("GOOGLE_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.Server.AdminToken = os.Getenv("PIXELGATE_ADMIN_TOKEN")

	cfg.Database.Driver = getEnvOrDefault("PIXELGATE_DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnvOrDefault("PIXELGATE_DATABASE_DSN", cfg.Database.DSN)
	cfg.Audit.AMQPURL = getEnvOrDefault("PIXELGATE_AMQP_URL", cfg.Audit.AMQPURL)
	cfg.Server.Listen = getEnvOrDefault("PIXELGATE_LISTEN", cfg.Server.Listen)
	cfg.Storage.Dir = getEnvOrDefault("PIXELGATE_STORAGE_DIR", cfg.Storage.Dir)
	cfg.Storage.PublicBaseURL = getEnvOrDefault("PIXELGATE_PUBLIC_BASE_URL", cfg.Storage.PublicBaseURL)
	cfg.Log.Level = getEnvOrDefault("PIXELGATE_LOG_LEVEL", cfg.Log.Level)

	if v := os.Getenv("PIXELGATE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.GenerationsPerWindow = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Providers.Retry.BaseBackoffMs == 0 {
		cfg.Providers.Retry.BaseBackoffMs = 200
	}
	if cfg.Providers.Retry.MaxBackoffMs == 0 {
		cfg.Providers.Retry.MaxBackoffMs = 2000
	}
	if cfg.Providers.Retry.MaxBackoffMs < cfg.Providers.Retry.BaseBackoffMs {
		cfg.Providers.Retry.MaxBackoffMs = cfg.Providers.Retry.BaseBackoffMs
	}
	if cfg.Providers.TimeoutSeconds <= 0 {
		cfg.Providers.TimeoutSeconds = 120
	}
	if cfg.Limits.DefaultSize == "" {
		cfg.Limits.DefaultSize = "1024x1024"
	}
	if cfg.Audit.Exchange == "" {
		cfg.Audit.Exchange = "pixelgate.audit"
	}
	if cfg.Storage.MaxDownloadBytes <= 0 {
		cfg.Storage.MaxDownloadBytes = 32 << 20
	}
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".pixelgate")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}

// DataPath resolves a path relative to the config directory.
func (c *Config) DataPath(parts ...string) string {
	return filepath.Join(append([]string{c.ConfigDir}, parts...)...)
}
