package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestConfigIgnoresFileAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	configDir := filepath.Join(home, ".pixelgate")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	data := []byte("api_keys:\n  openai: file-openai\n  google: file-google\n")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenAIAPIKey != "" || cfg.GoogleAPIKey != "" || cfg.AnthropicAPIKey != "" {
		t.Fatalf("expected file API keys to be ignored")
	}
}

func TestConfigUsesEnvAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "env-google")
	t.Setenv("ANTHROPIC_API_KEY", "env-ant")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenAIAPIKey != "env-openai" || cfg.GoogleAPIKey != "env-google" || cfg.AnthropicAPIKey != "env-ant" {
		t.Fatalf("expected env API keys to be used")
	}
	if !cfg.HasAdapter("openai") || cfg.HasAdapter("deepseek") {
		t.Fatalf("unexpected HasAdapter results")
	}
}

func TestLoadFileYAMLMergesDefaults(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`pricing:
  base_cost: 40
  style_multipliers:
    neon: 1.5
limits:
  generations_per_window: 5
  window_minutes: 30
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Pricing.BaseCost != 40 {
		t.Fatalf("expected base cost 40, got %d", cfg.Pricing.BaseCost)
	}
	if cfg.Pricing.StyleMultipliers["neon"] != 1.5 {
		t.Fatalf("expected neon multiplier from file")
	}
	if cfg.Pricing.StyleMultipliers["cinematic"] != 1.4 {
		t.Fatalf("expected default multipliers to survive merge")
	}
	if cfg.Limits.GenerationsPerWindow != 5 || cfg.RateWindow().Minutes() != 30 {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}
	if cfg.Limits.MaxVariations != 4 {
		t.Fatalf("expected default max variations, got %d", cfg.Limits.MaxVariations)
	}
}

func TestLoadFileTOML(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	data := []byte(`[providers.image]
adapter = "google"
model = "gemini-2.5-flash-image"

[moderation]
blocked_terms = ["forbidden"]
max_prompt_length = 50
max_caption_length = 60
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Providers.Image.Adapter != "google" {
		t.Fatalf("expected google image adapter, got %q", cfg.Providers.Image.Adapter)
	}
	if len(cfg.Moderation.BlockedTerms) != 1 || cfg.Moderation.MaxPromptLength != 50 {
		t.Fatalf("unexpected moderation config: %+v", cfg.Moderation)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero base cost", func(c *Config) { c.Pricing.BaseCost = 0 }},
		{"negative multiplier", func(c *Config) { c.Pricing.StyleMultipliers["bad"] = -1 }},
		{"zero rate limit", func(c *Config) { c.Limits.GenerationsPerWindow = 0 }},
		{"default variations above max", func(c *Config) { c.Limits.DefaultVariations = 9 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestEnvOverridesDatabase(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	t.Setenv("PIXELGATE_DATABASE_DRIVER", "postgres")
	t.Setenv("PIXELGATE_DATABASE_DSN", "host=db user=pixel")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "host=db user=pixel" {
		t.Fatalf("expected env database override, got %+v", cfg.Database)
	}
	if cfg.ConfigDir != filepath.Join(home, ".pixelgate") {
		t.Fatalf("unexpected config dir %s", cfg.ConfigDir)
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
