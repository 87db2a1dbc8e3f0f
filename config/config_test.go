package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Watcher.Depth != 1 {
		t.Errorf("expected default depth 1, got %d", cfg.Watcher.Depth)
	}
	if cfg.Watcher.DebounceDelay() != 2*time.Second {
		t.Errorf("expected default debounce 2s, got %v", cfg.Watcher.DebounceDelay())
	}
	if cfg.Worker.Concurrency != 5 {
		t.Errorf("expected default concurrency 5, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.CacheTTL() != 24*time.Hour {
		t.Errorf("expected default cache TTL 24h, got %v", cfg.Worker.CacheTTL())
	}
	if cfg.Worker.MaxContextTokens != 10000 {
		t.Errorf("expected default context budget 10000, got %d", cfg.Worker.MaxContextTokens)
	}
	if cfg.Worker.AITimeout() != 180*time.Second {
		t.Errorf("expected default AI timeout 180s, got %v", cfg.Worker.AITimeout())
	}
	if cfg.RateLimiter.MaxConcurrent != 3 {
		t.Errorf("expected default maxConcurrent 3, got %d", cfg.RateLimiter.MaxConcurrent)
	}
	if cfg.RateLimiter.RequestsPerMinute != 10 {
		t.Errorf("expected default requestsPerMinute 10, got %d", cfg.RateLimiter.RequestsPerMinute)
	}
	if cfg.Queue.Attempts != 1 {
		t.Errorf("expected default attempts 1, got %d", cfg.Queue.Attempts)
	}
	if cfg.Realtime.Keepalive() != 30*time.Second {
		t.Errorf("expected default keepalive 30s, got %v", cfg.Realtime.Keepalive())
	}
	if cfg.Admin.Listen != ":8090" {
		t.Errorf("expected default admin listen :8090, got %s", cfg.Admin.Listen)
	}
	if cfg.Analyzer.Provider != "anthropic" {
		t.Errorf("expected default provider anthropic, got %s", cfg.Analyzer.Provider)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr: true,
		},
		{
			name:    "zero context budget",
			modify:  func(c *Config) { c.Worker.MaxContextTokens = 0 },
			wantErr: true,
		},
		{
			name:    "zero maxConcurrent",
			modify:  func(c *Config) { c.RateLimiter.MaxConcurrent = 0 },
			wantErr: true,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { tmp := -0.1; c.Worker.Temperature = &tmp },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { tmp := 1.1; c.Worker.Temperature = &tmp },
			wantErr: true,
		},
		{
			name:    "missing provider",
			modify:  func(c *Config) { c.Analyzer.Provider = "" },
			wantErr: true,
		},
		{
			name:    "missing database dsn",
			modify:  func(c *Config) { c.Database.DSN = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("ANTHROPIC_API_KEY", "")
	if err := cfg.ValidateCredentials(); err == nil {
		t.Error("expected error for anthropic without ANTHROPIC_API_KEY")
	}

	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	if err := cfg.ValidateCredentials(); err != nil {
		t.Errorf("unexpected error with key present: %v", err)
	}

	t.Setenv("OPENAI_API_KEY", "")
	cfg.Analyzer.Provider = "openai"
	if err := cfg.ValidateCredentials(); err == nil {
		t.Error("expected error for openai without OPENAI_API_KEY")
	}

	// A BaseURL override targets an endpoint that does its own auth.
	cfg.Analyzer.BaseURL = "http://localhost:11434/v1"
	if err := cfg.ValidateCredentials(); err != nil {
		t.Errorf("unexpected error with baseURL override: %v", err)
	}

	cfg.Analyzer.BaseURL = ""
	cfg.Analyzer.Provider = "ollama"
	if err := cfg.ValidateCredentials(); err != nil {
		t.Errorf("unexpected error for keyless provider: %v", err)
	}
}

func TestValidateWatch(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateWatch(); err == nil {
		t.Error("expected error for missing watch path")
	}

	cfg.Watcher.WatchPath = filepath.Join(t.TempDir(), "missing")
	if err := cfg.ValidateWatch(); err == nil {
		t.Error("expected error for nonexistent watch path")
	}

	cfg.Watcher.WatchPath = t.TempDir()
	if err := cfg.ValidateWatch(); err != nil {
		t.Errorf("ValidateWatch() error = %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "prospector.yaml")

	content := `
watcher:
  watchPath: "/srv/repos"
  depth: 2
  debounceDelay: 500
worker:
  concurrency: 2
  model: "test-model"
analyzer:
  provider: "ollama"
  baseURL: "http://test:11434/v1"
nats:
  url: "nats://test:4222"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Watcher.WatchPath != "/srv/repos" {
		t.Errorf("expected watch path /srv/repos, got %s", cfg.Watcher.WatchPath)
	}
	if cfg.Watcher.Depth != 2 {
		t.Errorf("expected depth 2, got %d", cfg.Watcher.Depth)
	}
	if cfg.Watcher.DebounceDelay() != 500*time.Millisecond {
		t.Errorf("expected debounce 500ms, got %v", cfg.Watcher.DebounceDelay())
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("expected concurrency 2, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", cfg.Worker.Model)
	}
	if cfg.Analyzer.Provider != "ollama" {
		t.Errorf("expected provider ollama, got %s", cfg.Analyzer.Provider)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	// Untouched sections keep their defaults.
	if cfg.RateLimiter.RequestsPerMinute != 10 {
		t.Errorf("expected default requestsPerMinute, got %d", cfg.RateLimiter.RequestsPerMinute)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Watcher: WatcherConfig{
			WatchPath: "/override/repos",
		},
		Worker: WorkerConfig{
			Model: "override-model",
		},
	}

	base.Merge(override)

	if base.Watcher.WatchPath != "/override/repos" {
		t.Errorf("expected watch path /override/repos, got %s", base.Watcher.WatchPath)
	}
	if base.Worker.Model != "override-model" {
		t.Errorf("expected model override-model, got %s", base.Worker.Model)
	}
	// Concurrency should remain from base since override didn't set it
	if base.Worker.Concurrency != 5 {
		t.Errorf("expected concurrency to remain default, got %d", base.Worker.Concurrency)
	}
}

func TestConfigMergeNATSURLDisablesEmbedded(t *testing.T) {
	base := DefaultConfig()
	if !base.NATS.Embedded {
		t.Fatal("default must be embedded")
	}

	base.Merge(&Config{NATS: NATSConfig{URL: "nats://remote:4222"}})

	if base.NATS.URL != "nats://remote:4222" {
		t.Errorf("expected merged NATS URL, got %s", base.NATS.URL)
	}
	if base.NATS.Embedded {
		t.Error("expected embedded disabled when a URL is configured")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Worker.Model = "saved-model"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Worker.Model != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.Worker.Model)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("REDIS_URL", "env-redis:6379")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("PROSPECTOR_WATCH_PATH", "/env/repos")
	t.Setenv("PROSPECTOR_MODEL", "env-model")

	cfg := DefaultConfig()
	NewLoader(nil).applyEnv(cfg)

	if cfg.Database.DSN != "postgres://env/db" {
		t.Errorf("expected env DSN, got %s", cfg.Database.DSN)
	}
	if cfg.Redis.Addr != "env-redis:6379" {
		t.Errorf("expected env redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("expected env NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.Embedded {
		t.Error("expected embedded disabled when NATS_URL is set")
	}
	if cfg.Watcher.WatchPath != "/env/repos" {
		t.Errorf("expected env watch path, got %s", cfg.Watcher.WatchPath)
	}
	if cfg.Worker.Model != "env-model" {
		t.Errorf("expected env model, got %s", cfg.Worker.Model)
	}
}
