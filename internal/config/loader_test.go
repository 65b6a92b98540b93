package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := NewLoader("").Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 8080 {
			t.Errorf("Port = %d, want 8080", cfg.Server.Port)
		}
		if cfg.Repository.Driver != "sqlite" {
			t.Errorf("Driver = %q, want sqlite", cfg.Repository.Driver)
		}
		if cfg.Matching.AutoAcceptThreshold != 85 {
			t.Errorf("AutoAcceptThreshold = %d, want 85", cfg.Matching.AutoAcceptThreshold)
		}
	})

	t.Run("FromFile", func(t *testing.T) {
		path := writeConfigFile(t, `
server:
  port: 9090
matching:
  autoAcceptThreshold: 90
  pendingReviewThreshold: 65
  transferKeywords:
    - wire out
cache:
  type: redis
  redisAddr: localhost:6379
`)
		cfg, err := NewLoader(path).Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("Port = %d, want 9090", cfg.Server.Port)
		}
		if cfg.Matching.AutoAcceptThreshold != 90 {
			t.Errorf("AutoAcceptThreshold = %d, want 90", cfg.Matching.AutoAcceptThreshold)
		}
		if cfg.Cache.Type != "redis" {
			t.Errorf("Cache.Type = %q, want redis", cfg.Cache.Type)
		}
		if len(cfg.Matching.TransferKeywords) != 1 || cfg.Matching.TransferKeywords[0] != "wire out" {
			t.Errorf("TransferKeywords = %v", cfg.Matching.TransferKeywords)
		}
		// Values the file omits keep their defaults.
		if cfg.Matching.DateWindowDays != 7 {
			t.Errorf("DateWindowDays = %d, want 7", cfg.Matching.DateWindowDays)
		}
	})

	t.Run("FileNotFound", func(t *testing.T) {
		if _, err := NewLoader("/nonexistent/kestrel.yaml").Load(); err == nil {
			t.Fatal("expected error for missing config file")
		}
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := writeConfigFile(t, "server: [not a map")
		if _, err := NewLoader(path).Load(); err == nil {
			t.Fatal("expected error for malformed YAML")
		}
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_PORT", "7070")
	t.Setenv("KESTREL_DB_DRIVER", "postgres")
	t.Setenv("KESTREL_POSTGRES_HOST", "db.internal")
	t.Setenv("KESTREL_TRANSFER_KEYWORDS", "transfer, sweep ,giro")

	cfg, err := NewLoader("").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres", cfg.Repository.Driver)
	}
	if cfg.Repository.PostgresHost != "db.internal" {
		t.Errorf("PostgresHost = %q", cfg.Repository.PostgresHost)
	}
	want := []string{"transfer", "sweep", "giro"}
	if len(cfg.Matching.TransferKeywords) != len(want) {
		t.Fatalf("TransferKeywords = %v, want %v", cfg.Matching.TransferKeywords, want)
	}
	for i, kw := range want {
		if cfg.Matching.TransferKeywords[i] != kw {
			t.Errorf("TransferKeywords[%d] = %q, want %q", i, cfg.Matching.TransferKeywords[i], kw)
		}
	}
}

func TestNonNumericEnvIgnored(t *testing.T) {
	t.Setenv("KESTREL_PORT", "not-a-port")

	cfg, err := NewLoader("").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestValidation(t *testing.T) {
	t.Run("BadWeightsRevertToDefaults", func(t *testing.T) {
		path := writeConfigFile(t, `
matching:
  weights:
    amount: 0.9
    date: 0.9
    description: 0.2
    business: 0.1
    history: 0.05
`)
		cfg, err := NewLoader(path).Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Matching.Weights.Amount != 0.40 {
			t.Errorf("Weights.Amount = %v, want default 0.40", cfg.Matching.Weights.Amount)
		}
	})

	t.Run("InvertedThresholdsRevertToDefaults", func(t *testing.T) {
		path := writeConfigFile(t, `
matching:
  autoAcceptThreshold: 50
  pendingReviewThreshold: 80
`)
		cfg, err := NewLoader(path).Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Matching.AutoAcceptThreshold != 85 || cfg.Matching.PendingReviewThreshold != 60 {
			t.Errorf("thresholds = %d/%d, want 85/60",
				cfg.Matching.AutoAcceptThreshold, cfg.Matching.PendingReviewThreshold)
		}
	})

	t.Run("ZeroDateWindowRepaired", func(t *testing.T) {
		path := writeConfigFile(t, `
matching:
  dateWindowDays: 0
`)
		cfg, err := NewLoader(path).Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Matching.DateWindowDays != 7 {
			t.Errorf("DateWindowDays = %d, want 7", cfg.Matching.DateWindowDays)
		}
	})
}

func TestReload(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9090\n")
	loader := NewLoader(path)

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("Port = %d, want 9090", cfg.Server.Port)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644); err != nil {
		t.Fatalf("rewrite config file: %v", err)
	}

	cfg, err = loader.Reload()
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Port after reload = %d, want 9191", cfg.Server.Port)
	}
	if loader.Current().Server.Port != 9191 {
		t.Errorf("Current() not updated after reload")
	}
}
