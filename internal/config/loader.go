// Package config loads Kestrel configuration from defaults, an optional
// YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "KESTREL_CONFIG"

// Loader resolves and re-resolves the full configuration. The file path
// is captured at construction so Reload picks up edits to the same file.
type Loader struct {
	path string

	mu  sync.Mutex
	cfg *domain.Config
}

// NewLoader builds a loader for the given file path. An empty path falls
// back to the KESTREL_CONFIG environment variable; if that is also empty
// the loader runs on defaults plus environment overrides only.
func NewLoader(path string) *Loader {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	return &Loader{path: path}
}

// Load resolves the configuration and caches it on the loader.
func (l *Loader) Load() (*domain.Config, error) {
	cfg, err := resolve(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Reload re-reads the file and environment. The previous configuration
// stays in effect when re-reading fails.
func (l *Loader) Reload() (*domain.Config, error) {
	return l.Load()
}

// Current returns the last successfully loaded configuration, or the
// defaults when Load has not run yet.
func (l *Loader) Current() *domain.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg == nil {
		return domain.DefaultConfig()
	}
	return l.cfg
}

func resolve(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	validate(cfg)
	return cfg, nil
}

// applyEnv layers KESTREL_* environment variables over the file values.
func applyEnv(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v, ok := envInt("KESTREL_PORT"); ok {
		cfg.Server.Port = v
	}
	if v := os.Getenv("KESTREL_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v, ok := envInt("KESTREL_POSTGRES_PORT"); ok {
		cfg.Repository.PostgresPort = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_CACHE_TYPE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_BUS_TYPE"); v != "" {
		cfg.EventBus.Type = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v, ok := envInt("KESTREL_AUTO_ACCEPT_THRESHOLD"); ok {
		cfg.Matching.AutoAcceptThreshold = v
	}
	if v, ok := envInt("KESTREL_PENDING_REVIEW_THRESHOLD"); ok {
		cfg.Matching.PendingReviewThreshold = v
	}
	if v, ok := envInt("KESTREL_DATE_WINDOW_DAYS"); ok {
		cfg.Matching.DateWindowDays = v
	}
	if v := os.Getenv("KESTREL_TRANSFER_KEYWORDS"); v != "" {
		keywords := strings.Split(v, ",")
		for i := range keywords {
			keywords[i] = strings.TrimSpace(keywords[i])
		}
		cfg.Matching.TransferKeywords = keywords
	}
	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-numeric environment override", "var", name, "value", v)
		return 0, false
	}
	return n, true
}

// validate repairs configuration values that would break the matching
// engine. Bad values revert to defaults rather than failing startup.
func validate(cfg *domain.Config) {
	defaults := domain.DefaultMatchingConfig()

	if math.Abs(cfg.Matching.Weights.Sum()-1.0) > 0.001 {
		slog.Warn("scoring weights do not sum to 1.00, using defaults",
			"sum", cfg.Matching.Weights.Sum())
		cfg.Matching.Weights = defaults.Weights
	}
	if cfg.Matching.AutoAcceptThreshold <= cfg.Matching.PendingReviewThreshold {
		slog.Warn("auto-accept threshold must exceed pending-review threshold, using defaults",
			"auto_accept", cfg.Matching.AutoAcceptThreshold,
			"pending_review", cfg.Matching.PendingReviewThreshold)
		cfg.Matching.AutoAcceptThreshold = defaults.AutoAcceptThreshold
		cfg.Matching.PendingReviewThreshold = defaults.PendingReviewThreshold
	}
	if cfg.Matching.DateWindowDays <= 0 {
		cfg.Matching.DateWindowDays = defaults.DateWindowDays
	}
	if cfg.Matching.CandidateCap <= 0 {
		cfg.Matching.CandidateCap = defaults.CandidateCap
	}
	if cfg.Matching.PairingThreshold <= 0 {
		cfg.Matching.PairingThreshold = defaults.PairingThreshold
	}
	if cfg.Matching.GroupSimilarity <= 0 {
		cfg.Matching.GroupSimilarity = defaults.GroupSimilarity
	}
	if len(cfg.Matching.TransferKeywords) == 0 {
		cfg.Matching.TransferKeywords = defaults.TransferKeywords
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = 8080
	}
}
