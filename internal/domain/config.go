package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Matching MatchingConfig `yaml:"matching" json:"matching"`

	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus" json:"eventBus"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"readTimeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"writeTimeout" json:"writeTimeout"` // seconds
}

// Weights are the scoring dimension weights. They must sum to 1.00; a
// set that does not is discarded in favor of the defaults.
type Weights struct {
	Amount      float64 `yaml:"amount" json:"amount"`
	Date        float64 `yaml:"date" json:"date"`
	Description float64 `yaml:"description" json:"description"`
	Business    float64 `yaml:"business" json:"business"`
	History     float64 `yaml:"history" json:"history"`
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Amount + w.Date + w.Description + w.Business + w.History
}

// Tolerance bounds how far a candidate amount may drift from the
// transaction amount and still count as matching.
type Tolerance struct {
	Percent  float64 `yaml:"percent" json:"percent"`   // fraction, e.g. 0.005 = 0.5%
	Absolute float64 `yaml:"absolute" json:"absolute"` // currency units
}

// For returns the allowed absolute deviation for a given amount: the
// larger of the percentage band and the absolute floor.
func (t Tolerance) For(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(decimal.NewFromFloat(t.Percent))
	abs := decimal.NewFromFloat(t.Absolute)
	if pct.GreaterThan(abs) {
		return pct
	}
	return abs
}

// MatchingConfig holds the tunables of the matching engine. Immutable
// for the duration of a matching run.
type MatchingConfig struct {
	Weights   Weights   `yaml:"weights" json:"weights"`
	Tolerance Tolerance `yaml:"tolerance" json:"tolerance"`

	// Thresholds for routing a scored candidate.
	AutoAcceptThreshold    int `yaml:"autoAcceptThreshold" json:"autoAcceptThreshold"`
	PendingReviewThreshold int `yaml:"pendingReviewThreshold" json:"pendingReviewThreshold"`

	// DateWindowDays is the half-width of the candidate date window.
	DateWindowDays int `yaml:"dateWindowDays" json:"dateWindowDays"`

	// CandidateCap bounds the candidate set before combinatorial search.
	CandidateCap int `yaml:"candidateCap" json:"candidateCap"`

	// PairingThreshold is the minimum combined similarity for two
	// Processing-account legs to be auto-paired.
	PairingThreshold int `yaml:"pairingThreshold" json:"pairingThreshold"`

	// GroupSimilarity is the minimum description similarity (0..100) for
	// same-day transactions to form a batch-payment group.
	GroupSimilarity int `yaml:"groupSimilarity" json:"groupSimilarity"`

	// TransferKeywords drive the default transfer detector.
	TransferKeywords []string `yaml:"transferKeywords" json:"transferKeywords"`

	// TransferExpressions are optional CEL predicates over the
	// transaction (description, amount, direction) that extend keyword
	// detection. Expressions that fail to compile are logged and skipped.
	TransferExpressions []string `yaml:"transferExpressions" json:"transferExpressions"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost" json:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort" json:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser" json:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword" json:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb" json:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" json:"connMaxLifetime"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type" json:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `yaml:"localMaxSize" json:"localMaxSize"`
	LocalTTL     time.Duration `yaml:"localTtl" json:"localTtl"`

	// Redis settings
	RedisAddr     string `yaml:"redisAddr" json:"redisAddr"`
	RedisPassword string `yaml:"redisPassword" json:"redisPassword"`
	RedisDB       int    `yaml:"redisDb" json:"redisDb"`

	// Two-phase settings: check local first, then Redis.
	EnableTwoPhase bool `yaml:"enableTwoPhase" json:"enableTwoPhase"`
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type" json:"type"`

	// Channel settings
	ChannelBufferSize int `yaml:"channelBufferSize" json:"channelBufferSize"`

	// NATS settings
	NATSUrl           string `yaml:"natsUrl" json:"natsUrl"`
	NATSToken         string `yaml:"natsToken" json:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects" json:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait" json:"natsReconnectWait"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"serviceName" json:"serviceName"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
}

// DefaultMatchingConfig returns the stock matching tunables.
func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		Weights: Weights{
			Amount:      0.40,
			Date:        0.25,
			Description: 0.20,
			Business:    0.10,
			History:     0.05,
		},
		Tolerance: Tolerance{
			Percent:  0.005,
			Absolute: 0.10,
		},
		AutoAcceptThreshold:    85,
		PendingReviewThreshold: 60,
		DateWindowDays:         7,
		CandidateCap:           30,
		PairingThreshold:       85,
		GroupSimilarity:        80,
		TransferKeywords: []string{
			"transfer",
			"trf",
			"fast payment",
			"paynow",
			"fund transfer",
			"internal transfer",
			"ibft",
			"giro",
		},
	}
}

// DefaultConfig returns the default configuration: SQLite, in-memory
// cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Matching: DefaultMatchingConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}
