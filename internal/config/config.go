// Package config provides configuration management for the wallet analytics engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Source modes
const (
	SourceModeLive    = "live"
	SourceModeArchive = "archive"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Algorand  AlgorandConfig
	Poller    PollerConfig
	Prices    PricesConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
	// AllowedOrigins lists CORS origins; "*" allows any
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string

	// QueryTimeout bounds archive reads on the server side
	QueryTimeout time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	KeyPrefix      string // namespaces every key, e.g. "remit:"
}

// AlgorandConfig holds transaction source configuration
type AlgorandConfig struct {
	Network           string
	IndexerURL        string
	AlgodURL          string
	Token             string
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxRetries        int
	SourceMode        string // live or archive

	// SharedBudget is the indexer request quota per second shared through
	// Redis by every process; 0 disables it. ReservedBudget is the part of
	// it kept for interactive requests.
	SharedBudget   int
	ReservedBudget int
}

// PollerConfig holds live polling configuration
type PollerConfig struct {
	TransactionInterval time.Duration
	BalanceInterval     time.Duration
	MinInterval         time.Duration
	DefaultRange        string
	TransactionLimit    int
}

// PricesConfig holds exchange rate configuration
type PricesConfig struct {
	CoinGeckoURL    string
	CacheTTL        time.Duration
	Timeout         time.Duration
	StaticRatesFile string
	Enabled         bool
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	network := getEnv("ALGORAND_NETWORK", "testnet")

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),

			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "remit_analytics"),
				User:           getEnv("POSTGRES_USER", "analytics"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "remit_analytics"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),

				QueryTimeout: getEnvAsDuration("CLICKHOUSE_QUERY_TIMEOUT", 30*time.Second),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
				KeyPrefix:      getEnv("REDIS_KEY_PREFIX", "remit:"),
			},
		},
		Algorand: AlgorandConfig{
			Network:           network,
			IndexerURL:        getEnv("ALGORAND_INDEXER_URL", defaultIndexerURL(network)),
			AlgodURL:          getEnv("ALGORAND_ALGOD_URL", defaultAlgodURL(network)),
			Token:             getEnv("ALGORAND_TOKEN", ""),
			RequestsPerSecond: getEnvAsFloat("ALGORAND_REQUESTS_PER_SECOND", 10),
			Timeout:           getEnvAsDuration("ALGORAND_TIMEOUT", 10*time.Second),
			MaxRetries:        getEnvAsInt("ALGORAND_MAX_RETRIES", 3),
			SourceMode:        strings.ToLower(getEnv("SOURCE_MODE", SourceModeLive)),
			SharedBudget:      getEnvAsInt("INDEXER_SHARED_BUDGET", 0),
			ReservedBudget:    getEnvAsInt("INDEXER_RESERVED_BUDGET", 0),
		},
		Poller: PollerConfig{
			TransactionInterval: getEnvAsDuration("POLL_TRANSACTION_INTERVAL", 15*time.Second),
			BalanceInterval:     getEnvAsDuration("POLL_BALANCE_INTERVAL", 30*time.Second),
			MinInterval:         getEnvAsDuration("POLL_MIN_INTERVAL", time.Second),
			DefaultRange:        getEnv("POLL_DEFAULT_RANGE", "30d"),
			TransactionLimit:    getEnvAsInt("POLL_TRANSACTION_LIMIT", 50),
		},
		Prices: PricesConfig{
			CoinGeckoURL:    getEnv("COINGECKO_URL", "https://api.coingecko.com/api/v3"),
			CacheTTL:        getEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),
			Timeout:         getEnvAsDuration("PRICE_TIMEOUT", 10*time.Second),
			StaticRatesFile: getEnv("STATIC_RATES_FILE", ""),
			Enabled:         getEnvAsBool("PRICE_LIVE_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("API_RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("API_RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that the configuration can drive the pollers and the source
func (c *Config) Validate() error {
	if c.Poller.TransactionInterval <= 0 {
		return fmt.Errorf("POLL_TRANSACTION_INTERVAL must be positive, got %s", c.Poller.TransactionInterval)
	}
	if c.Poller.BalanceInterval <= 0 {
		return fmt.Errorf("POLL_BALANCE_INTERVAL must be positive, got %s", c.Poller.BalanceInterval)
	}
	if c.Poller.MinInterval <= 0 {
		return fmt.Errorf("POLL_MIN_INTERVAL must be positive, got %s", c.Poller.MinInterval)
	}
	if c.Poller.TransactionLimit < 0 {
		return fmt.Errorf("POLL_TRANSACTION_LIMIT cannot be negative, got %d", c.Poller.TransactionLimit)
	}
	if c.Algorand.RequestsPerSecond <= 0 {
		return fmt.Errorf("ALGORAND_REQUESTS_PER_SECOND must be positive, got %v", c.Algorand.RequestsPerSecond)
	}
	switch c.Algorand.SourceMode {
	case SourceModeLive, SourceModeArchive:
	default:
		return fmt.Errorf("SOURCE_MODE must be %q or %q, got %q", SourceModeLive, SourceModeArchive, c.Algorand.SourceMode)
	}
	if c.Algorand.SharedBudget < 0 || c.Algorand.ReservedBudget < 0 {
		return fmt.Errorf("INDEXER_SHARED_BUDGET and INDEXER_RESERVED_BUDGET cannot be negative")
	}
	if c.Algorand.SharedBudget > 0 && c.Algorand.ReservedBudget > c.Algorand.SharedBudget {
		return fmt.Errorf("INDEXER_RESERVED_BUDGET (%d) cannot exceed INDEXER_SHARED_BUDGET (%d)", c.Algorand.ReservedBudget, c.Algorand.SharedBudget)
	}
	return nil
}

// Addr returns the host:port of the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresURL returns the connection URL of the Postgres database
func (c *Config) PostgresURL() string {
	pg := c.Database.Postgres
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		pg.User, pg.Password, pg.Host, pg.Port, pg.Database)
}

func defaultIndexerURL(network string) string {
	if network == "mainnet" {
		return "https://mainnet-idx.algonode.cloud"
	}
	return "https://testnet-idx.algonode.cloud"
}

func defaultAlgodURL(network string) string {
	if network == "mainnet" {
		return "https://mainnet-api.algonode.cloud"
	}
	return "https://testnet-api.algonode.cloud"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
