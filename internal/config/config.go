// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	Environment string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	CORS       CORSConfig

	Pool        PoolConfig
	TickBatch   TickBatchConfig
	Greeks      GreeksConfig
	Mock        MockConfig
	Bars        BarsConfig
	Orders      OrdersConfig
	Broker      BrokerConfig
	MarketClass string

	// InstrumentSeedFile points at the YAML snapshot internal/instruments
	// loads at boot. Empty means boot with an empty registry (every tick
	// is dropped as unknown-token until an admin refresh loads one).
	InstrumentSeedFile string

	// AdminPasswordHash gates the admin-only HTTP surface (instrument
	// refresh, dead-letter replay). A bcrypt hash produced out of band.
	AdminPasswordHash string
}

// BrokerConfig points the WS tick feed and REST order/quote client at the
// upstream vendor's endpoints.
type BrokerConfig struct {
	RESTBaseURL string
	WSBaseURL   string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Expiry string
}

type EncryptionConfig struct {
	MasterKey string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// PoolConfig governs the upstream broker connection pool (C5).
type PoolConfig struct {
	MaxInstrumentsPerConn int
	MaxConnsPerAccount    int
	StallTimeout          time.Duration
	SubscribeTimeout      time.Duration
	HealthCheckInterval   time.Duration
}

// TickBatchConfig governs C7's batching publisher.
type TickBatchConfig struct {
	Enabled  bool
	WindowMs int
	MaxSize  int
}

// GreeksConfig governs C6 defaults.
type GreeksConfig struct {
	InterestRate  float64
	DividendYield float64
	IVMin         float64
	IVMax         float64
	IVOnFailure   string // "zero" | "nan" | "sentinel"
	ExpiryHour    int    // hour-of-day (market tz) treated as expiry cutoff
	MarketTZ      string // IANA timezone name the expiry cutoff is evaluated in
}

// MockConfig governs C12.
type MockConfig struct {
	MaxSize         int
	CleanupInterval time.Duration
	PriceVarBps     float64
	VolVarPct       float64
	TickInterval    time.Duration
	Enabled         bool
	MarketOpen      string // "HH:MM" in GreeksConfig.MarketTZ
	MarketClose     string // "HH:MM" in GreeksConfig.MarketTZ
}

// BarsConfig governs C8.
type BarsConfig struct {
	IntervalSeconds int
}

// OrdersConfig governs C11.
type OrdersConfig struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Retention   time.Duration
}

// Load loads configuration from environment variables, falling back to a
// .env file in the working directory when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		MarketClass: getEnv("MARKET_CLASS", "nse_fo"),

		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "optionstream"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("INSTRUMENT_DB_MAX_CONNS", 20),
			MinConns: getEnvAsInt("INSTRUMENT_DB_MIN_CONNS", 2),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getEnv("JWT_EXPIRY", "24h"),
		},

		Encryption: EncryptionConfig{
			MasterKey: getEnv("MASTER_ENCRYPTION_KEY", ""),
		},

		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"https://localhost:3000"}, ","),
		},

		Pool: PoolConfig{
			MaxInstrumentsPerConn: getEnvAsInt("MAX_INSTRUMENTS_PER_WS_CONNECTION", 1000),
			MaxConnsPerAccount:    getEnvAsInt("MAX_WS_CONNECTIONS_PER_ACCOUNT", 3),
			StallTimeout:          getEnvAsDuration("POOL_STALL_TIMEOUT", 30*time.Second),
			SubscribeTimeout:      getEnvAsDuration("POOL_SUBSCRIBE_TIMEOUT", 10*time.Second),
			HealthCheckInterval:   getEnvAsDuration("POOL_HEALTH_CHECK_INTERVAL", 5*time.Second),
		},

		TickBatch: TickBatchConfig{
			Enabled:  getEnvAsBool("TICK_BATCH_ENABLED", true),
			WindowMs: getEnvAsInt("TICK_BATCH_WINDOW_MS", 100),
			MaxSize:  getEnvAsInt("TICK_BATCH_MAX_SIZE", 1000),
		},

		Greeks: GreeksConfig{
			InterestRate:  getEnvAsFloat("OPTION_GREEKS_INTEREST_RATE", 0.10),
			DividendYield: getEnvAsFloat("OPTION_GREEKS_DIVIDEND_YIELD", 0.0),
			IVMin:         getEnvAsFloat("OPTION_GREEKS_IV_MIN", 1e-4),
			IVMax:         getEnvAsFloat("OPTION_GREEKS_IV_MAX", 5.0),
			IVOnFailure:   getEnv("OPTION_GREEKS_IV_ON_FAILURE", "zero"),
			ExpiryHour:    getEnvAsInt("OPTION_GREEKS_EXPIRY_HOUR", 15),
			MarketTZ:      getEnv("OPTION_GREEKS_MARKET_TZ", "Asia/Kolkata"),
		},

		Mock: MockConfig{
			MaxSize:         getEnvAsInt("MOCK_STATE_MAX_SIZE", 5000),
			CleanupInterval: time.Duration(getEnvAsInt("MOCK_STATE_CLEANUP_INTERVAL_SECONDS", 300)) * time.Second,
			PriceVarBps:     getEnvAsFloat("MOCK_PRICE_VAR_BPS", 25),
			VolVarPct:       getEnvAsFloat("MOCK_VOL_VAR_PCT", 10),
			TickInterval:    time.Duration(getEnvAsInt("MOCK_TICK_INTERVAL_MS", 1000)) * time.Millisecond,
			Enabled:         getEnvAsBool("MOCK_DATA_ENABLED", true),
			MarketOpen:      getEnv("MARKET_SESSION_OPEN", "09:15"),
			MarketClose:     getEnv("MARKET_SESSION_CLOSE", "15:30"),
		},

		Bars: BarsConfig{
			IntervalSeconds: getEnvAsInt("STREAM_INTERVAL_SECONDS", 60),
		},

		Orders: OrdersConfig{
			Workers:     getEnvAsInt("ORDER_WORKERS", 4),
			MaxAttempts: getEnvAsInt("ORDER_MAX_ATTEMPTS", 5),
			BaseBackoff: getEnvAsDuration("ORDER_BASE_BACKOFF", 500*time.Millisecond),
			MaxBackoff:  getEnvAsDuration("ORDER_MAX_BACKOFF", 60*time.Second),
			Retention:   getEnvAsDuration("ORDER_RETENTION", 72*time.Hour),
		},

		Broker: BrokerConfig{
			RESTBaseURL: getEnv("BROKER_REST_BASE_URL", ""),
			WSBaseURL:   getEnv("BROKER_WS_BASE_URL", ""),
		},

		InstrumentSeedFile: getEnv("INSTRUMENT_SEED_FILE", ""),
		AdminPasswordHash:  getEnv("ADMIN_PASSWORD_HASH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present for the current
// environment. Non-development deployments must not boot with defaulted
// secrets.
func (c *Config) Validate() error {
	if c.Environment != "development" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required outside development")
		}
		if c.Encryption.MasterKey == "" {
			return fmt.Errorf("MASTER_ENCRYPTION_KEY is required outside development")
		}
		if len(c.CORS.AllowedOrigins) == 0 {
			return fmt.Errorf("ALLOWED_ORIGINS must be an explicit list outside development")
		}
		for _, origin := range c.CORS.AllowedOrigins {
			if !strings.HasPrefix(origin, "https://") {
				return fmt.Errorf("ALLOWED_ORIGINS entry %q must use https:// outside development", origin)
			}
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	v := getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	return strings.Split(v, sep)
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	log.Printf("[config] invalid duration for %s=%q, using default %s", key, v, defaultVal)
	return defaultVal
}
