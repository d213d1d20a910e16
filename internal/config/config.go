package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the entitlement gateway
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Limits    LimitsConfig
	Identity  IdentityConfig
	Payments  PaymentsConfig
	Reconcile ReconcileConfig
	Upstream  UpstreamConfig
	Security  SecurityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// LimitsConfig holds rate limit and free tier quota configuration
type LimitsConfig struct {
	RateMaxRequests  int64
	RateWindow       time.Duration
	FreeRequests     int64
	FreeResetPeriod  time.Duration
	MinIdentifierLen int
}

// IdentityConfig holds identity hashing configuration
type IdentityConfig struct {
	HashSecret string
}

// PaymentsConfig holds payment processor configuration
type PaymentsConfig struct {
	Provider            string // "crypto" or "stripe"
	CryptoBaseURL       string
	CryptoAPIKey        string
	CryptoWebhookSecret string
	StripeSecretKey     string
	StripeWebhookSecret string
	Plans               map[string]int64 // plan id -> credits
}

// ReconcileConfig holds manual reconciliation configuration
type ReconcileConfig struct {
	Enabled        bool
	Interval       time.Duration
	PriceURL       string
	BalanceURLBTC  string
	BalanceURLXMR  string
	PlanUSD        float64
	PlanCredits    int64
	ToleranceFrac  float64
	DefaultBTCUSD  float64
	DefaultXMRUSD  float64
	RequestTimeout time.Duration
}

// UpstreamConfig holds chat upstream configuration
type UpstreamConfig struct {
	BaseURL   string
	Model     string
	KeepAlive string
	Timeout   time.Duration
}

// SecurityConfig holds admin auth configuration
type SecurityConfig struct {
	AdminAPIToken string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8000),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", "5m"),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "void"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "void_ai"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Limits: LimitsConfig{
			RateMaxRequests:  int64(getEnvAsInt("RATE_MAX_REQUESTS", 30)),
			RateWindow:       getEnvAsDuration("RATE_WINDOW", "60s"),
			FreeRequests:     int64(getEnvAsInt("FREE_REQUESTS", 20)),
			FreeResetPeriod:  getEnvAsDuration("FREE_RESET_PERIOD", "24h"),
			MinIdentifierLen: getEnvAsInt("MIN_IDENTIFIER_LEN", 8),
		},
		Identity: IdentityConfig{
			HashSecret: getEnv("IDENTITY_HASH_SECRET", ""),
		},
		Payments: PaymentsConfig{
			Provider:            getEnv("PAYMENT_PROVIDER", "crypto"),
			CryptoBaseURL:       getEnv("CRYPTO_PAY_BASE_URL", ""),
			CryptoAPIKey:        getEnv("CRYPTO_PAY_API_KEY", ""),
			CryptoWebhookSecret: getEnv("CRYPTO_PAY_WEBHOOK_SECRET", ""),
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Plans: map[string]int64{
				"starter": 1000,
				"plus":    5000,
				"max":     15000,
			},
		},
		Reconcile: ReconcileConfig{
			Enabled:        getEnvAsBool("RECONCILE_ENABLED", false),
			Interval:       getEnvAsDuration("RECONCILE_INTERVAL", "10m"),
			PriceURL:       getEnv("RECONCILE_PRICE_URL", "https://api.coingecko.com/api/v3/simple/price"),
			BalanceURLBTC:  getEnv("RECONCILE_BALANCE_URL_BTC", ""),
			BalanceURLXMR:  getEnv("RECONCILE_BALANCE_URL_XMR", ""),
			PlanUSD:        getEnvAsFloat("RECONCILE_PLAN_USD", 10.0),
			PlanCredits:    int64(getEnvAsInt("RECONCILE_PLAN_CREDITS", 15000)),
			ToleranceFrac:  getEnvAsFloat("RECONCILE_TOLERANCE", 0.9),
			DefaultBTCUSD:  getEnvAsFloat("RECONCILE_DEFAULT_BTC_USD", 60000),
			DefaultXMRUSD:  getEnvAsFloat("RECONCILE_DEFAULT_XMR_USD", 150),
			RequestTimeout: getEnvAsDuration("RECONCILE_REQUEST_TIMEOUT", "10s"),
		},
		Upstream: UpstreamConfig{
			BaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			Model:     getEnv("OLLAMA_MODEL", "dolphin-mistral"),
			KeepAlive: getEnv("OLLAMA_KEEP_ALIVE", "5m"),
			Timeout:   getEnvAsDuration("OLLAMA_TIMEOUT", "2m"),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
	}

	// Validate required fields
	if cfg.Identity.HashSecret == "" {
		return nil, fmt.Errorf("IDENTITY_HASH_SECRET is required")
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	switch cfg.Payments.Provider {
	case "crypto":
		if cfg.Payments.CryptoWebhookSecret == "" {
			return nil, fmt.Errorf("CRYPTO_PAY_WEBHOOK_SECRET is required for the crypto provider")
		}
	case "stripe":
		if cfg.Payments.StripeSecretKey == "" {
			return nil, fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe provider")
		}
		if cfg.Payments.StripeWebhookSecret == "" {
			return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required for the stripe provider")
		}
	default:
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.Payments.Provider)
	}

	return cfg, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsList(key string, defaultValue string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
