// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger node settings
	NodeURL      string
	NodeAPIKey   string // TRON-PRO-API-KEY header, optional
	USDTContract string // TRC-20 token contract address

	// Wallets
	TreasuryAddress string // sweep destination
	FeeWalletKey    string // hex private key of the gas-funding wallet
	FeeWalletAddr   string // derived from FeeWalletKey if empty

	// Secrets
	EncryptionKey string // key-envelope passphrase for deposit signing keys
	WebhookSecret string // HMAC secret for outbound callbacks
	AdminSecret   string // admin API secret

	// Payment lifecycle
	SessionTTL       time.Duration // deposit address validity window
	SettleDelay      time.Duration // pause between gas funding and sweep
	CheckTimeout     time.Duration // upper bound on a single check invocation
	PollInterval     time.Duration // background poller cadence
	NotifyBeforeSweep bool         // webhook ordering policy

	// Fee budget constants, all in SUN. Stable across a deployment.
	ActivationCostSun int64 // one-time account activation
	BaseFeeSun        int64 // flat transfer energy + bandwidth
	PerHundredFeeSun  int64 // extra energy per 100 USDT moved
	FallbackFeeSun    int64 // conservative estimate when activation lookup fails
	GasReserveSun     int64 // left behind on gas recovery
	TokenFeeLimitSun  int64 // feeLimit on token sweep transactions

	// Observability / limits
	OTLPEndpoint string
	RateLimitRPS int
}

// Defaults target the public mainnet.
const (
	DefaultNodeURL      = "https://api.trongrid.io"
	DefaultUSDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100

	DefaultSessionTTL   = 30 * time.Minute
	DefaultSettleDelay  = 3 * time.Second
	DefaultCheckTimeout = 8 * time.Second
	DefaultPollInterval = 15 * time.Second

	DefaultActivationCostSun = 1_000_000 // 1 TRX
	DefaultBaseFeeSun        = 100_000   // 0.1 TRX
	DefaultPerHundredFeeSun  = 10_000    // 0.01 TRX per 100 USDT
	DefaultFallbackFeeSun    = 2_000_000 // 2 TRX
	DefaultGasReserveSun     = 100_000   // 0.1 TRX kept on recovery
	DefaultTokenFeeLimitSun  = 30_000_000 // 30 TRX
)

// Load reads configuration from environment variables.
// It loads .env if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		NodeURL:      getEnv("NODE_URL", DefaultNodeURL),
		NodeAPIKey:   os.Getenv("NODE_API_KEY"),
		USDTContract: getEnv("USDT_CONTRACT", DefaultUSDTContract),

		TreasuryAddress: os.Getenv("TREASURY_ADDRESS"),
		FeeWalletKey:    os.Getenv("FEE_WALLET_KEY"),
		FeeWalletAddr:   os.Getenv("FEE_WALLET_ADDRESS"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),

		SessionTTL:        getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		SettleDelay:       getEnvDuration("SETTLE_DELAY", DefaultSettleDelay),
		CheckTimeout:      getEnvDuration("CHECK_TIMEOUT", DefaultCheckTimeout),
		PollInterval:      getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		NotifyBeforeSweep: getEnvBool("NOTIFY_BEFORE_SWEEP", false),

		ActivationCostSun: getEnvInt64("ACTIVATION_COST_SUN", DefaultActivationCostSun),
		BaseFeeSun:        getEnvInt64("BASE_FEE_SUN", DefaultBaseFeeSun),
		PerHundredFeeSun:  getEnvInt64("PER_HUNDRED_FEE_SUN", DefaultPerHundredFeeSun),
		FallbackFeeSun:    getEnvInt64("FALLBACK_FEE_SUN", DefaultFallbackFeeSun),
		GasReserveSun:     getEnvInt64("GAS_RESERVE_SUN", DefaultGasReserveSun),
		TokenFeeLimitSun:  getEnvInt64("TOKEN_FEE_LIMIT_SUN", DefaultTokenFeeLimitSun),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.FeeWalletKey == "" {
		return fmt.Errorf("FEE_WALLET_KEY is required")
	}
	key := c.FeeWalletKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("FEE_WALLET_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.TreasuryAddress == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.NodeURL == "" {
		return fmt.Errorf("NODE_URL is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
