package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/core-coin/tributum/pkg/validation"
)

const (
	// LedgerBackendEthereum selects the go-ethereum RPC client
	LedgerBackendEthereum = "ethereum"
	// LedgerBackendCore selects the go-core RPC client
	LedgerBackendCore = "core"

	DatabaseDriverPostgres = "postgres"
	DatabaseDriverSQLite   = "sqlite"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int

	// Database configuration
	DatabaseDriver   string
	SQLitePath       string
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Ledger configuration
	LedgerBackend        string
	BlockchainServiceURL string
	NetworkID            *big.Int
	ReceivingAddress     string
	LedgerCurrency       string
	LedgerDecimals       int32

	// Verification configuration
	ConfirmationDepth   uint64
	VerificationTimeout time.Duration
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	OracleCallTimeout   time.Duration
	OracleRetryBudget   int
	OracleRateLimit     float64
	IntakeWorkers       int

	// Telegram configuration
	TelegramBotToken string
	WebAppURL        string

	// Notification configuration
	NotifyMaxAttempts    int
	NotifyInitialBackoff time.Duration
	NotifyMaxBackoff     time.Duration
	NotifyCallTimeout    time.Duration
	NotifyWorkers        int
	NotifyQueueSize      int

	// Billing configuration
	SweepInterval   time.Duration
	SweepStartDelay time.Duration
	ReminderDays    []int

	// SMTP configuration, used for dead-letter alerts to operators
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SMTPSender    string
	OpsAlertEmail string
}

// AddressLength returns the expected hex length of addresses on the configured ledger
func (c *Config) AddressLength() int {
	if c.LedgerBackend == LedgerBackendCore {
		return validation.CoreAddressLength
	}
	return validation.EthereumAddressLength
}

// LoadConfig loads and validates the configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := ReadConfig()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ReadConfig reads the configuration from environment variables without validating it,
// so command line flags can be applied first.
func ReadConfig() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:      getEnvAsBool("DEVELOPMENT", false),
		APIPort:          getEnvAsInt("API_PORT", 3000),
		DatabaseDriver:   getEnv("DATABASE_DRIVER", DatabaseDriverPostgres),
		SQLitePath:       getEnv("SQLITE_PATH", "tributum.db"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "tributum"),

		LedgerBackend:        getEnv("LEDGER_BACKEND", LedgerBackendEthereum),
		BlockchainServiceURL: getEnv("BLOCKCHAIN_SERVICE_URL", "http://localhost:8545"),
		NetworkID:            getEnvAsBigInt("NETWORK_ID", big.NewInt(1)),
		ReceivingAddress:     getEnv("RECEIVING_ADDRESS", ""),
		LedgerCurrency:       getEnv("LEDGER_CURRENCY", "ETH"),
		LedgerDecimals:       int32(getEnvAsInt("LEDGER_DECIMALS", 18)),

		ConfirmationDepth:   uint64(getEnvAsInt("CONFIRMATION_DEPTH", 12)),
		VerificationTimeout: getEnvAsDuration("VERIFICATION_TIMEOUT", 15*time.Minute),
		PollInitialInterval: getEnvAsDuration("POLL_INITIAL_INTERVAL", 2*time.Second),
		PollMaxInterval:     getEnvAsDuration("POLL_MAX_INTERVAL", 30*time.Second),
		OracleCallTimeout:   getEnvAsDuration("ORACLE_CALL_TIMEOUT", 10*time.Second),
		OracleRetryBudget:   getEnvAsInt("ORACLE_RETRY_BUDGET", 8),
		OracleRateLimit:     getEnvAsFloat("ORACLE_RATE_LIMIT", 10),
		IntakeWorkers:       getEnvAsInt("INTAKE_WORKERS", 16),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		WebAppURL:        getEnv("WEB_APP_URL", ""),

		NotifyMaxAttempts:    getEnvAsInt("NOTIFY_MAX_ATTEMPTS", 3),
		NotifyInitialBackoff: getEnvAsDuration("NOTIFY_INITIAL_BACKOFF", time.Second),
		NotifyMaxBackoff:     getEnvAsDuration("NOTIFY_MAX_BACKOFF", time.Minute),
		NotifyCallTimeout:    getEnvAsDuration("NOTIFY_CALL_TIMEOUT", 10*time.Second),
		NotifyWorkers:        getEnvAsInt("NOTIFY_WORKERS", 4),
		NotifyQueueSize:      getEnvAsInt("NOTIFY_QUEUE_SIZE", 1024),

		SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", 24*time.Hour),
		SweepStartDelay: getEnvAsDuration("SWEEP_START_DELAY", 30*time.Second),
		ReminderDays:    getEnvAsIntSlice("REMINDER_DAYS", []int{7, 3, 1}),

		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:      getEnv("SMTP_USER", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SMTPSender:    getEnv("SMTP_SENDER", ""),
		OpsAlertEmail: getEnv("OPS_ALERT_EMAIL", ""),
	}
	return cfg
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case LedgerBackendEthereum, LedgerBackendCore:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", LedgerBackendEthereum, LedgerBackendCore, c.LedgerBackend)
	}

	if c.ReceivingAddress == "" {
		return fmt.Errorf("RECEIVING_ADDRESS is required")
	}
	if err := validation.ValidateAddress(c.ReceivingAddress, c.AddressLength()); err != nil {
		return fmt.Errorf("invalid RECEIVING_ADDRESS format: %w", err)
	}

	if c.BlockchainServiceURL == "" {
		return fmt.Errorf("BLOCKCHAIN_SERVICE_URL is required")
	}

	if err := validation.ValidateCurrency(c.LedgerCurrency); err != nil {
		return fmt.Errorf("invalid LEDGER_CURRENCY: %w", err)
	}
	if c.LedgerDecimals < 0 || c.LedgerDecimals > 36 {
		return fmt.Errorf("LEDGER_DECIMALS must be between 0 and 36")
	}

	if c.VerificationTimeout <= 0 {
		return fmt.Errorf("VERIFICATION_TIMEOUT must be positive")
	}
	if c.PollInitialInterval <= 0 || c.PollMaxInterval < c.PollInitialInterval {
		return fmt.Errorf("POLL_INITIAL_INTERVAL must be positive and not above POLL_MAX_INTERVAL")
	}
	if c.OracleRetryBudget < 0 {
		return fmt.Errorf("ORACLE_RETRY_BUDGET cannot be negative")
	}
	if c.IntakeWorkers <= 0 || c.NotifyWorkers <= 0 {
		return fmt.Errorf("INTAKE_WORKERS and NOTIFY_WORKERS must be positive")
	}
	if c.NotifyMaxAttempts <= 0 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be positive")
	}

	switch c.DatabaseDriver {
	case DatabaseDriverPostgres:
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required")
		}
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required")
		}
	case DatabaseDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q", DatabaseDriverPostgres, DatabaseDriverSQLite)
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsFloat(name string, defaultValue float64) float64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBigInt(name string, defaultValue *big.Int) *big.Int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, ok := new(big.Int).SetString(valueStr, 10); ok {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

// getEnvAsIntSlice parses a comma separated list such as "7,3,1"
func getEnvAsIntSlice(name string, defaultValue []int) []int {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue
	}
	var values []int
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.Atoi(part)
		if err != nil || value < 0 {
			return defaultValue
		}
		values = append(values, value)
	}
	return values
}
