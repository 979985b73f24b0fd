package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RECEIVING_ADDRESS", "0x"+strings.Repeat("ab", 20))
	t.Setenv("DATABASE_DRIVER", "sqlite")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, LedgerBackendEthereum, cfg.LedgerBackend)
	assert.Equal(t, "ETH", cfg.LedgerCurrency)
	assert.EqualValues(t, 18, cfg.LedgerDecimals)
	assert.EqualValues(t, 12, cfg.ConfirmationDepth)
	assert.Equal(t, 2*time.Second, cfg.PollInitialInterval)
	assert.Equal(t, 3, cfg.NotifyMaxAttempts)
	assert.Equal(t, []int{7, 3, 1}, cfg.ReminderDays)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CONFIRMATION_DEPTH", "3")
	t.Setenv("VERIFICATION_TIMEOUT", "90s")
	t.Setenv("REMINDER_DAYS", "5, 1")
	t.Setenv("ORACLE_RATE_LIMIT", "2.5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.EqualValues(t, 3, cfg.ConfirmationDepth)
	assert.Equal(t, 90*time.Second, cfg.VerificationTimeout)
	assert.Equal(t, []int{5, 1}, cfg.ReminderDays)
	assert.Equal(t, 2.5, cfg.OracleRateLimit)
}

func TestValidateRejectsBadReceivingAddress(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECEIVING_ADDRESS", "0x1234")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECEIVING_ADDRESS")
}

func TestValidateCoreAddressLength(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LEDGER_BACKEND", LedgerBackendCore)

	_, err := LoadConfig()
	require.Error(t, err, "a 20 byte address is not a core address")

	t.Setenv("RECEIVING_ADDRESS", "cb"+strings.Repeat("12", 21))
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 44, cfg.AddressLength())
}

func TestValidateUnknownBackend(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LEDGER_BACKEND", "solana")

	_, err := LoadConfig()
	require.Error(t, err)
}
