package validation

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	// TxHashLength is the length of a transaction hash in hex characters (32 bytes)
	TxHashLength = 64
	// EthereumAddressLength is the length of an Ethereum address in hex characters (20 bytes)
	EthereumAddressLength = 40
	// CoreAddressLength is the length of a Core address in hex characters (22 bytes)
	CoreAddressLength = 44
)

var currencyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// ValidateAddress validates a blockchain address format.
// length is the expected number of hex characters without the 0x prefix.
func ValidateAddress(addr string, length int) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	normalized := trimHexPrefix(addr)

	if len(normalized) != length {
		return fmt.Errorf("invalid address length: expected %d characters (without 0x), got %d", length, len(normalized))
	}

	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex address: %w", err)
	}

	return nil
}

// NormalizeAddress converts an address to lowercase without 0x prefix
func NormalizeAddress(addr string) string {
	return strings.ToLower(trimHexPrefix(strings.TrimSpace(addr)))
}

// ValidateTxHash validates a 32 byte transaction hash, with or without 0x prefix.
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	normalized := trimHexPrefix(hash)
	if len(normalized) != TxHashLength {
		return fmt.Errorf("invalid transaction hash length: expected %d characters (without 0x), got %d", TxHashLength, len(normalized))
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex transaction hash: %w", err)
	}
	return nil
}

// NormalizeTxHash returns the canonical form used as idempotency key: lowercase with 0x prefix.
func NormalizeTxHash(hash string) string {
	return "0x" + strings.ToLower(trimHexPrefix(strings.TrimSpace(hash)))
}

// ValidateAndNormalizeTxHash validates a transaction hash and returns its canonical form
func ValidateAndNormalizeTxHash(hash string) (string, error) {
	if err := ValidateTxHash(strings.TrimSpace(hash)); err != nil {
		return "", err
	}
	return NormalizeTxHash(hash), nil
}

// ValidateCurrency checks a currency or ticker code such as USD or ETH.
func ValidateCurrency(code string) error {
	if !currencyPattern.MatchString(code) {
		return fmt.Errorf("invalid currency code %q", code)
	}
	return nil
}

func trimHexPrefix(s string) string {
	s = strings.TrimPrefix(s, "0x")
	return strings.TrimPrefix(s, "0X")
}
