package orders

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"gridbot/internal/strategy"

	"github.com/google/uuid"
)

const (
	// MaxClientOrderIDLength is the maximum length allowed by Binance
	MaxClientOrderIDLength = 36

	// keyIDChars is how many hex characters of a leg key go into the client id
	keyIDChars = 12
)

// Errors for client order ID operations
var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
	ErrEmptyPrefix          = errors.New("client order ID prefix cannot be empty")
)

// LegKey is the deterministic identity of a planned leg. Any change of config
// version, side, role, stage, spacing or notional yields a different key.
//
// Format hashed: "v|side|role|stage|spacing(8dp)|notional(4dp)"
func LegKey(version int64, side strategy.Side, role Role, stage int, spacing, notional float64) string {
	raw := fmt.Sprintf("%d|%s|%s|%d|%.8f|%.4f", version, side, role, stage, spacing, notional)
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PendingKey identifies a pinned pending-entry order. It does not depend on
// config version so a reload with the same price keeps the resting order.
func PendingKey(side strategy.Side, price float64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("pending|%s|%.8f", side, price)))
	return hex.EncodeToString(sum[:])
}

// ClientOrderID builds prefix + side char + role char + key[:12]
//
// Example: prefix "AF", long add → "AFLA3f2b9c01d4e5"
func ClientOrderID(prefix string, side strategy.Side, role Role, key string) (string, error) {
	if prefix == "" {
		return "", ErrEmptyPrefix
	}
	if len(key) > keyIDChars {
		key = key[:keyIDChars]
	}
	id := prefix + side.Char() + role.Char() + key
	if len(id) > MaxClientOrderIDLength {
		return "", fmt.Errorf("%w: generated ID '%s' is %d characters", ErrClientOrderIDTooLong, id, len(id))
	}
	return id, nil
}

// FallbackClientOrderID creates a unique id for orders that have no plan key
// (market flattens, ad-hoc cancels-and-replace). Format: prefix + "X" + uuid hex.
func FallbackClientOrderID(prefix string) string {
	id := prefix + RoleExit.Char() + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > MaxClientOrderIDLength {
		id = id[:MaxClientOrderIDLength]
	}
	return id
}

// ValidateClientOrderID validates that a client order ID meets Binance requirements.
// Returns nil if valid, error otherwise.
func ValidateClientOrderID(id string) error {
	if id == "" {
		return ErrInvalidClientOrderID
	}
	if len(id) > MaxClientOrderIDLength {
		return fmt.Errorf("%w: ID '%s' is %d characters (max %d)", ErrClientOrderIDTooLong, id, len(id), MaxClientOrderIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == ':' || r == '/' || r == '_' || r == '-':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidClientOrderID, r)
		}
	}
	return nil
}
