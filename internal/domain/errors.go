package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidPlatform      = errors.New("invalid platform")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrAccountNotFound      = errors.New("account not found")
	ErrDistributionNotFound = errors.New("distribution not found")
	ErrInsufficientPoints   = errors.New("insufficient points")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrOrderNotFound        = errors.New("payment order not found")
	ErrDuplicate            = errors.New("already exists")
)

// InsufficientPointsError carries the balance that failed the check.
type InsufficientPointsError struct {
	AccountID string
	Balance   int64
	Cost      int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: account %s has %d, needs %d", e.AccountID, e.Balance, e.Cost)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// Unavailable wraps an infrastructure failure so callers can match
// ErrStorageUnavailable while keeping the driver error in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
