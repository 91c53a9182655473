package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidMonths     = fmt.Errorf("%w: months must be between 1 and 12", ErrValidation)
	ErrMissingServerID   = fmt.Errorf("%w: serverId is required", ErrValidation)
	ErrInvalidSignal     = fmt.Errorf("%w: signal must be start, stop or restart", ErrValidation)
	ErrNoRemote          = fmt.Errorf("%w: server has not been provisioned yet", ErrValidation)
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInstanceExpired   = errors.New("server is expired, renew it first")
)

// InsufficientFundsError carries both amounts for display.
type InsufficientFundsError struct {
	Required decimal.Decimal
	Current  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %s, current %s", e.Required.StringFixed(2), e.Current.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
