package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Transaction is an append-only ledger entry that accompanies every balance change.
type Transaction struct {
	ID          string          `json:"id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	InstanceID  string          `json:"instanceId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Delta is the signed balance change this entry represents.
func (t Transaction) Delta() decimal.Decimal {
	if t.Type == TransactionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

type Invoice struct {
	ID          string          `json:"id"`
	InstanceID  string          `json:"instanceId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Months      int             `json:"months"`
	PeriodStart time.Time       `json:"periodStart"`
	PeriodEnd   time.Time       `json:"periodEnd"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type RenewRequest struct {
	ServerID string `json:"serverId"`
	Months   int    `json:"months"`
}

type RenewResult struct {
	NewExpiry  time.Time       `json:"newExpiry"`
	Cost       decimal.Decimal `json:"cost"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

type PowerRequest struct {
	ServerID string `json:"serverId"`
	Signal   string `json:"signal"`
}

// BillingUpdate is the instance write applied by a renewal (or its
// reversal). PriorExpiresAt is the optimistic-concurrency guard: the write
// only applies if the stored expiresAt still equals it (nil means unset).
type BillingUpdate struct {
	PriorExpiresAt  *time.Time
	ExpiresAt       time.Time
	LastBillingDate *time.Time
	NextBillingDate *time.Time
	Status          InstanceStatus
	IsExpired       bool
	AutoRenewal     bool
	SuspendedAt     *time.Time
	AutoSuspended   bool
}
