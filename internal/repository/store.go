package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hostpanel/internal/model"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrConflict            = errors.New("instance changed concurrently")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyProcessed    = errors.New("request already processed (idempotency)")
	ErrLockHeld            = errors.New("lock is held by another run")
	ErrInvalidRecord       = errors.New("invalid stored record")
)

// AccountStore persists accounts with their embedded instances. Instance
// writes are targeted conditional updates keyed by account id + instance id,
// never whole-document overwrites.
type AccountStore interface {
	Ping(ctx context.Context) error

	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// FindExpiryCandidates returns instances with isExpired == false whose
	// expiresAt is <= now or unset. An empty accountID scans every account.
	FindExpiryCandidates(ctx context.Context, accountID string, now time.Time) ([]model.Candidate, error)

	// FindActiveRemote returns non-expired active instances that have a remote id.
	FindActiveRemote(ctx context.Context) ([]model.Candidate, error)

	// ApplyExpiry marks the instance expired with the given display status,
	// only if it is still not expired and its expiresAt still equals
	// priorExpiresAt (nil matches an unset expiry). It reports whether the
	// write applied.
	ApplyExpiry(ctx context.Context, key model.InstanceKey, priorExpiresAt *time.Time, status model.InstanceStatus, at time.Time) (bool, error)

	// ApplyBilling writes a renewal. It fails with ErrConflict when the
	// stored expiresAt no longer equals update.PriorExpiresAt.
	ApplyBilling(ctx context.Context, key model.InstanceKey, update model.BillingUpdate) error

	// AdjustBalance applies entry.Delta() together with the ledger entry
	// (and invoice, if any). Debits that would take the balance below zero
	// fail with ErrInsufficientBalance.
	AdjustBalance(ctx context.Context, accountID string, entry model.Transaction, invoice *model.Invoice) (decimal.Decimal, error)

	RemoveInstance(ctx context.Context, key model.InstanceKey) error
}

// normalizeInstance validates an instance read from storage. Records without
// an id or creation time are rejected; unknown display states are folded
// into active/expired according to the authoritative isExpired flag.
func normalizeInstance(inst model.Instance) (model.Instance, error) {
	if inst.ID == "" {
		return inst, fmt.Errorf("%w: instance without id", ErrInvalidRecord)
	}
	if inst.CreatedAt.IsZero() {
		return inst, fmt.Errorf("%w: instance %s without createdAt", ErrInvalidRecord, inst.ID)
	}
	if inst.RemoteID != nil && *inst.RemoteID == "" {
		inst.RemoteID = nil
	}
	if !inst.Status.Valid() {
		if inst.IsExpired {
			inst.Status = model.StatusExpired
		} else {
			inst.Status = model.StatusActive
		}
	}
	return inst, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func expiryStatusValid(status model.InstanceStatus) error {
	if status != model.StatusSuspended && status != model.StatusExpired {
		return fmt.Errorf("expiry status must be suspended or expired, got %q", status)
	}
	return nil
}
