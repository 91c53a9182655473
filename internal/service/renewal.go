package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hostpanel/internal/gateway"
	"hostpanel/internal/metrics"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

const (
	minRenewMonths = 1
	maxRenewMonths = 12
	idempotencyTTL = 24 * time.Hour
)

// IdempotencyGuard remembers request keys.
type IdempotencyGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// RenewalProcessor extends an instance's billing period and debits the account.
// The expiry write is the billing truth; the remote unsuspend is best-effort.
type RenewalProcessor struct {
	store   repository.AccountStore
	gateway gateway.Gateway
	guard   IdempotencyGuard
	events  *publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRenewalProcessor(store repository.AccountStore, gw gateway.Gateway, guard IdempotencyGuard, bus repository.MessageBus, m *metrics.Metrics) *RenewalProcessor {
	return &RenewalProcessor{
		store:   store,
		gateway: gw,
		guard:   guard,
		events:  newPublisher(bus),
		metrics: m,
		now:     time.Now,
	}
}

func (p *RenewalProcessor) Renew(ctx context.Context, accountID string, req model.RenewRequest, idempotencyKey string) (res *model.RenewResult, err error) {
	serverID := strings.TrimSpace(req.ServerID)
	if serverID == "" {
		return nil, ErrMissingServerID
	}
	if req.Months < minRenewMonths || req.Months > maxRenewMonths {
		return nil, ErrInvalidMonths
	}

	defer func() {
		if err != nil {
			p.metrics.RecordRenewal("failed")
		} else {
			p.metrics.RecordRenewal("success")
		}
	}()

	if idempotencyKey != "" && p.guard != nil {
		claimKey := fmt.Sprintf("renew:%s:%s", accountID, idempotencyKey)
		if err := p.guard.Claim(ctx, claimKey, idempotencyTTL); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				if fErr := p.guard.Forget(context.WithoutCancel(ctx), claimKey); fErr != nil {
					log.Warn().Err(fErr).Str("account_id", accountID).Msg("Failed to release idempotency key")
				}
			}
		}()
	}

	acc, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	inst, ok := acc.Instance(serverID)
	if !ok {
		return nil, repository.ErrInstanceNotFound
	}
	prior := *inst
	key := model.InstanceKey{AccountID: accountID, InstanceID: serverID}

	cost := prior.Price.Mul(decimal.NewFromInt(int64(req.Months)))
	if acc.Balance.LessThan(cost) {
		return nil, &InsufficientFundsError{Required: cost, Current: acc.Balance}
	}

	now := p.now().UTC().Truncate(time.Millisecond)
	periodStart := model.RenewalBase(now, prior.ResolvedExpiry())
	newExpiry := model.AddMonths(periodStart, req.Months)

	if err := p.store.ApplyBilling(ctx, key, model.BillingUpdate{
		PriorExpiresAt:  prior.ExpiresAt,
		ExpiresAt:       newExpiry,
		LastBillingDate: &now,
		NextBillingDate: &newExpiry,
		Status:          model.StatusActive,
		IsExpired:       false,
		AutoRenewal:     true,
	}); err != nil {
		return nil, fmt.Errorf("extend expiry: %w", err)
	}

	entry := model.Transaction{
		ID:          uuid.NewString(),
		Type:        model.TransactionDebit,
		Amount:      cost,
		Currency:    acc.Currency,
		Description: fmt.Sprintf("Renewal of %s for %d month(s)", displayName(prior), req.Months),
		InstanceID:  serverID,
		CreatedAt:   now,
	}
	invoice := &model.Invoice{
		ID:          uuid.NewString(),
		InstanceID:  serverID,
		Amount:      cost,
		Currency:    acc.Currency,
		Months:      req.Months,
		PeriodStart: periodStart,
		PeriodEnd:   newExpiry,
		Status:      "paid",
		CreatedAt:   now,
	}
	newBalance, err := p.store.AdjustBalance(ctx, accountID, entry, invoice)
	if err != nil {
		p.revert(ctx, key, prior, newExpiry)
		if errors.Is(err, repository.ErrInsufficientBalance) {
			current := acc.Balance
			if fresh, gErr := p.store.GetAccount(ctx, accountID); gErr == nil {
				current = fresh.Balance
			}
			return nil, &InsufficientFundsError{Required: cost, Current: current}
		}
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	logger := log.With().Str("account_id", accountID).Str("instance_id", serverID).Logger()
	logger.Info().
		Int("months", req.Months).
		Str("cost", cost.String()).
		Time("new_expiry", newExpiry).
		Msg("Renewed instance")

	p.events.publish(model.LifecycleEvent{
		Type: model.EventBalanceDebited, AccountID: accountID, InstanceID: serverID,
		Amount: cost.String(), Detail: entry.ID, OccurredAt: now,
	})
	p.events.publish(model.LifecycleEvent{
		Type: model.EventInstanceRenewed, AccountID: accountID, InstanceID: serverID,
		RemoteID: prior.Remote(), Detail: newExpiry.Format(time.RFC3339), OccurredAt: now,
	})

	if prior.Status == model.StatusSuspended && prior.HasRemote() {
		if err := p.gateway.Unsuspend(ctx, prior.Remote()); err != nil {
			logger.Warn().Err(err).Str("remote_id", prior.Remote()).Msg("Renewed but remote unsuspend failed")
			p.events.publish(model.LifecycleEvent{
				Type: model.EventInstanceUnsuspendFailed, AccountID: accountID, InstanceID: serverID,
				RemoteID: prior.Remote(), Detail: err.Error(),
			})
		} else {
			p.events.publish(model.LifecycleEvent{
				Type: model.EventInstanceUnsuspended, AccountID: accountID, InstanceID: serverID, RemoteID: prior.Remote(),
			})
		}
	}

	return &model.RenewResult{NewExpiry: newExpiry, Cost: cost, NewBalance: newBalance}, nil
}

// revert undoes the expiry write after a failed debit, conditional on the
// expiry still being the one we just wrote.
func (p *RenewalProcessor) revert(ctx context.Context, key model.InstanceKey, prior model.Instance, written time.Time) {
	err := p.store.ApplyBilling(context.WithoutCancel(ctx), key, model.BillingUpdate{
		PriorExpiresAt:  &written,
		ExpiresAt:       prior.ResolvedExpiry(),
		LastBillingDate: prior.LastBillingDate,
		NextBillingDate: prior.NextBillingDate,
		Status:          prior.Status,
		IsExpired:       prior.IsExpired,
		AutoRenewal:     prior.AutoRenewal,
		SuspendedAt:     prior.SuspendedAt,
		AutoSuspended:   prior.AutoSuspended,
	})
	if err != nil {
		log.Error().Err(err).
			Str("account_id", key.AccountID).
			Str("instance_id", key.InstanceID).
			Msg("Debit failed and expiry extension could not be reverted")
	}
}

func displayName(inst model.Instance) string {
	if inst.Name != "" {
		return inst.Name
	}
	if inst.Plan != "" {
		return inst.Plan
	}
	return inst.ID
}
