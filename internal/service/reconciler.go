package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hostpanel/internal/gateway"
	"hostpanel/internal/metrics"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

// Reconciler decides expiry outcomes for candidate instances and drives the
// remote suspend calls. Candidates are processed sequentially and
// independently: one failure never aborts the batch.
type Reconciler struct {
	store   repository.AccountStore
	gateway gateway.Gateway
	events  *publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReconciler(store repository.AccountStore, gw gateway.Gateway, bus repository.MessageBus, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		gateway: gw,
		events:  newPublisher(bus),
		metrics: m,
		now:     time.Now,
	}
}

type outcome int

const (
	outcomeNotDue outcome = iota
	outcomeSuspended
	outcomeExpired
	outcomeSkipped
	outcomeError
)

// Reconcile processes every candidate and returns the outcome counts.
func (r *Reconciler) Reconcile(ctx context.Context, surface string, candidates []model.Candidate) model.ReconcileResult {
	var res model.ReconcileResult
	for _, c := range candidates {
		switch r.processOne(ctx, surface, c) {
		case outcomeNotDue:
			continue
		case outcomeSuspended:
			res.Suspended++
			r.metrics.RecordOutcome(metrics.OutcomeSuspended)
		case outcomeExpired:
			res.Expired++
			r.metrics.RecordOutcome(metrics.OutcomeExpired)
		case outcomeSkipped:
			res.Skipped++
			r.metrics.RecordOutcome(metrics.OutcomeSkipped)
		case outcomeError:
			res.Errors++
			r.metrics.RecordOutcome(metrics.OutcomeError)
		}
		res.Processed++
	}
	return res
}

func (r *Reconciler) processOne(ctx context.Context, surface string, c model.Candidate) (out outcome) {
	key := c.Key()
	logger := log.With().
		Str("surface", surface).
		Str("account_id", key.AccountID).
		Str("instance_id", key.InstanceID).
		Str("remote_id", c.Instance.Remote()).
		Logger()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Str("panic", fmt.Sprint(rec)).Msg("Recovered panic while reconciling instance")
			out = outcomeError
		}
	}()

	now := r.now().UTC().Truncate(time.Millisecond)
	if !c.Instance.DueAt(now) {
		return outcomeNotDue
	}

	status := model.StatusExpired
	if c.Instance.HasRemote() {
		err := r.gateway.Suspend(ctx, c.Instance.Remote())
		switch {
		case err == nil:
			status = model.StatusSuspended
		case gateway.IsNotFound(err):
			logger.Warn().Err(err).Msg("Remote instance no longer exists, expiring locally")
		default:
			logger.Error().Err(err).Bool("transient", gateway.IsTransient(err)).Msg("Failed to suspend expired instance")
			return outcomeError
		}
	}

	applied, err := r.store.ApplyExpiry(ctx, key, c.Instance.ExpiresAt, status, now)
	if err != nil {
		if status == model.StatusSuspended {
			logger.Warn().Err(err).Msg("Remote instance suspended but local state not updated, next run will retry")
		} else {
			logger.Error().Err(err).Msg("Failed to mark instance expired")
		}
		return outcomeError
	}
	if !applied {
		if status == model.StatusSuspended {
			r.restoreIfRenewed(ctx, surface, c, now, logger)
		}
		logger.Debug().Msg("Instance changed since it was read, skipping")
		return outcomeSkipped
	}

	evType := model.EventInstanceExpired
	if status == model.StatusSuspended {
		evType = model.EventInstanceSuspended
		logger.Info().Time("expires_at", c.Instance.ResolvedExpiry()).Msg("Suspended expired instance")
	} else {
		logger.Info().Time("expires_at", c.Instance.ResolvedExpiry()).Msg("Expired instance without remote server")
	}
	r.events.publish(model.LifecycleEvent{
		Type:       evType,
		AccountID:  key.AccountID,
		InstanceID: key.InstanceID,
		RemoteID:   c.Instance.Remote(),
		Surface:    surface,
		OccurredAt: now,
	})

	if status == model.StatusSuspended {
		return outcomeSuspended
	}
	return outcomeExpired
}

// restoreIfRenewed handles a lost expiry write after a successful remote
// suspend. If the instance is no longer due (a renewal landed in between) the
// remote server is resumed so a paid instance is not left suspended.
func (r *Reconciler) restoreIfRenewed(ctx context.Context, surface string, c model.Candidate, now time.Time, logger zerolog.Logger) {
	acc, err := r.store.GetAccount(ctx, c.AccountID)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not re-read instance after lost expiry write")
		return
	}
	inst, ok := acc.Instance(c.Instance.ID)
	if !ok || inst.IsExpired || inst.DueAt(now) || !inst.HasRemote() {
		return
	}
	if err := r.gateway.Unsuspend(ctx, inst.Remote()); err != nil {
		logger.Error().Err(err).Msg("Instance renewed during suspend and remote unsuspend failed")
		r.events.publish(model.LifecycleEvent{
			Type: model.EventInstanceUnsuspendFailed, AccountID: c.AccountID, InstanceID: inst.ID,
			RemoteID: inst.Remote(), Surface: surface, Detail: err.Error(), OccurredAt: now,
		})
		return
	}
	logger.Info().Msg("Instance renewed during suspend, remote server resumed")
	r.events.publish(model.LifecycleEvent{
		Type: model.EventInstanceUnsuspended, AccountID: c.AccountID, InstanceID: inst.ID,
		RemoteID: inst.Remote(), Surface: surface, OccurredAt: now,
	})
}
