package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hostpanel/internal/gateway"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

// DriftSweeper closes the gap a failed post-renewal unsuspend leaves behind:
// paid-up active instances that the remote still reports as suspended.
// Overdue instances are left to the reconciler.
type DriftSweeper struct {
	store   repository.AccountStore
	gateway gateway.Gateway
	events  *publisher
	now     func() time.Time
}

func NewDriftSweeper(store repository.AccountStore, gw gateway.Gateway, bus repository.MessageBus) *DriftSweeper {
	return &DriftSweeper{store: store, gateway: gw, events: newPublisher(bus), now: time.Now}
}

func (d *DriftSweeper) Sweep(ctx context.Context) (model.SweepResult, error) {
	ctx = context.WithoutCancel(ctx)
	var res model.SweepResult

	candidates, err := d.store.FindActiveRemote(ctx)
	if err != nil {
		return res, fmt.Errorf("gather active instances: %w", err)
	}

	now := d.now().UTC()
	for _, c := range candidates {
		if c.Instance.DueAt(now) {
			continue
		}
		res.Checked++
		remoteID := c.Instance.Remote()
		logger := log.With().
			Str("account_id", c.AccountID).
			Str("instance_id", c.Instance.ID).
			Str("remote_id", remoteID).
			Logger()

		status, err := d.gateway.Status(ctx, remoteID)
		if err != nil {
			logger.Warn().Err(err).Msg("Drift sweep could not read remote status")
			res.Errors++
			continue
		}
		if status != gateway.StatusSuspended {
			continue
		}

		if err := d.gateway.Unsuspend(ctx, remoteID); err != nil {
			logger.Warn().Err(err).Msg("Drift sweep failed to unsuspend active instance")
			res.Errors++
			continue
		}
		res.Unsuspended++
		logger.Info().Msg("Drift sweep unsuspended active instance")
		d.events.publish(model.LifecycleEvent{
			Type: model.EventInstanceUnsuspended, AccountID: c.AccountID, InstanceID: c.Instance.ID,
			RemoteID: remoteID, Surface: "resync",
		})
	}
	return res, nil
}
