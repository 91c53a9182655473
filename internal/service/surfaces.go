package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hostpanel/internal/metrics"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

type Surface string

const (
	SurfaceCron    Surface = "cron"
	SurfaceMonitor Surface = "monitor"
	SurfaceUser    Surface = "user"
	SurfaceAdmin   Surface = "admin"
)

const (
	scanLockName       = "auto-suspend"
	noExpiredMessage   = "No expired servers found"
	scanRunningMessage = "Another auto-suspend scan is already running"
)

// Locker serialises all-accounts scans across processes.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// scope is what differs between trigger surfaces: which accounts are
// scanned, which reconciler runs, and whether the scan lock is taken.
type scope struct {
	surface    Surface
	accountID  string
	reconciler *Reconciler
	lock       bool
}

// Surfaces adapts the trigger entry points onto one Reconciler. The admin
// surface uses a reconciler whose gateway retries transient failures.
type Surfaces struct {
	store    repository.AccountStore
	locker   Locker
	lockTTL  time.Duration
	plain    *Reconciler
	retrying *Reconciler
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewSurfaces(store repository.AccountStore, locker Locker, lockTTL time.Duration, plain, retrying *Reconciler, m *metrics.Metrics) *Surfaces {
	if retrying == nil {
		retrying = plain
	}
	return &Surfaces{
		store:    store,
		locker:   locker,
		lockTTL:  lockTTL,
		plain:    plain,
		retrying: retrying,
		metrics:  m,
		now:      time.Now,
	}
}

// RunScan runs an all-accounts scan for the cron, monitor or admin surface.
func (s *Surfaces) RunScan(ctx context.Context, surface Surface) (model.Summary, error) {
	sc := scope{surface: surface, reconciler: s.plain, lock: true}
	switch surface {
	case SurfaceCron, SurfaceMonitor:
	case SurfaceAdmin:
		sc.reconciler = s.retrying
	default:
		return model.Summary{}, fmt.Errorf("surface %q cannot scan all accounts", surface)
	}
	return s.run(ctx, sc)
}

// CheckAccount runs the user-initiated check scoped to one account.
func (s *Surfaces) CheckAccount(ctx context.Context, accountID string) (model.Summary, error) {
	if accountID == "" {
		return model.Summary{}, repository.ErrAccountNotFound
	}
	return s.run(ctx, scope{surface: SurfaceUser, accountID: accountID, reconciler: s.plain})
}

func (s *Surfaces) run(ctx context.Context, sc scope) (model.Summary, error) {
	// A disconnecting caller must not abort a batch halfway.
	ctx = context.WithoutCancel(ctx)
	summary := model.Summary{Surface: string(sc.surface)}
	logger := log.With().Str("surface", string(sc.surface)).Logger()

	if sc.lock && s.locker != nil {
		release, err := s.locker.Acquire(ctx, scanLockName, s.lockTTL)
		if errors.Is(err, repository.ErrLockHeld) {
			logger.Info().Msg("Auto-suspend scan skipped, another run holds the lock")
			summary.Skipped = true
			summary.Message = scanRunningMessage
			return summary, nil
		}
		if err != nil {
			return summary, fmt.Errorf("acquire scan lock: %w", err)
		}
		defer func() {
			if err := release(ctx); err != nil {
				logger.Warn().Err(err).Msg("Failed to release scan lock")
			}
		}()
	}

	s.metrics.RecordRun(string(sc.surface))
	start := time.Now()

	candidates, err := s.store.FindExpiryCandidates(ctx, sc.accountID, s.now().UTC())
	if err != nil {
		return summary, fmt.Errorf("gather candidates: %w", err)
	}

	accounts := make(map[string]struct{})
	for _, c := range candidates {
		accounts[c.AccountID] = struct{}{}
	}
	summary.TotalUsers = len(accounts)
	summary.TotalInstances = len(candidates)

	if len(candidates) == 0 {
		if sc.surface == SurfaceUser {
			summary.Message = noExpiredMessage
		}
		return summary, nil
	}

	summary.Apply(sc.reconciler.Reconcile(ctx, string(sc.surface), candidates))
	if sc.surface == SurfaceUser && summary.TotalProcessed == 0 {
		summary.Message = noExpiredMessage
	}

	logger.Info().
		Int("users", summary.TotalUsers).
		Int("instances", summary.TotalInstances).
		Int("processed", summary.TotalProcessed).
		Int("suspended", summary.TotalSuspended).
		Int("expired", summary.TotalExpired).
		Int("skipped", summary.TotalSkipped).
		Int("errors", summary.TotalErrors).
		Dur("took", time.Since(start)).
		Msg("Auto-suspend scan finished")

	return summary, nil
}
