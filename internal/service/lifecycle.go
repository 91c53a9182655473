package service

import (
	"context"

	"hostpanel/internal/gateway"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

// LifecycleService defines the server lifecycle operations.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete engine.
type LifecycleService interface {
	RunScan(ctx context.Context, surface Surface) (model.Summary, error)
	CheckAccount(ctx context.Context, accountID string) (model.Summary, error)
	Renew(ctx context.Context, accountID string, req model.RenewRequest, idempotencyKey string) (*model.RenewResult, error)
	ListInstances(ctx context.Context, accountID string) ([]InstanceView, error)
	InstanceStatus(ctx context.Context, accountID, instanceID string) (gateway.Status, error)
	Power(ctx context.Context, accountID string, req model.PowerRequest) error
	DeleteInstance(ctx context.Context, accountID, instanceID string) error
	Resync(ctx context.Context) (model.SweepResult, error)
	Ping(ctx context.Context) error
}

// Engine composes the lifecycle components behind LifecycleService.
type Engine struct {
	store     repository.AccountStore
	surfaces  *Surfaces
	renewals  *RenewalProcessor
	instances *InstanceService
	sweeper   *DriftSweeper
}

func NewEngine(store repository.AccountStore, surfaces *Surfaces, renewals *RenewalProcessor, instances *InstanceService, sweeper *DriftSweeper) *Engine {
	return &Engine{store: store, surfaces: surfaces, renewals: renewals, instances: instances, sweeper: sweeper}
}

func (e *Engine) RunScan(ctx context.Context, surface Surface) (model.Summary, error) {
	return e.surfaces.RunScan(ctx, surface)
}

func (e *Engine) CheckAccount(ctx context.Context, accountID string) (model.Summary, error) {
	return e.surfaces.CheckAccount(ctx, accountID)
}

func (e *Engine) Renew(ctx context.Context, accountID string, req model.RenewRequest, idempotencyKey string) (*model.RenewResult, error) {
	return e.renewals.Renew(ctx, accountID, req, idempotencyKey)
}

func (e *Engine) ListInstances(ctx context.Context, accountID string) ([]InstanceView, error) {
	return e.instances.List(ctx, accountID)
}

func (e *Engine) InstanceStatus(ctx context.Context, accountID, instanceID string) (gateway.Status, error) {
	return e.instances.Status(ctx, accountID, instanceID)
}

func (e *Engine) Power(ctx context.Context, accountID string, req model.PowerRequest) error {
	return e.instances.Power(ctx, accountID, req)
}

func (e *Engine) DeleteInstance(ctx context.Context, accountID, instanceID string) error {
	return e.instances.Delete(ctx, accountID, instanceID)
}

func (e *Engine) Resync(ctx context.Context) (model.SweepResult, error) {
	return e.sweeper.Sweep(ctx)
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
