package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hostpanel/internal/gateway"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

var testNow = time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func fixedClock() time.Time { return testNow }

type call struct {
	Op       string
	RemoteID string
}

// fakeGateway records calls and returns programmed errors per remote id.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []call
	errs     map[string]error
	statuses map[string]gateway.Status
	onCall   func(op, remoteID string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{errs: map[string]error{}, statuses: map[string]gateway.Status{}}
}

func (f *fakeGateway) record(op, remoteID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{Op: op, RemoteID: remoteID})
	hook := f.onCall
	err := f.errs[op+":"+remoteID]
	f.mu.Unlock()
	if hook != nil {
		hook(op, remoteID)
	}
	return err
}

func (f *fakeGateway) Suspend(ctx context.Context, remoteID string) error {
	return f.record("suspend", remoteID)
}

func (f *fakeGateway) Unsuspend(ctx context.Context, remoteID string) error {
	return f.record("unsuspend", remoteID)
}

func (f *fakeGateway) Power(ctx context.Context, remoteID string, signal gateway.Signal) error {
	return f.record("power:"+string(signal), remoteID)
}

func (f *fakeGateway) Status(ctx context.Context, remoteID string) (gateway.Status, error) {
	if err := f.record("status", remoteID); err != nil {
		return gateway.StatusUnknown, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[remoteID]; ok {
		return s, nil
	}
	return gateway.StatusRunning, nil
}

func (f *fakeGateway) Delete(ctx context.Context, remoteID string) error {
	return f.record("delete", remoteID)
}

func (f *fakeGateway) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func transientErr(op, remoteID string) error {
	return &gateway.Error{Op: op, RemoteID: remoteID, StatusCode: 502, Kind: gateway.KindTransient}
}

func notFoundErr(op, remoteID string) error {
	return &gateway.Error{Op: op, RemoteID: remoteID, StatusCode: 404, Kind: gateway.KindPermanent, Err: gateway.ErrNotFound}
}

// recordingBus keeps published events.
type recordingBus struct {
	mu     sync.Mutex
	events []model.LifecycleEvent
}

func (b *recordingBus) Publish(topic string, data []byte) error {
	var e model.LifecycleEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyStore fails selected writes.
type flakyStore struct {
	*repository.MemoryStore
	failExpiry  map[string]bool
	failBalance error
	failFind    error
}

func (s *flakyStore) ApplyExpiry(ctx context.Context, key model.InstanceKey, prior *time.Time, status model.InstanceStatus, at time.Time) (bool, error) {
	if s.failExpiry[key.InstanceID] {
		return false, errors.New("write failed")
	}
	return s.MemoryStore.ApplyExpiry(ctx, key, prior, status, at)
}

func (s *flakyStore) AdjustBalance(ctx context.Context, accountID string, entry model.Transaction, invoice *model.Invoice) (decimal.Decimal, error) {
	if s.failBalance != nil {
		return decimal.Zero, s.failBalance
	}
	return s.MemoryStore.AdjustBalance(ctx, accountID, entry, invoice)
}

func (s *flakyStore) FindExpiryCandidates(ctx context.Context, accountID string, now time.Time) ([]model.Candidate, error) {
	if s.failFind != nil {
		return nil, s.failFind
	}
	return s.MemoryStore.FindExpiryCandidates(ctx, accountID, now)
}

// fakeLocker hands out one lock at a time.
type fakeLocker struct {
	mu   sync.Mutex
	held bool
}

func (l *fakeLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, repository.ErrLockHeld
	}
	l.held = true
	return func(context.Context) error {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()
		return nil
	}, nil
}

// fakeGuard is an in-memory IdempotencyGuard.
type fakeGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *fakeGuard) Claim(ctx context.Context, key string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = map[string]bool{}
	}
	if g.keys[key] {
		return repository.ErrAlreadyProcessed
	}
	g.keys[key] = true
	return nil
}

func (g *fakeGuard) Forget(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

func expiredInstance(id string, remoteID *string) model.Instance {
	return model.Instance{
		ID:        id,
		RemoteID:  remoteID,
		Plan:      "minecraft-2gb",
		Price:     decimal.NewFromInt(20),
		Status:    model.StatusActive,
		CreatedAt: testNow.Add(-45 * 24 * time.Hour),
		ExpiresAt: ptr(testNow.Add(-24 * time.Hour)),
	}
}

func newAccount(id string, balance int64, instances ...model.Instance) model.Account {
	return model.Account{ID: id, Email: id, Balance: decimal.NewFromInt(balance), Currency: "USD", Instances: instances}
}

func newTestReconciler(store repository.AccountStore, gw gateway.Gateway, bus repository.MessageBus) *Reconciler {
	r := NewReconciler(store, gw, bus, nil)
	r.now = fixedClock
	return r
}
