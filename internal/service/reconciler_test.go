package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

func candidatesFor(t *testing.T, store repository.AccountStore, accountID string) []model.Candidate {
	t.Helper()
	cs, err := store.FindExpiryCandidates(context.Background(), accountID, testNow)
	require.NoError(t, err)
	return cs
}

func instanceOf(t *testing.T, store repository.AccountStore, accountID, id string) model.Instance {
	t.Helper()
	acc, err := store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	inst, ok := acc.Instance(id)
	require.True(t, ok)
	return *inst
}

func TestReconcileSuspendsRemoteInstance(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", ptr("101"))))
	gw := newFakeGateway()
	bus := &recordingBus{}
	r := newTestReconciler(store, gw, bus)

	res := r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))

	assert.Equal(t, model.ReconcileResult{Processed: 1, Suspended: 1}, res)
	inst := instanceOf(t, store, "a@x", "i1")
	assert.True(t, inst.IsExpired)
	assert.Equal(t, model.StatusSuspended, inst.Status)
	assert.True(t, inst.AutoSuspended)
	assert.Equal(t, testNow, *inst.SuspendedAt)
	assert.Equal(t, []string{model.EventInstanceSuspended}, bus.types())
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", ptr("101"))))
	gw := newFakeGateway()
	r := newTestReconciler(store, gw, nil)

	r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))
	second := r.Reconcile(context.Background(), "monitor", candidatesFor(t, store, ""))

	assert.Equal(t, model.ReconcileResult{}, second)
	assert.Equal(t, 1, gw.count("suspend"))
}

func TestReconcileNeverFlagsBeforeSuspendReturns(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", ptr("101"))))
	gw := newFakeGateway()
	var flaggedDuringCall bool
	gw.onCall = func(op, remoteID string) {
		flaggedDuringCall = instanceOf(t, store, "a@x", "i1").IsExpired
	}
	r := newTestReconciler(store, gw, nil)

	r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))

	assert.False(t, flaggedDuringCall)
	assert.True(t, instanceOf(t, store, "a@x", "i1").IsExpired)
}

func TestReconcileLeavesStateOnTransientFailure(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", ptr("101"))))
	gw := newFakeGateway()
	gw.errs["suspend:101"] = transientErr("suspend", "101")
	r := newTestReconciler(store, gw, nil)

	res := r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))

	assert.Equal(t, model.ReconcileResult{Processed: 1, Errors: 1}, res)
	inst := instanceOf(t, store, "a@x", "i1")
	assert.False(t, inst.IsExpired)
	assert.Equal(t, model.StatusActive, inst.Status)
	assert.Nil(t, inst.SuspendedAt)
}

func TestReconcileContinuesAfterFailure(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0,
		expiredInstance("i1", ptr("101")),
		expiredInstance("i2", ptr("102")),
		expiredInstance("i3", ptr("103")),
	))
	gw := newFakeGateway()
	gw.errs["suspend:102"] = transientErr("suspend", "102")
	r := newTestReconciler(store, gw, nil)

	res := r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))

	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Suspended)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 3, gw.count("suspend"))
	assert.True(t, instanceOf(t, store, "a@x", "i1").IsExpired)
	assert.False(t, instanceOf(t, store, "a@x", "i2").IsExpired)
	assert.True(t, instanceOf(t, store, "a@x", "i3").IsExpired)
}

func TestReconcileExpiresLocallyWithoutRemote(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", nil)))
	gw := newFakeGateway()
	bus := &recordingBus{}
	r := newTestReconciler(store, gw, bus)

	res := r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))

	assert.Equal(t, model.ReconcileResult{Processed: 1, Expired: 1}, res)
	assert.Equal(t, 0, gw.count("suspend"))
	inst := instanceOf(t, store, "a@x", "i1")
	assert.True(t, inst.IsExpired)
	assert.Equal(t, model.StatusExpired, inst.Status)
	assert.False(t, inst.AutoSuspended)
	assert.Equal(t, []string{model.EventInstanceExpired}, bus.types())
}

func TestReconcileTreatsRemoteNotFoundAsLocalOnly(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", ptr("404"))))
	gw := newFakeGateway()
	gw.errs["suspend:404"] = notFoundErr("suspend", "404")
	r := newTestReconciler(store, gw, nil)

	res := r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))

	assert.Equal(t, model.ReconcileResult{Processed: 1, Expired: 1}, res)
	assert.Equal(t, model.StatusExpired, instanceOf(t, store, "a@x", "i1").Status)
}

func TestReconcileAppliesExpiryFallback(t *testing.T) {
	never := model.Instance{ID: "old", RemoteID: ptr("7"), Status: model.StatusActive, CreatedAt: testNow.Add(-31 * 24 * time.Hour)}
	fresh := model.Instance{ID: "new", RemoteID: ptr("8"), Status: model.StatusActive, CreatedAt: testNow.Add(-29 * 24 * time.Hour)}
	store := repository.NewMemoryStore(newAccount("a@x", 0, never, fresh))
	gw := newFakeGateway()
	r := newTestReconciler(store, gw, nil)

	cands := candidatesFor(t, store, "")
	require.Len(t, cands, 2)
	res := r.Reconcile(context.Background(), "cron", cands)

	assert.Equal(t, model.ReconcileResult{Processed: 1, Suspended: 1}, res)
	assert.True(t, instanceOf(t, store, "a@x", "old").IsExpired)
	assert.False(t, instanceOf(t, store, "a@x", "new").IsExpired)
}

func TestReconcileSkipsWhenAnotherRunWon(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", ptr("101"))))
	gw := newFakeGateway()
	r := newTestReconciler(store, gw, nil)
	stale := candidatesFor(t, store, "")

	gw.onCall = func(op, remoteID string) {
		// a concurrent surface finishes first
		_, _ = store.ApplyExpiry(context.Background(), model.InstanceKey{AccountID: "a@x", InstanceID: "i1"},
			ptr(testNow.Add(-24*time.Hour)), model.StatusSuspended, testNow)
	}
	res := r.Reconcile(context.Background(), "user", stale)

	assert.Equal(t, model.ReconcileResult{Processed: 1, Skipped: 1}, res)
}

func TestReconcileResumesInstanceRenewedDuringSuspend(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 100, expiredInstance("i1", ptr("101"))))
	gw := newFakeGateway()
	bus := &recordingBus{}
	r := newTestReconciler(store, gw, bus)
	renewals := newTestRenewals(store, gw, nil)
	stale := candidatesFor(t, store, "")

	gw.onCall = func(op, remoteID string) {
		if op != "suspend" {
			return
		}
		_, err := renewals.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 1}, "")
		require.NoError(t, err)
	}
	res := r.Reconcile(context.Background(), "cron", stale)

	assert.Equal(t, model.ReconcileResult{Processed: 1, Skipped: 1}, res)
	inst := instanceOf(t, store, "a@x", "i1")
	assert.False(t, inst.IsExpired)
	assert.Equal(t, model.StatusActive, inst.Status)
	assert.Equal(t, testNow.AddDate(0, 1, 0), *inst.ExpiresAt)
	assert.Equal(t, 1, gw.count("unsuspend"))
	assert.Contains(t, bus.types(), model.EventInstanceUnsuspended)
	assert.NotContains(t, bus.types(), model.EventInstanceSuspended)

	acc, err := store.GetAccount(context.Background(), "a@x")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(80)))
}

func TestReconcileCountsLocalWriteFailure(t *testing.T) {
	store := &flakyStore{
		MemoryStore: repository.NewMemoryStore(newAccount("a@x", 0, expiredInstance("i1", ptr("101")))),
		failExpiry:  map[string]bool{"i1": true},
	}
	gw := newFakeGateway()
	r := newTestReconciler(store, gw, nil)

	res := r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))
	assert.Equal(t, model.ReconcileResult{Processed: 1, Errors: 1}, res)

	// the next run picks it up again and completes
	store.failExpiry = nil
	res = r.Reconcile(context.Background(), "cron", candidatesFor(t, store, ""))
	assert.Equal(t, model.ReconcileResult{Processed: 1, Suspended: 1}, res)
	assert.Equal(t, 2, gw.count("suspend"))
}
