package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostpanel/internal/model"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func seedStore() *MemoryStore {
	return NewMemoryStore(
		model.Account{
			ID: "alice@example.com", Email: "alice@example.com", Balance: decimal.NewFromInt(100), Currency: "USD",
			Instances: []model.Instance{
				{ID: "a1", RemoteID: ptr("11"), Price: decimal.NewFromInt(20), Status: model.StatusActive,
					CreatedAt: now.Add(-60 * 24 * time.Hour), ExpiresAt: ptr(now.Add(-time.Hour))},
				{ID: "a2", Status: model.StatusActive, CreatedAt: now.Add(-40 * 24 * time.Hour)},
				{ID: "a3", RemoteID: ptr("13"), Status: model.StatusActive,
					CreatedAt: now.Add(-time.Hour), ExpiresAt: ptr(now.Add(29 * 24 * time.Hour))},
				{ID: "a4", RemoteID: ptr("14"), Status: model.StatusSuspended, IsExpired: true,
					CreatedAt: now.Add(-90 * 24 * time.Hour), ExpiresAt: ptr(now.Add(-30 * 24 * time.Hour))},
			},
		},
		model.Account{
			ID: "bob@example.com", Email: "bob@example.com", Balance: decimal.NewFromInt(5), Currency: "USD",
			Instances: []model.Instance{
				{ID: "b1", RemoteID: ptr("21"), Status: "running", CreatedAt: now.Add(-31 * 24 * time.Hour)},
				{ID: "", CreatedAt: now},
			},
		},
	)
}

func ids(cs []model.Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Key().String())
	}
	return out
}

func TestMemoryFindExpiryCandidates(t *testing.T) {
	s := seedStore()
	ctx := context.Background()

	all, err := s.FindExpiryCandidates(ctx, "", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com/a1", "alice@example.com/a2", "bob@example.com/b1"}, ids(all))

	// unknown display state is normalized
	assert.Equal(t, model.StatusActive, all[2].Instance.Status)

	scoped, err := s.FindExpiryCandidates(ctx, "bob@example.com", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com/b1"}, ids(scoped))
}

func TestMemoryFindActiveRemote(t *testing.T) {
	s := seedStore()
	got, err := s.FindActiveRemote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com/a1", "alice@example.com/a3", "bob@example.com/b1"}, ids(got))
}

func TestMemoryApplyExpiryIsConditional(t *testing.T) {
	s := seedStore()
	ctx := context.Background()
	key := model.InstanceKey{AccountID: "alice@example.com", InstanceID: "a1"}

	prior := ptr(now.Add(-time.Hour))

	applied, err := s.ApplyExpiry(ctx, key, prior, model.StatusSuspended, now)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyExpiry(ctx, key, prior, model.StatusSuspended, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)

	acc, err := s.GetAccount(ctx, "alice@example.com")
	require.NoError(t, err)
	inst, _ := acc.Instance("a1")
	assert.True(t, inst.IsExpired)
	assert.True(t, inst.AutoSuspended)
	assert.Equal(t, model.StatusSuspended, inst.Status)
	assert.Equal(t, now, *inst.SuspendedAt)

	_, err = s.ApplyExpiry(ctx, key, prior, model.StatusActive, now)
	assert.Error(t, err)
}

func TestMemoryApplyExpiryRequiresUnchangedExpiry(t *testing.T) {
	s := seedStore()
	ctx := context.Background()
	key := model.InstanceKey{AccountID: "alice@example.com", InstanceID: "a1"}
	renewed := now.AddDate(0, 1, 0)

	require.NoError(t, s.ApplyBilling(ctx, key, model.BillingUpdate{
		PriorExpiresAt: ptr(now.Add(-time.Hour)), ExpiresAt: renewed, Status: model.StatusActive,
	}))

	applied, err := s.ApplyExpiry(ctx, key, ptr(now.Add(-time.Hour)), model.StatusSuspended, now)
	require.NoError(t, err)
	assert.False(t, applied)

	acc, err := s.GetAccount(ctx, "alice@example.com")
	require.NoError(t, err)
	inst, _ := acc.Instance("a1")
	assert.False(t, inst.IsExpired)
	assert.Equal(t, renewed, *inst.ExpiresAt)

	// an unset expiry only matches nil
	a2 := model.InstanceKey{AccountID: "alice@example.com", InstanceID: "a2"}
	applied, err = s.ApplyExpiry(ctx, a2, ptr(now), model.StatusExpired, now)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = s.ApplyExpiry(ctx, a2, nil, model.StatusExpired, now)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestMemoryGetAccountNormalizesInstances(t *testing.T) {
	s := seedStore()

	acc, err := s.GetAccount(context.Background(), "bob@example.com")
	require.NoError(t, err)
	require.Len(t, acc.Instances, 1)
	assert.Equal(t, "b1", acc.Instances[0].ID)
	assert.Equal(t, model.StatusActive, acc.Instances[0].Status)
}

func TestMemoryApplyBillingGuardsPriorExpiry(t *testing.T) {
	s := seedStore()
	ctx := context.Background()
	key := model.InstanceKey{AccountID: "alice@example.com", InstanceID: "a2"}
	next := now.AddDate(0, 1, 0)

	err := s.ApplyBilling(ctx, key, model.BillingUpdate{PriorExpiresAt: ptr(now), ExpiresAt: next, Status: model.StatusActive})
	assert.ErrorIs(t, err, ErrConflict)

	err = s.ApplyBilling(ctx, key, model.BillingUpdate{ExpiresAt: next, Status: model.StatusActive, AutoRenewal: true})
	require.NoError(t, err)

	err = s.ApplyBilling(ctx, model.InstanceKey{AccountID: "alice@example.com", InstanceID: "zz"}, model.BillingUpdate{})
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	acc, _ := s.GetAccount(ctx, "alice@example.com")
	inst, _ := acc.Instance("a2")
	assert.Equal(t, next, *inst.ExpiresAt)
	assert.True(t, inst.AutoRenewal)
}

func TestMemoryAdjustBalance(t *testing.T) {
	s := seedStore()
	ctx := context.Background()

	debit := model.Transaction{ID: "t1", Type: model.TransactionDebit, Amount: decimal.NewFromInt(60), Currency: "USD"}
	bal, err := s.AdjustBalance(ctx, "alice@example.com", debit, &model.Invoice{ID: "i1", Amount: decimal.NewFromInt(60)})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(bal))

	_, err = s.AdjustBalance(ctx, "alice@example.com", model.Transaction{ID: "t2", Type: model.TransactionDebit, Amount: decimal.NewFromInt(41)}, nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	credit := model.Transaction{ID: "t3", Type: model.TransactionCredit, Amount: decimal.NewFromInt(10)}
	bal, err = s.AdjustBalance(ctx, "alice@example.com", credit, nil)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(bal))

	acc, _ := s.GetAccount(ctx, "alice@example.com")
	assert.Len(t, acc.Transactions, 2)
	assert.Len(t, acc.Invoices, 1)

	_, err = s.AdjustBalance(ctx, "nobody", credit, nil)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryRemoveInstance(t *testing.T) {
	s := seedStore()
	ctx := context.Background()
	key := model.InstanceKey{AccountID: "alice@example.com", InstanceID: "a3"}

	require.NoError(t, s.RemoveInstance(ctx, key))
	assert.ErrorIs(t, s.RemoveInstance(ctx, key), ErrInstanceNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := seedStore()
	acc, _ := s.GetAccount(context.Background(), "alice@example.com")
	acc.Instances[0].IsExpired = true
	*acc.Instances[0].ExpiresAt = now.Add(1000 * time.Hour)

	again, _ := s.GetAccount(context.Background(), "alice@example.com")
	assert.False(t, again.Instances[0].IsExpired)
	assert.Equal(t, now.Add(-time.Hour), *again.Instances[0].ExpiresAt)
}
