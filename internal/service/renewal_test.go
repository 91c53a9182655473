package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

func newTestRenewals(store repository.AccountStore, gw *fakeGateway, bus repository.MessageBus) *RenewalProcessor {
	p := NewRenewalProcessor(store, gw, &fakeGuard{}, bus, nil)
	p.now = fixedClock
	return p
}

func activeInstance(id string, remoteID *string, expiresAt time.Time) model.Instance {
	return model.Instance{
		ID:        id,
		RemoteID:  remoteID,
		Plan:      "minecraft-2gb",
		Price:     decimal.NewFromInt(20),
		Status:    model.StatusActive,
		CreatedAt: testNow.Add(-10 * 24 * time.Hour),
		ExpiresAt: &expiresAt,
	}
}

func TestRenewDebitsAndExtendsFromCurrentExpiry(t *testing.T) {
	current := testNow.Add(10 * 24 * time.Hour)
	store := repository.NewMemoryStore(newAccount("a@x", 100, activeInstance("i1", ptr("101"), current)))
	gw := newFakeGateway()
	bus := &recordingBus{}
	p := newTestRenewals(store, gw, bus)

	res, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 3}, "")
	require.NoError(t, err)

	assert.True(t, decimal.NewFromInt(60).Equal(res.Cost))
	assert.True(t, decimal.NewFromInt(40).Equal(res.NewBalance))
	assert.Equal(t, current.AddDate(0, 3, 0), res.NewExpiry)

	acc, err := store.GetAccount(context.Background(), "a@x")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(40).Equal(acc.Balance))
	require.Len(t, acc.Transactions, 1)
	assert.Equal(t, model.TransactionDebit, acc.Transactions[0].Type)
	require.Len(t, acc.Invoices, 1)
	assert.Equal(t, 3, acc.Invoices[0].Months)

	inst, _ := acc.Instance("i1")
	assert.Equal(t, res.NewExpiry, *inst.ExpiresAt)
	assert.Equal(t, res.NewExpiry, *inst.NextBillingDate)
	assert.Equal(t, testNow, *inst.LastBillingDate)
	assert.True(t, inst.AutoRenewal)
	assert.Equal(t, 0, gw.count("unsuspend"))
	assert.Equal(t, []string{model.EventBalanceDebited, model.EventInstanceRenewed}, bus.types())
}

func TestRenewInvoiceStartsAtPriorExpiry(t *testing.T) {
	monthEnd := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore(newAccount("a@x", 100, activeInstance("i1", ptr("101"), monthEnd)))
	p := newTestRenewals(store, newFakeGateway(), nil)

	res, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), res.NewExpiry)

	acc, err := store.GetAccount(context.Background(), "a@x")
	require.NoError(t, err)
	require.Len(t, acc.Invoices, 1)
	assert.Equal(t, monthEnd, acc.Invoices[0].PeriodStart)
	assert.Equal(t, res.NewExpiry, acc.Invoices[0].PeriodEnd)
}

func TestRenewExtendsFromNowWhenAlreadyLapsed(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 100, expiredInstance("i1", nil)))
	p := newTestRenewals(store, newFakeGateway(), nil)

	res, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 1, 0), res.NewExpiry)
}

func TestRenewSuspendedInstanceUnsuspends(t *testing.T) {
	inst := expiredInstance("i1", ptr("101"))
	inst.IsExpired = true
	inst.Status = model.StatusSuspended
	inst.SuspendedAt = ptr(testNow.Add(-time.Hour))
	inst.AutoSuspended = true
	store := repository.NewMemoryStore(newAccount("a@x", 100, inst))
	gw := newFakeGateway()
	bus := &recordingBus{}
	p := newTestRenewals(store, gw, bus)

	_, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 1}, "")
	require.NoError(t, err)

	assert.Equal(t, 1, gw.count("unsuspend"))
	got := instanceOf(t, store, "a@x", "i1")
	assert.False(t, got.IsExpired)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Nil(t, got.SuspendedAt)
	assert.False(t, got.AutoSuspended)
	assert.Contains(t, bus.types(), model.EventInstanceUnsuspended)
}

func TestRenewKeepsBillingWhenUnsuspendFails(t *testing.T) {
	inst := expiredInstance("i1", ptr("101"))
	inst.IsExpired = true
	inst.Status = model.StatusSuspended
	store := repository.NewMemoryStore(newAccount("a@x", 100, inst))
	gw := newFakeGateway()
	gw.errs["unsuspend:101"] = transientErr("unsuspend", "101")
	bus := &recordingBus{}
	p := newTestRenewals(store, gw, bus)

	res, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 1}, "")
	require.NoError(t, err)

	got := instanceOf(t, store, "a@x", "i1")
	assert.Equal(t, res.NewExpiry, *got.ExpiresAt)
	assert.False(t, got.IsExpired)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Contains(t, bus.types(), model.EventInstanceUnsuspendFailed)
}

func TestRenewInsufficientFundsLeavesStateUntouched(t *testing.T) {
	current := testNow.Add(time.Hour)
	store := repository.NewMemoryStore(newAccount("a@x", 30, activeInstance("i1", ptr("101"), current)))
	gw := newFakeGateway()
	p := newTestRenewals(store, gw, nil)

	_, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 2}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var fundsErr *InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.True(t, decimal.NewFromInt(40).Equal(fundsErr.Required))
	assert.True(t, decimal.NewFromInt(30).Equal(fundsErr.Current))

	acc, err := store.GetAccount(context.Background(), "a@x")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(30).Equal(acc.Balance))
	assert.Empty(t, acc.Transactions)
	inst, _ := acc.Instance("i1")
	assert.Equal(t, current, *inst.ExpiresAt)
	assert.Empty(t, gw.calls)
}

func TestRenewRevertsExpiryWhenDebitFails(t *testing.T) {
	current := testNow.Add(time.Hour)
	store := &flakyStore{
		MemoryStore: repository.NewMemoryStore(newAccount("a@x", 100, activeInstance("i1", ptr("101"), current))),
		failBalance: errors.New("connection reset"),
	}
	p := newTestRenewals(store, newFakeGateway(), nil)

	_, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 1}, "")
	require.Error(t, err)

	got := instanceOf(t, store, "a@x", "i1")
	assert.Equal(t, current, *got.ExpiresAt)
	assert.Nil(t, got.LastBillingDate)
	assert.False(t, got.AutoRenewal)
}

func TestRenewMapsConcurrentOverdraftToInsufficientFunds(t *testing.T) {
	store := &flakyStore{
		MemoryStore: repository.NewMemoryStore(newAccount("a@x", 100, activeInstance("i1", nil, testNow))),
		failBalance: repository.ErrInsufficientBalance,
	}
	p := newTestRenewals(store, newFakeGateway(), nil)

	_, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 1}, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestRenewValidation(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 100, activeInstance("i1", nil, testNow)))
	p := newTestRenewals(store, newFakeGateway(), nil)

	tests := []struct {
		name string
		req  model.RenewRequest
		want error
	}{
		{"zero months", model.RenewRequest{ServerID: "i1", Months: 0}, ErrInvalidMonths},
		{"too many months", model.RenewRequest{ServerID: "i1", Months: 13}, ErrInvalidMonths},
		{"missing server", model.RenewRequest{Months: 1}, ErrMissingServerID},
		{"unknown server", model.RenewRequest{ServerID: "nope", Months: 1}, repository.ErrInstanceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Renew(context.Background(), "a@x", tt.req, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := p.Renew(context.Background(), "a@x", model.RenewRequest{ServerID: "i1", Months: 0}, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRenewRejectsReplayedIdempotencyKey(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 100, activeInstance("i1", nil, testNow)))
	p := newTestRenewals(store, newFakeGateway(), nil)
	req := model.RenewRequest{ServerID: "i1", Months: 1}

	_, err := p.Renew(context.Background(), "a@x", req, "key-1")
	require.NoError(t, err)
	_, err = p.Renew(context.Background(), "a@x", req, "key-1")
	assert.ErrorIs(t, err, repository.ErrAlreadyProcessed)

	acc, _ := store.GetAccount(context.Background(), "a@x")
	assert.True(t, decimal.NewFromInt(80).Equal(acc.Balance))
}

func TestRenewReleasesKeyAfterFailure(t *testing.T) {
	store := repository.NewMemoryStore(newAccount("a@x", 10, activeInstance("i1", nil, testNow)))
	p := newTestRenewals(store, newFakeGateway(), nil)
	req := model.RenewRequest{ServerID: "i1", Months: 1}

	_, err := p.Renew(context.Background(), "a@x", req, "key-1")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	store.Put(newAccount("a@x", 50, activeInstance("i1", nil, testNow)))
	_, err = p.Renew(context.Background(), "a@x", req, "key-1")
	assert.NoError(t, err)
}
