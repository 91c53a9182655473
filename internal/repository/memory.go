package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"hostpanel/internal/model"
)

// MemoryStore is an in-process AccountStore. It backs the "memory" store
// provider and the service tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
}

func NewMemoryStore(accounts ...model.Account) *MemoryStore {
	s := &MemoryStore{accounts: make(map[string]*model.Account)}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

// Put inserts or replaces an account.
func (s *MemoryStore) Put(a model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneAccount(a)
	s.accounts[a.ID] = &c
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	c := cloneAccount(*a)
	c.Instances = c.Instances[:0]
	for _, inst := range a.Instances {
		norm, err := normalizeInstance(inst)
		if err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("Skipping invalid instance record")
			continue
		}
		c.Instances = append(c.Instances, cloneInstance(norm))
	}
	return &c, nil
}

func (s *MemoryStore) FindExpiryCandidates(ctx context.Context, accountID string, now time.Time) ([]model.Candidate, error) {
	return s.collect(accountID, func(inst model.Instance) bool {
		return !inst.IsExpired && (inst.ExpiresAt == nil || !inst.ExpiresAt.After(now))
	})
}

func (s *MemoryStore) FindActiveRemote(ctx context.Context) ([]model.Candidate, error) {
	return s.collect("", func(inst model.Instance) bool {
		return !inst.IsExpired && inst.Status == model.StatusActive && inst.HasRemote()
	})
}

func (s *MemoryStore) collect(accountID string, match func(model.Instance) bool) ([]model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if accountID == "" || id == accountID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []model.Candidate
	for _, id := range ids {
		for _, inst := range s.accounts[id].Instances {
			norm, err := normalizeInstance(inst)
			if err != nil {
				continue
			}
			if match(norm) {
				out = append(out, model.Candidate{AccountID: id, Instance: cloneInstance(norm)})
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyExpiry(ctx context.Context, key model.InstanceKey, priorExpiresAt *time.Time, status model.InstanceStatus, at time.Time) (bool, error) {
	if err := expiryStatusValid(status); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.instanceLocked(key)
	if err != nil {
		return false, nil
	}
	if inst.IsExpired || !sameTime(inst.ExpiresAt, priorExpiresAt) {
		return false, nil
	}
	inst.IsExpired = true
	inst.Status = status
	if status == model.StatusSuspended {
		t := at
		inst.SuspendedAt = &t
		inst.AutoSuspended = true
	}
	return true, nil
}

func (s *MemoryStore) ApplyBilling(ctx context.Context, key model.InstanceKey, u model.BillingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.instanceLocked(key)
	if err != nil {
		return err
	}
	if !sameTime(inst.ExpiresAt, u.PriorExpiresAt) {
		return ErrConflict
	}
	exp := u.ExpiresAt
	inst.ExpiresAt = &exp
	inst.LastBillingDate = cloneTime(u.LastBillingDate)
	inst.NextBillingDate = cloneTime(u.NextBillingDate)
	inst.Status = u.Status
	inst.IsExpired = u.IsExpired
	inst.AutoRenewal = u.AutoRenewal
	inst.SuspendedAt = cloneTime(u.SuspendedAt)
	inst.AutoSuspended = u.AutoSuspended
	return nil
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, accountID string, entry model.Transaction, invoice *model.Invoice) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	next := a.Balance.Add(entry.Delta())
	if entry.Type == model.TransactionDebit && next.IsNegative() {
		return a.Balance, ErrInsufficientBalance
	}
	a.Balance = next
	a.Transactions = append(a.Transactions, entry)
	if invoice != nil {
		a.Invoices = append(a.Invoices, *invoice)
	}
	return next, nil
}

func (s *MemoryStore) RemoveInstance(ctx context.Context, key model.InstanceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[key.AccountID]
	if !ok {
		return ErrAccountNotFound
	}
	for i := range a.Instances {
		if a.Instances[i].ID == key.InstanceID {
			a.Instances = append(a.Instances[:i], a.Instances[i+1:]...)
			return nil
		}
	}
	return ErrInstanceNotFound
}

func (s *MemoryStore) instanceLocked(key model.InstanceKey) (*model.Instance, error) {
	a, ok := s.accounts[key.AccountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	inst, ok := a.Instance(key.InstanceID)
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

func cloneAccount(a model.Account) model.Account {
	c := a
	c.Transactions = append([]model.Transaction(nil), a.Transactions...)
	c.Invoices = append([]model.Invoice(nil), a.Invoices...)
	c.Instances = make([]model.Instance, len(a.Instances))
	for i, inst := range a.Instances {
		c.Instances[i] = cloneInstance(inst)
	}
	return c
}

func cloneInstance(inst model.Instance) model.Instance {
	c := inst
	if inst.RemoteID != nil {
		id := *inst.RemoteID
		c.RemoteID = &id
	}
	c.ExpiresAt = cloneTime(inst.ExpiresAt)
	c.LastBillingDate = cloneTime(inst.LastBillingDate)
	c.NextBillingDate = cloneTime(inst.NextBillingDate)
	c.SuspendedAt = cloneTime(inst.SuspendedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
