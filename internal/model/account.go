package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type InstanceStatus string

const (
	StatusActive     InstanceStatus = "active"
	StatusSuspended  InstanceStatus = "suspended"
	StatusExpired    InstanceStatus = "expired"
	StatusInstalling InstanceStatus = "installing"
)

// Valid reports whether s is one of the known display states.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired, StatusInstalling:
		return true
	}
	return false
}

// Account is the unit of concurrency: every instance update is scoped by
// account id plus instance id.
type Account struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Balance      decimal.Decimal `json:"balance"`
	Currency     string          `json:"currency"`
	Transactions []Transaction   `json:"transactions"`
	Invoices     []Invoice       `json:"invoices"`
	Instances    []Instance      `json:"instances"`
}

// Instance returns the embedded instance with the given local id.
func (a *Account) Instance(id string) (*Instance, bool) {
	for i := range a.Instances {
		if a.Instances[i].ID == id {
			return &a.Instances[i], true
		}
	}
	return nil, false
}

type Specs struct {
	RAM  int `json:"ram"`
	Disk int `json:"disk"`
	CPU  int `json:"cpu"`
}

type Instance struct {
	ID       string          `json:"id"`
	RemoteID *string         `json:"remoteId"`
	Name     string          `json:"name"`
	Plan     string          `json:"plan"`
	Price    decimal.Decimal `json:"price"`
	Specs    Specs           `json:"specs"`

	Status    InstanceStatus `json:"status"`
	IsExpired bool           `json:"isExpired"`

	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	LastBillingDate *time.Time `json:"lastBillingDate"`
	NextBillingDate *time.Time `json:"nextBillingDate"`

	AutoRenewal   bool       `json:"autoRenewal"`
	SuspendedAt   *time.Time `json:"suspendedAt"`
	AutoSuspended bool       `json:"autoSuspended"`
}

// HasRemote reports whether the instance was ever provisioned remotely.
func (i Instance) HasRemote() bool {
	return i.RemoteID != nil && *i.RemoteID != ""
}

// Remote returns the remote id or "" when there is none.
func (i Instance) Remote() string {
	if i.RemoteID == nil {
		return ""
	}
	return *i.RemoteID
}

type InstanceKey struct {
	AccountID  string
	InstanceID string
}

func (k InstanceKey) String() string {
	return k.AccountID + "/" + k.InstanceID
}

// Candidate is an (account, instance) pair gathered for expiry processing.
type Candidate struct {
	AccountID string
	Instance  Instance
}

func (c Candidate) Key() InstanceKey {
	return InstanceKey{AccountID: c.AccountID, InstanceID: c.Instance.ID}
}
