package model

import "time"

const (
	EventInstanceSuspended       = "instances.suspended"
	EventInstanceExpired         = "instances.expired"
	EventInstanceRenewed         = "instances.renewed"
	EventInstanceUnsuspendFailed = "instances.unsuspend_failed"
	EventInstanceUnsuspended     = "instances.unsuspended"
	EventInstanceDeleted         = "instances.deleted"
	EventBalanceDebited          = "balance.debited"
)

// LifecycleEvent is published on the message bus after a committed state change.
type LifecycleEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	AccountID  string    `json:"account_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	RemoteID   string    `json:"remote_id,omitempty"`
	Surface    string    `json:"surface,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
