package model

import "time"

// BillingPeriod is the fallback period for instances that were never billed.
const BillingPeriod = 30 * 24 * time.Hour

// ResolvedExpiry returns expiresAt, or createdAt plus one billing period when
// expiresAt is missing or earlier than createdAt.
func (i Instance) ResolvedExpiry() time.Time {
	if i.ExpiresAt != nil && !i.ExpiresAt.IsZero() && !i.ExpiresAt.Before(i.CreatedAt) {
		return *i.ExpiresAt
	}
	return i.CreatedAt.Add(BillingPeriod)
}

// DueAt reports whether the instance needs expiry processing at now.
func (i Instance) DueAt(now time.Time) bool {
	if i.IsExpired {
		return false
	}
	return !i.ResolvedExpiry().After(now)
}

// DaysRemaining is the whole number of days until expiry, never negative.
func (i Instance) DaysRemaining(now time.Time) int {
	left := i.ResolvedExpiry().Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / (24 * time.Hour))
}

// AddMonths adds calendar months.
func AddMonths(t time.Time, months int) time.Time {
	return t.AddDate(0, months, 0)
}

// RenewalBase is the start of a renewed period: the later of now and the
// current expiry.
func RenewalBase(now, current time.Time) time.Time {
	if current.After(now) {
		return current
	}
	return now
}

// RenewalExpiry extends from RenewalBase by the given calendar months.
func RenewalExpiry(now, current time.Time, months int) time.Time {
	return AddMonths(RenewalBase(now, current), months)
}
