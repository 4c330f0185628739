// Package lockout implements the failed-attempt/lockout state machine over a
// user profile. Lockout state is derived lazily on read: every lock-status
// check is also the expiry check, so no background timer is required.
package lockout

import (
	"math"
	"time"

	"github.com/hupe1980/biovault/model"
)

// Manager applies lockout transitions to user profiles. It mutates profiles
// in place and never persists anything itself; callers persist changed
// profiles.
type Manager struct {
	now func() time.Time
}

// New creates a lockout manager.
func New() *Manager {
	return &Manager{now: time.Now}
}

// NewWithClock creates a lockout manager with an injectable clock for tests.
func NewWithClock(now func() time.Time) *Manager {
	return &Manager{now: now}
}

// RecordFailedAttempt increments the failed-attempt counter and stamps the
// failure time. It returns the new counter value.
func (m *Manager) RecordFailedAttempt(u *model.UserProfile) int {
	now := m.now()
	u.FailedAttempts++
	u.LastFailedTimestamp = &now
	u.UpdatedAt = now
	return u.FailedAttempts
}

// Lock transitions the account to LOCKED for the given duration and appends
// the event to the lockout history. It returns the lockout deadline.
func (m *Manager) Lock(u *model.UserProfile, d time.Duration, reason string) time.Time {
	now := m.now()
	until := now.Add(d)

	u.LockoutUntil = &until
	u.LockoutHistory = append(u.LockoutHistory, model.LockoutEvent{
		LockedAt:     now,
		LockoutUntil: until,
		Duration:     d.String(),
		AttemptCount: u.FailedAttempts,
		Reason:       reason,
	})
	u.UpdatedAt = now

	return until
}

// Check reports whether the account is locked and, if so, the remaining time
// rounded up to whole minutes. A lockout whose deadline has passed is
// cleared as a side effect: the LOCKED -> UNLOCKED transition resets the
// failed-attempt counter. The expired return tells callers the profile
// changed and must be persisted.
func (m *Manager) Check(u *model.UserProfile) (locked bool, remainingMinutes int, expired bool) {
	if u.LockoutUntil == nil {
		return false, 0, false
	}

	now := m.now()
	if !now.Before(*u.LockoutUntil) {
		u.LockoutUntil = nil
		u.FailedAttempts = 0
		u.UpdatedAt = now
		return false, 0, true
	}

	remaining := u.LockoutUntil.Sub(now)
	return true, int(math.Ceil(remaining.Minutes())), false
}

// Reset clears the failed-attempt counter unconditionally, independent of
// the current lock state. Called after any successful authentication.
func (m *Manager) Reset(u *model.UserProfile) {
	u.FailedAttempts = 0
	u.UpdatedAt = m.now()
}
