package models

import "time"

// RecoveryIntent identifies which account-recovery flow an attempt belongs to
type RecoveryIntent string

const (
	IntentMagicLink      RecoveryIntent = "magic-link"
	IntentForgotPassword RecoveryIntent = "forgot-password"
)

// Valid reports whether the intent is one of the supported recovery flows
func (i RecoveryIntent) Valid() bool {
	return i == IntentMagicLink || i == IntentForgotPassword
}

// AttemptRecord tracks recovery precheck attempts for one (requestKey, intent) pair.
// Keys are opaque hashes supplied by the caller; the gate never sees raw PII.
// At most one record exists per (requestKey, intent), enforced by a unique index.
type AttemptRecord struct {
	ID             string         `db:"id"`
	RequestKey     string         `db:"request_key"`
	EmailKey       string         `db:"email_key"`
	IPKey          string         `db:"ip_key"`
	Intent         RecoveryIntent `db:"intent"`
	AttemptCount   int            `db:"attempt_count"`
	WindowStartAt  time.Time      `db:"window_start_at"`
	BlockedUntil   *time.Time     `db:"blocked_until"`
	ViolationCount int            `db:"violation_count"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// WindowExpired reports whether the record's counting window has lapsed.
// AttemptCount is only meaningful while the window is fresh; an expired
// window is treated the same as having no record at all.
func (r *AttemptRecord) WindowExpired(now time.Time, window time.Duration) bool {
	return now.Sub(r.WindowStartAt) >= window
}

// Blocked reports whether the record is under an active lockout.
// Lockouts expire by time alone; they are never cleared by a passing request.
func (r *AttemptRecord) Blocked(now time.Time) bool {
	return r.BlockedUntil != nil && r.BlockedUntil.After(now)
}

// DirectoryUser is the minimal account view returned by the identity directory
type DirectoryUser struct {
	ID    string `db:"id"`
	Email string `db:"email"`
}
