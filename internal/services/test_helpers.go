package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arasola/recoverygate/internal/models"
)

// MemoryAttemptStore is an in-process AttemptStore used by unit tests and
// local development. A single mutex stands in for the per-key serialization
// a database-backed store provides with advisory locks.
type MemoryAttemptStore struct {
	mu      sync.Mutex
	lockMu  sync.Mutex
	records map[string]*models.AttemptRecord

	// Upserts counts writes so tests can assert that degenerate inputs
	// never touch state
	Upserts int
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		records: make(map[string]*models.AttemptRecord),
	}
}

func attemptKey(requestKey string, intent models.RecoveryIntent) string {
	return requestKey + "|" + string(intent)
}

func (m *MemoryAttemptStore) GetAttempt(ctx context.Context, requestKey string, intent models.RecoveryIntent) (*models.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[attemptKey(requestKey, intent)]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryAttemptStore) ListByEmailKey(ctx context.Context, emailKey string, windowStart time.Time) ([]*models.AttemptRecord, error) {
	return m.listByScope(func(rec *models.AttemptRecord) string { return rec.EmailKey }, emailKey, windowStart), nil
}

func (m *MemoryAttemptStore) ListByIPKey(ctx context.Context, ipKey string, windowStart time.Time) ([]*models.AttemptRecord, error) {
	return m.listByScope(func(rec *models.AttemptRecord) string { return rec.IPKey }, ipKey, windowStart), nil
}

func (m *MemoryAttemptStore) listByScope(keyOf func(*models.AttemptRecord) string, scopeKey string, windowStart time.Time) []*models.AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.AttemptRecord, 0)
	for _, rec := range m.records {
		if keyOf(rec) != scopeKey {
			continue
		}
		if rec.WindowStartAt.Before(windowStart) {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	return out
}

func (m *MemoryAttemptStore) UpsertAttempt(ctx context.Context, rec *models.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = "mem-" + attemptKey(rec.RequestKey, rec.Intent)
	}
	clone := *rec
	m.records[attemptKey(rec.RequestKey, rec.Intent)] = &clone
	m.Upserts++
	return nil
}

func (m *MemoryAttemptStore) WithAttemptLock(ctx context.Context, requestKey string, intent models.RecoveryIntent, fn func(ctx context.Context) error) error {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	return fn(ctx)
}

// Record returns the stored record for inspection, or nil
func (m *MemoryAttemptStore) Record(requestKey string, intent models.RecoveryIntent) *models.AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[attemptKey(requestKey, intent)]
	if !ok {
		return nil
	}
	clone := *rec
	return &clone
}

// Seed stores a record directly, bypassing the gate
func (m *MemoryAttemptStore) Seed(rec *models.AttemptRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *rec
	m.records[attemptKey(rec.RequestKey, rec.Intent)] = &clone
}

// Len returns the number of stored records
func (m *MemoryAttemptStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// MemoryUserDirectory is an in-process UserDirectory for tests. Lookups are
// exact-match and case-sensitive, like a directory backed by a unique index.
type MemoryUserDirectory struct {
	mu      sync.Mutex
	emails  map[string]bool
	Lookups []string
}

func NewMemoryUserDirectory(emails ...string) *MemoryUserDirectory {
	d := &MemoryUserDirectory{emails: make(map[string]bool)}
	for _, e := range emails {
		d.emails[e] = true
	}
	return d
}

func (d *MemoryUserDirectory) FindUserByEmail(ctx context.Context, email string) (*models.DirectoryUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Lookups = append(d.Lookups, email)
	if !d.emails[email] {
		return nil, models.ErrNotFound
	}
	return &models.DirectoryUser{ID: "user-" + strings.ToLower(email), Email: email}, nil
}
