package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/arasola/recoverygate/internal/models"
	pkglogger "github.com/arasola/recoverygate/pkg/logger"
)

// AttemptStore defines the persistence operations the gate needs.
// WithAttemptLock must serialize callers per (requestKey, intent) so the
// read-evaluate-write sequence inside fn applies atomically; the per-email
// and per-ip listings are aggregates across rows and stay best-effort.
type AttemptStore interface {
	GetAttempt(ctx context.Context, requestKey string, intent models.RecoveryIntent) (*models.AttemptRecord, error)
	ListByEmailKey(ctx context.Context, emailKey string, windowStart time.Time) ([]*models.AttemptRecord, error)
	ListByIPKey(ctx context.Context, ipKey string, windowStart time.Time) ([]*models.AttemptRecord, error)
	UpsertAttempt(ctx context.Context, rec *models.AttemptRecord) error
	WithAttemptLock(ctx context.Context, requestKey string, intent models.RecoveryIntent, fn func(ctx context.Context) error) error
}

// UserDirectory is the identity-directory collaborator. FindUserByEmail
// performs an exact-match lookup and returns models.ErrNotFound when no
// account matches.
type UserDirectory interface {
	FindUserByEmail(ctx context.Context, email string) (*models.DirectoryUser, error)
}

// PrecheckStatus is the gate's answer to the caller
type PrecheckStatus string

const (
	StatusRegistered         PrecheckStatus = "registered"
	StatusEmailNotRegistered PrecheckStatus = "email_not_registered"
	StatusRateLimited        PrecheckStatus = "rate_limited"
)

// PrecheckInput carries one precheck request. Email is the only raw value;
// the three keys arrive pre-hashed and are treated as opaque.
type PrecheckInput struct {
	Email       string
	EmailKey    string
	IPKey       string
	RequestKey  string
	Intent      models.RecoveryIntent
	CallerToken string
}

// PrecheckResult is exactly one of the three terminal answers
type PrecheckResult struct {
	Status            PrecheckStatus
	EmailRegistered   bool
	RetryAfterSeconds int
}

// GateConfig holds the gate's limits and escalation tiers
type GateConfig struct {
	InternalKey         string
	Window              time.Duration
	MaxAttemptsPerKey   int
	MaxAttemptsPerEmail int
	MaxAttemptsPerIP    int
	CooldownTiers       []time.Duration
	Now                 func() time.Time // defaults to time.Now
}

// DefaultGateConfig returns the production limits: 10 minute window,
// 5/10/30 ceilings per key/email/ip, 5m-15m-60m lockout tiers.
func DefaultGateConfig(internalKey string) GateConfig {
	return GateConfig{
		InternalKey:         internalKey,
		Window:              10 * time.Minute,
		MaxAttemptsPerKey:   5,
		MaxAttemptsPerEmail: 10,
		MaxAttemptsPerIP:    30,
		CooldownTiers:       []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute},
	}
}

// RecoveryGateService implements the account-recovery abuse gate: the precheck
// invoked before a magic-link or password-reset email is sent
type RecoveryGateService struct {
	store     AttemptStore
	directory UserDirectory
	cfg       GateConfig
	logger    *slog.Logger
	audit     *pkglogger.AuditLogger
	now       func() time.Time
}

// NewRecoveryGateService creates a new RecoveryGateService
func NewRecoveryGateService(store AttemptStore, directory UserDirectory, cfg GateConfig, logger *slog.Logger, audit *pkglogger.AuditLogger) *RecoveryGateService {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if len(cfg.CooldownTiers) == 0 {
		cfg.CooldownTiers = []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}
	}

	return &RecoveryGateService{
		store:     store,
		directory: directory,
		cfg:       cfg,
		logger:    logger,
		audit:     audit,
		now:       now,
	}
}

// NormalizeEmail trims and lower-cases an email for matching purposes
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Precheck runs the abuse gate for one recovery request. It returns
// models.ErrUnauthorized when the caller token does not match the configured
// secret; that is a perimeter rejection, not a status, and changes no state.
func (s *RecoveryGateService) Precheck(ctx context.Context, in PrecheckInput) (*PrecheckResult, error) {
	if !s.authorizeCaller(in.CallerToken) {
		s.audit.LogCallerRejected(string(in.Intent))
		return nil, models.ErrUnauthorized
	}

	if !in.Intent.Valid() {
		return nil, fmt.Errorf("invalid recovery intent %q: %w", in.Intent, models.ErrBadRequest)
	}

	normalizedEmail := NormalizeEmail(in.Email)
	trimmedEmail := strings.TrimSpace(in.Email)

	// Nothing to throttle: an empty email carries no identity to probe, so it
	// terminates here without consuming any rate-limit budget
	if normalizedEmail == "" {
		return &PrecheckResult{Status: StatusEmailNotRegistered}, nil
	}

	now := s.now()

	var limited *PrecheckResult
	err := s.store.WithAttemptLock(ctx, in.RequestKey, in.Intent, func(ctx context.Context) error {
		var err error
		limited, err = s.evaluateThrottle(ctx, in, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if limited != nil {
		// Registration status is never revealed while throttled
		s.logPrecheck(in, limited)
		return limited, nil
	}

	result, err := s.resolveRegistration(ctx, normalizedEmail, trimmedEmail)
	if err != nil {
		return nil, err
	}

	s.logPrecheck(in, result)
	return result, nil
}

// evaluateThrottle runs the throttle decision under the per-key lock.
// It returns a non-nil result when this attempt is rate limited, and nil when
// the attempt passed and was committed to the window.
func (s *RecoveryGateService) evaluateThrottle(ctx context.Context, in PrecheckInput, now time.Time) (*PrecheckResult, error) {
	rec, err := s.store.GetAttempt(ctx, in.RequestKey, in.Intent)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to load attempt record: %w", err)
		}
		rec = nil
	}

	// An active lockout rejects without touching counters
	if rec != nil && rec.Blocked(now) {
		return rateLimited(*rec.BlockedUntil, now), nil
	}

	windowExpired := rec == nil || rec.WindowExpired(now, s.cfg.Window)

	nextWindowStartAt := now
	nextAttemptCount := 1
	if !windowExpired {
		nextWindowStartAt = rec.WindowStartAt
		nextAttemptCount = rec.AttemptCount + 1
	}

	windowBoundary := now.Add(-s.cfg.Window)

	emailRecords, err := s.store.ListByEmailKey(ctx, in.EmailKey, windowBoundary)
	if err != nil {
		return nil, fmt.Errorf("failed to load email-scope attempts: %w", err)
	}

	ipRecords, err := s.store.ListByIPKey(ctx, in.IPKey, windowBoundary)
	if err != nil {
		return nil, fmt.Errorf("failed to load ip-scope attempts: %w", err)
	}

	emailTally := sumAttemptsInWindow(emailRecords, now, s.cfg.Window)
	ipTally := sumAttemptsInWindow(ipRecords, now, s.cfg.Window)

	if wouldExceed(nextAttemptCount, emailTally, ipTally,
		s.cfg.MaxAttemptsPerKey, s.cfg.MaxAttemptsPerEmail, s.cfg.MaxAttemptsPerIP) {

		nextViolationCount := 1
		if rec != nil {
			nextViolationCount = rec.ViolationCount + 1
		}
		blockedUntil := now.Add(cooldownForViolation(s.cfg.CooldownTiers, nextViolationCount))

		next := s.nextRecord(rec, in, now)
		// The triggering attempt consumed the lockout instead of the new
		// window, so a stale window restarts at zero
		if windowExpired {
			next.AttemptCount = 0
		}
		next.WindowStartAt = nextWindowStartAt
		next.BlockedUntil = &blockedUntil
		next.ViolationCount = nextViolationCount

		if err := s.store.UpsertAttempt(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to persist lockout: %w", err)
		}

		s.logger.Warn("recovery attempt locked out",
			slog.String("intent", string(in.Intent)),
			slog.String("request_key_prefix", pkglogger.KeyPrefix(in.RequestKey)),
			slog.Int("violation_count", nextViolationCount),
			slog.Time("blocked_until", blockedUntil))

		return rateLimited(blockedUntil, now), nil
	}

	next := s.nextRecord(rec, in, now)
	next.AttemptCount = nextAttemptCount
	next.WindowStartAt = nextWindowStartAt
	next.BlockedUntil = nil // any expired lockout is cleared on a passing attempt

	if err := s.store.UpsertAttempt(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist attempt: %w", err)
	}

	return nil, nil
}

// nextRecord copies an existing record for mutation, or starts a fresh one
// from the input keys. Existing records keep their stored keys and createdAt.
func (s *RecoveryGateService) nextRecord(rec *models.AttemptRecord, in PrecheckInput, now time.Time) *models.AttemptRecord {
	if rec != nil {
		next := *rec
		next.UpdatedAt = now
		return &next
	}
	return &models.AttemptRecord{
		RequestKey: in.RequestKey,
		EmailKey:   in.EmailKey,
		IPKey:      in.IPKey,
		Intent:     in.Intent,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// resolveRegistration is the enumeration guard: it only runs after the
// throttle has passed and charged this attempt. The normalized email is tried
// first; if the original trimmed casing differs, one exact-match retry covers
// case-sensitive directories without a second throttle charge.
func (s *RecoveryGateService) resolveRegistration(ctx context.Context, normalizedEmail, trimmedEmail string) (*PrecheckResult, error) {
	_, err := s.directory.FindUserByEmail(ctx, normalizedEmail)
	if err == nil {
		return &PrecheckResult{Status: StatusRegistered, EmailRegistered: true}, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}

	if trimmedEmail != "" && trimmedEmail != normalizedEmail {
		_, err := s.directory.FindUserByEmail(ctx, trimmedEmail)
		if err == nil {
			return &PrecheckResult{Status: StatusRegistered, EmailRegistered: true}, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("directory lookup failed: %w", err)
		}
	}

	s.logger.Debug("precheck email not in directory",
		slog.String("email", pkglogger.SanitizedEmail(trimmedEmail)))

	return &PrecheckResult{Status: StatusEmailNotRegistered}, nil
}

func rateLimited(blockedUntil, now time.Time) *PrecheckResult {
	return &PrecheckResult{
		Status:            StatusRateLimited,
		RetryAfterSeconds: retryAfterSeconds(blockedUntil, now),
	}
}

// retryAfterSeconds rounds the remaining lockout up to whole seconds, floor 1
func retryAfterSeconds(blockedUntil, now time.Time) int {
	secs := int(math.Ceil(blockedUntil.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *RecoveryGateService) authorizeCaller(token string) bool {
	if s.cfg.InternalKey == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.InternalKey)) == 1
}

func (s *RecoveryGateService) logPrecheck(in PrecheckInput, result *PrecheckResult) {
	s.audit.LogPrecheck(pkglogger.PrecheckEvent{
		Intent:            string(in.Intent),
		Status:            string(result.Status),
		RequestKey:        in.RequestKey,
		RetryAfterSeconds: result.RetryAfterSeconds,
	})
}
