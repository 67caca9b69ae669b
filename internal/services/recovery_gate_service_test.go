package services_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arasola/recoverygate/internal/models"
	"github.com/arasola/recoverygate/internal/services"
	pkglogger "github.com/arasola/recoverygate/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInternalKey = "test-internal-key-32-chars-long!"

// fakeClock lets tests move time forward deterministically
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newGateForTest(t *testing.T, registeredEmails ...string) (*services.RecoveryGateService, *services.MemoryAttemptStore, *services.MemoryUserDirectory, *fakeClock) {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := services.NewMemoryAttemptStore()
	directory := services.NewMemoryUserDirectory(registeredEmails...)
	clock := newFakeClock()

	cfg := services.DefaultGateConfig(testInternalKey)
	cfg.Now = clock.Now

	svc := services.NewRecoveryGateService(store, directory, cfg, logger, pkglogger.NewAuditLogger(logger))
	return svc, store, directory, clock
}

func precheckInput(requestKey, emailKey, ipKey, email string) services.PrecheckInput {
	return services.PrecheckInput{
		Email:       email,
		EmailKey:    emailKey,
		IPKey:       ipKey,
		RequestKey:  requestKey,
		Intent:      models.IntentForgotPassword,
		CallerToken: testInternalKey,
	}
}

func TestPrecheck_RejectsBadCallerToken(t *testing.T) {
	svc, store, _, _ := newGateForTest(t, "user@example.com")
	ctx := context.Background()

	in := precheckInput("key-1", "ehash-1", "iphash-1", "user@example.com")
	in.CallerToken = "wrong-token"

	_, err := svc.Precheck(ctx, in)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Equal(t, 0, store.Upserts, "rejected call must not touch state")

	in.CallerToken = ""
	_, err = svc.Precheck(ctx, in)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestPrecheck_InvalidIntent(t *testing.T) {
	svc, _, _, _ := newGateForTest(t)
	ctx := context.Background()

	in := precheckInput("key-1", "ehash-1", "iphash-1", "user@example.com")
	in.Intent = models.RecoveryIntent("login")

	_, err := svc.Precheck(ctx, in)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}

// Empty and whitespace-only emails are terminal, not errors, and must never
// consume rate-limit budget
func TestPrecheck_EmptyEmail_NeverMutatesState(t *testing.T) {
	svc, store, directory, _ := newGateForTest(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		result, err := svc.Precheck(ctx, precheckInput("key-1", "ehash-1", "iphash-1", "   "))
		require.NoError(t, err)
		assert.Equal(t, services.StatusEmailNotRegistered, result.Status)
		assert.False(t, result.EmailRegistered)
	}

	assert.Equal(t, 0, store.Upserts)
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, directory.Lookups, "empty email must not probe the directory")
}

func TestPrecheck_PerKeyThrottle(t *testing.T) {
	svc, store, _, _ := newGateForTest(t, "user@example.com")
	ctx := context.Background()
	in := precheckInput("key-1", "ehash-1", "iphash-1", "user@example.com")

	for i := 1; i <= 5; i++ {
		result, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, services.StatusRegistered, result.Status, "call %d should pass", i)
	}

	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRateLimited, result.Status)
	assert.Equal(t, 300, result.RetryAfterSeconds)

	rec := store.Record("key-1", models.IntentForgotPassword)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.ViolationCount)
	assert.Equal(t, 5, rec.AttemptCount, "fresh-window count is preserved on lockout")
	require.NotNil(t, rec.BlockedUntil)
}

func TestPrecheck_BlockedAttemptChangesNothing(t *testing.T) {
	svc, store, _, clock := newGateForTest(t, "user@example.com")
	ctx := context.Background()
	in := precheckInput("key-1", "ehash-1", "iphash-1", "user@example.com")

	for i := 0; i < 6; i++ {
		_, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
	}
	before := store.Record("key-1", models.IntentForgotPassword)
	writes := store.Upserts

	clock.Advance(1 * time.Second)
	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRateLimited, result.Status)
	assert.Equal(t, 299, result.RetryAfterSeconds)

	after := store.Record("key-1", models.IntentForgotPassword)
	assert.Equal(t, before.AttemptCount, after.AttemptCount)
	assert.Equal(t, before.ViolationCount, after.ViolationCount)
	assert.Equal(t, before.BlockedUntil.Unix(), after.BlockedUntil.Unix())
	assert.Equal(t, writes, store.Upserts, "a blocked attempt must not write")
}

func TestPrecheck_EscalationTiers(t *testing.T) {
	svc, store, _, clock := newGateForTest(t, "user@example.com")
	ctx := context.Background()
	in := precheckInput("key-1", "ehash-1", "iphash-1", "user@example.com")

	// First lockout after five passing attempts
	for i := 0; i < 5; i++ {
		_, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
	}
	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	require.Equal(t, services.StatusRateLimited, result.Status)
	assert.Equal(t, 300, result.RetryAfterSeconds, "first lockout is 5 minutes")

	// Lockout expires but the window is still fresh, so the next attempt is
	// the sixth of the window and violates again at the next tier
	clock.Advance(301 * time.Second)
	result, err = svc.Precheck(ctx, in)
	require.NoError(t, err)
	require.Equal(t, services.StatusRateLimited, result.Status)
	assert.Equal(t, 900, result.RetryAfterSeconds, "second lockout is 15 minutes")
	assert.Equal(t, 2, store.Record("key-1", models.IntentForgotPassword).ViolationCount)

	// Past lockout and window: counting restarts but the violation count does not
	clock.Advance(901 * time.Second)
	result, err = svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRegistered, result.Status)
	assert.Equal(t, 2, store.Record("key-1", models.IntentForgotPassword).ViolationCount)

	for i := 0; i < 4; i++ {
		_, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
	}
	result, err = svc.Precheck(ctx, in)
	require.NoError(t, err)
	require.Equal(t, services.StatusRateLimited, result.Status)
	assert.Equal(t, 3600, result.RetryAfterSeconds, "third lockout is 60 minutes")

	// The tier never shrinks back down, however sparse the violations
	clock.Advance(3601*time.Second + 11*time.Minute)
	for i := 0; i < 5; i++ {
		_, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
	}
	result, err = svc.Precheck(ctx, in)
	require.NoError(t, err)
	require.Equal(t, services.StatusRateLimited, result.Status)
	assert.Equal(t, 3600, result.RetryAfterSeconds, "fourth and later lockouts stay at 60 minutes")
	assert.Equal(t, 4, store.Record("key-1", models.IntentForgotPassword).ViolationCount)
}

func TestPrecheck_WindowReset(t *testing.T) {
	svc, store, _, clock := newGateForTest(t, "user@example.com")
	ctx := context.Background()
	in := precheckInput("key-1", "ehash-1", "iphash-1", "user@example.com")

	for i := 0; i < 5; i++ {
		_, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, store.Record("key-1", models.IntentForgotPassword).AttemptCount)

	clock.Advance(10*time.Minute + time.Second)

	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRegistered, result.Status, "stale count must not accumulate")

	rec := store.Record("key-1", models.IntentForgotPassword)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, clock.Now(), rec.WindowStartAt)
}

func TestPrecheck_EmailScopeCeiling(t *testing.T) {
	svc, store, _, _ := newGateForTest(t, "shared@example.com")
	ctx := context.Background()

	// Ten distinct requesters share one email, each staying far below the
	// per-key ceiling
	for i := 0; i < 10; i++ {
		in := precheckInput(requestKeyN(i), "ehash-shared", ipKeyN(i), "shared@example.com")
		result, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, services.StatusRegistered, result.Status, "requester %d should pass", i)
	}

	in := precheckInput("key-fresh", "ehash-shared", "iphash-fresh", "shared@example.com")
	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRateLimited, result.Status)

	rec := store.Record("key-fresh", models.IntentForgotPassword)
	require.NotNil(t, rec, "the violating requester gets its own locked record")
	assert.Equal(t, 1, rec.ViolationCount)
	assert.Equal(t, 0, rec.AttemptCount, "the triggering attempt consumed the lockout, not the window")
}

func TestPrecheck_IPScopeCeiling(t *testing.T) {
	svc, _, _, _ := newGateForTest(t, "a@example.com")
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		in := precheckInput(requestKeyN(i), emailKeyN(i), "iphash-shared", "a@example.com")
		result, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, services.StatusRegistered, result.Status, "requester %d should pass", i)
	}

	in := precheckInput("key-fresh", "ehash-fresh", "iphash-shared", "a@example.com")
	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRateLimited, result.Status)
}

// Registration status must never leak through a throttled response
func TestPrecheck_ThrottledHidesRegistration(t *testing.T) {
	for _, tc := range []struct {
		name  string
		email string
	}{
		{"registered email", "known@example.com"},
		{"unregistered email", "unknown@example.com"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, directory, _ := newGateForTest(t, "known@example.com")
			ctx := context.Background()
			in := precheckInput("key-1", "ehash-1", "iphash-1", tc.email)

			for i := 0; i < 5; i++ {
				_, err := svc.Precheck(ctx, in)
				require.NoError(t, err)
			}
			lookupsBefore := len(directory.Lookups)

			result, err := svc.Precheck(ctx, in)
			require.NoError(t, err)
			assert.Equal(t, services.StatusRateLimited, result.Status)
			assert.False(t, result.EmailRegistered)
			assert.Len(t, directory.Lookups, lookupsBefore, "throttled call must not reach the directory")
		})
	}
}

func TestPrecheck_CaseSensitiveDirectoryFallback(t *testing.T) {
	svc, _, directory, _ := newGateForTest(t, "User@Example.com")
	ctx := context.Background()

	in := precheckInput("key-1", "ehash-1", "iphash-1", "  User@Example.com  ")
	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRegistered, result.Status)
	assert.True(t, result.EmailRegistered)
	require.Len(t, directory.Lookups, 2)
	assert.Equal(t, "user@example.com", directory.Lookups[0])
	assert.Equal(t, "User@Example.com", directory.Lookups[1])
}

func TestPrecheck_NoFallbackWhenAlreadyLowercase(t *testing.T) {
	svc, _, directory, _ := newGateForTest(t)
	ctx := context.Background()

	result, err := svc.Precheck(ctx, precheckInput("key-1", "ehash-1", "iphash-1", "missing@example.com"))
	require.NoError(t, err)
	assert.Equal(t, services.StatusEmailNotRegistered, result.Status)
	assert.Len(t, directory.Lookups, 1, "identical casings need only one lookup")
}

func TestPrecheck_StaleWindowViolationResetsCount(t *testing.T) {
	svc, store, _, clock := newGateForTest(t, "shared@example.com")
	ctx := context.Background()
	now := clock.Now()

	// A requester with a stale window whose email scope is already saturated
	// by others
	store.Seed(&models.AttemptRecord{
		ID:            "seed-stale",
		RequestKey:    "key-stale",
		EmailKey:      "ehash-shared",
		IPKey:         "iphash-stale",
		Intent:        models.IntentForgotPassword,
		AttemptCount:  5,
		WindowStartAt: now.Add(-11 * time.Minute),
		CreatedAt:     now.Add(-11 * time.Minute),
		UpdatedAt:     now.Add(-11 * time.Minute),
	})
	for i := 0; i < 10; i++ {
		store.Seed(&models.AttemptRecord{
			ID:            "seed-" + requestKeyN(i),
			RequestKey:    requestKeyN(i),
			EmailKey:      "ehash-shared",
			IPKey:         ipKeyN(i),
			Intent:        models.IntentForgotPassword,
			AttemptCount:  1,
			WindowStartAt: now.Add(-1 * time.Minute),
			CreatedAt:     now.Add(-1 * time.Minute),
			UpdatedAt:     now.Add(-1 * time.Minute),
		})
	}

	in := precheckInput("key-stale", "ehash-shared", "iphash-stale", "shared@example.com")
	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRateLimited, result.Status)

	rec := store.Record("key-stale", models.IntentForgotPassword)
	assert.Equal(t, 0, rec.AttemptCount, "stale count resets; the attempt went to the lockout")
	assert.Equal(t, clock.Now(), rec.WindowStartAt)
	assert.Equal(t, 1, rec.ViolationCount)
}

func TestPrecheck_PassClearsExpiredLockout(t *testing.T) {
	svc, store, _, clock := newGateForTest(t, "user@example.com")
	ctx := context.Background()
	now := clock.Now()
	expired := now.Add(-1 * time.Second)

	store.Seed(&models.AttemptRecord{
		ID:             "seed-1",
		RequestKey:     "key-1",
		EmailKey:       "ehash-1",
		IPKey:          "iphash-1",
		Intent:         models.IntentForgotPassword,
		AttemptCount:   0,
		WindowStartAt:  now.Add(-11 * time.Minute),
		BlockedUntil:   &expired,
		ViolationCount: 2,
		CreatedAt:      now.Add(-30 * time.Minute),
		UpdatedAt:      now.Add(-11 * time.Minute),
	})

	result, err := svc.Precheck(ctx, precheckInput("key-1", "ehash-1", "iphash-1", "user@example.com"))
	require.NoError(t, err)
	assert.Equal(t, services.StatusRegistered, result.Status)

	rec := store.Record("key-1", models.IntentForgotPassword)
	assert.Nil(t, rec.BlockedUntil)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, 2, rec.ViolationCount, "violations persist across lockout expiry")
}

// Walks the documented end-to-end scenario: five passes, a lockout, a retry
// while blocked, and recovery after the lockout and window both expire
func TestPrecheck_ForgotPasswordScenario(t *testing.T) {
	svc, store, _, clock := newGateForTest(t, "user@example.com")
	ctx := context.Background()
	in := precheckInput("K", "E", "I", "user@example.com")

	for i := 1; i <= 5; i++ {
		result, err := svc.Precheck(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, services.StatusRegistered, result.Status, "call %d", i)
		assert.True(t, result.EmailRegistered)
	}

	// Sixth call near the end of the same 10-minute window
	clock.Advance(299 * time.Second)
	result, err := svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRateLimited, result.Status)
	assert.GreaterOrEqual(t, result.RetryAfterSeconds, 299)
	assert.LessOrEqual(t, result.RetryAfterSeconds, 300)

	clock.Advance(1 * time.Second)
	result, err = svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRateLimited, result.Status)
	assert.GreaterOrEqual(t, result.RetryAfterSeconds, 298)
	assert.LessOrEqual(t, result.RetryAfterSeconds, 300)

	// 301 seconds after the sixth call: the lockout has expired and the
	// window has rolled over, so the attempt counts as #1 of a new window
	clock.Advance(300 * time.Second)
	result, err = svc.Precheck(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, services.StatusRegistered, result.Status)

	rec := store.Record("K", models.IntentForgotPassword)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, 1, rec.ViolationCount)
	assert.Nil(t, rec.BlockedUntil)
}

func requestKeyN(i int) string {
	return "key-" + string(rune('a'+i))
}

func emailKeyN(i int) string {
	return "ehash-" + string(rune('a'+i))
}

func ipKeyN(i int) string {
	return "iphash-" + string(rune('a'+i))
}
