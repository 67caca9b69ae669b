package services

import (
	"time"

	"github.com/arasola/recoverygate/internal/models"
)

// cooldownForViolation maps a cumulative violation count to a lockout duration.
// Tiers only escalate: the count of lockouts decides the tier, never how long
// ago they occurred, so a sparse offender still lands on the top tier.
func cooldownForViolation(tiers []time.Duration, violationCount int) time.Duration {
	idx := violationCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx]
}

// wouldExceed evaluates all three scope ceilings for the attempt in flight.
// candidateKeyCount already includes the current attempt (it was computed as
// an increment); the email/ip tallies were read before the attempt was
// committed, so they get +1 here instead.
func wouldExceed(candidateKeyCount, emailTally, ipTally, maxKey, maxEmail, maxIP int) bool {
	return candidateKeyCount > maxKey ||
		emailTally+1 > maxEmail ||
		ipTally+1 > maxIP
}

// sumAttemptsInWindow totals attempt counts over records whose window started
// inside the trailing window. The fetch already bounded window_start_at, but
// each record is filtered again here; the two filters are independent and both
// must hold.
func sumAttemptsInWindow(records []*models.AttemptRecord, now time.Time, window time.Duration) int {
	total := 0
	for _, rec := range records {
		if now.Sub(rec.WindowStartAt) > window {
			continue
		}
		total += rec.AttemptCount
	}
	return total
}
