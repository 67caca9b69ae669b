package auth

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// JitterConfig holds configuration for response-time smoothing
type JitterConfig struct {
	MinMs int // Minimum total response time in milliseconds
	MaxMs int // Maximum total response time in milliseconds
}

// ResponseJitter pads responses to a random duration so that response timing
// does not reveal which internal path a request took. Every outcome of a
// guarded endpoint, fast or slow, is stretched to the same time band.
type ResponseJitter struct {
	config JitterConfig
}

// NewResponseJitter creates a new ResponseJitter instance
func NewResponseJitter(config JitterConfig) *ResponseJitter {
	if config.MaxMs < config.MinMs {
		config.MaxMs = config.MinMs
	}
	return &ResponseJitter{
		config: config,
	}
}

// cryptoRandIntn returns a secure random number between 0 and max (exclusive)
// Uses crypto/rand instead of math/rand for security-sensitive operations
func cryptoRandIntn(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}

	randomBytes := make([]byte, 8)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return 0, err
	}

	randomValue := binary.BigEndian.Uint64(randomBytes)
	return int(randomValue % uint64(max)), nil
}

// target picks a random total duration within [MinMs, MaxMs]
func (rj *ResponseJitter) target() time.Duration {
	span := rj.config.MaxMs - rj.config.MinMs
	offset := 0
	if span > 0 {
		if v, err := cryptoRandIntn(span + 1); err == nil {
			offset = v
		}
	}
	return time.Duration(rj.config.MinMs+offset) * time.Millisecond
}

// WaitFrom sleeps until the total time elapsed since startTime reaches a
// random target within the configured band. If processing already took
// longer than the target, it returns immediately.
func (rj *ResponseJitter) WaitFrom(startTime time.Time) {
	targetDelay := rj.target()

	elapsed := time.Since(startTime)
	if elapsed < targetDelay {
		time.Sleep(targetDelay - elapsed)
	}
}
