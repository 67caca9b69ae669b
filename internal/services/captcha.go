package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	turnstileTimeout   = 5 * time.Second
)

// TurnstileVerifier checks captcha tokens against Cloudflare's siteverify
// endpoint. Verification failures of any kind, including transport errors,
// count as a failed captcha; the edge never fails open.
type TurnstileVerifier struct {
	secret    string
	verifyURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewTurnstileVerifier creates a new TurnstileVerifier
func NewTurnstileVerifier(secret string, logger *slog.Logger) *TurnstileVerifier {
	return &TurnstileVerifier{
		secret:    secret,
		verifyURL: turnstileVerifyURL,
		client:    &http.Client{Timeout: turnstileTimeout},
		logger:    logger,
	}
}

// WithVerifyURL overrides the siteverify endpoint; used by tests
func (v *TurnstileVerifier) WithVerifyURL(u string) *TurnstileVerifier {
	v.verifyURL = u
	return v
}

// Verify reports whether the captcha token is valid for the given client IP
func (v *TurnstileVerifier) Verify(ctx context.Context, token, remoteIP string) bool {
	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		v.logger.Error("failed to build captcha verify request", slog.Any("error", err))
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("captcha verification request failed", slog.Any("error", err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.logger.Warn("captcha verification returned non-OK status", slog.Int("status", resp.StatusCode))
		return false
	}

	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		v.logger.Warn("failed to decode captcha verification response", slog.Any("error", err))
		return false
	}

	return result.Success
}
