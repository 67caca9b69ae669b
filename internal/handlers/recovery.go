package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/arasola/recoverygate/internal/auth"
	"github.com/arasola/recoverygate/internal/config"
	"github.com/arasola/recoverygate/internal/models"
	"github.com/arasola/recoverygate/internal/services"
	pkghttp "github.com/arasola/recoverygate/pkg/http"
)

// RecoveryGateInterface defines the interface for the abuse-gate business logic
type RecoveryGateInterface interface {
	Precheck(ctx context.Context, in services.PrecheckInput) (*services.PrecheckResult, error)
}

// CaptchaVerifierInterface defines the interface for captcha verification
type CaptchaVerifierInterface interface {
	Verify(ctx context.Context, token, remoteIP string) bool
}

// RecoveryHandler handles recovery-precheck HTTP requests: the trusted
// internal endpoint used by backend callers, and the public edge endpoint
// that fronts it with captcha, hashing and timing protections
type RecoveryHandler struct {
	gate        RecoveryGateInterface
	captcha     CaptchaVerifierInterface
	jitter      *auth.ResponseJitter
	ipConfig    *pkghttp.IPConfig
	precheckCfg config.PrecheckConfig
	internalKey string
}

// NewRecoveryHandler creates a new RecoveryHandler
func NewRecoveryHandler(gate RecoveryGateInterface, captcha CaptchaVerifierInterface, jitter *auth.ResponseJitter, ipConfig *pkghttp.IPConfig, precheckCfg config.PrecheckConfig, internalKey string) *RecoveryHandler {
	return &RecoveryHandler{
		gate:        gate,
		captcha:     captcha,
		jitter:      jitter,
		ipConfig:    ipConfig,
		precheckCfg: precheckCfg,
		internalKey: internalKey,
	}
}

// Request DTOs

// InternalPrecheckRequest represents the request body for the internal precheck
type InternalPrecheckRequest struct {
	Email       string `json:"email"`
	EmailKey    string `json:"email_key" validate:"required"`
	IPKey       string `json:"ip_key" validate:"required"`
	RequestKey  string `json:"request_key" validate:"required"`
	Intent      string `json:"intent" validate:"required,oneof=magic-link forgot-password"`
	CallerToken string `json:"caller_token" validate:"required"`
}

// InternalPrecheckResponse mirrors the gate's three terminal answers
type InternalPrecheckResponse struct {
	Status            string `json:"status"`
	EmailRegistered   *bool  `json:"emailRegistered,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// PublicPrecheckRequest represents the request body for the public edge precheck
type PublicPrecheckRequest struct {
	Email        string `json:"email"`
	Intent       string `json:"intent"`
	CaptchaToken string `json:"captchaToken"`
}

// edgeResponse is the public endpoint's wire shape. Failures carry a coarse
// code; only a passing precheck reveals anything about the account.
type edgeResponse struct {
	OK                bool   `json:"ok"`
	Code              string `json:"code,omitempty"`
	Status            string `json:"status,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// Public edge response codes
const (
	edgeCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	edgeCodeInvalidRequest     = "INVALID_REQUEST"
	edgeCodeEmailNotRegistered = "EMAIL_NOT_REGISTERED"
	edgeCodeCaptchaFailed      = "CAPTCHA_FAILED"
	edgeCodeRateLimited        = "RATE_LIMITED"
)

// emailFormatRE is a coarse shape check, not RFC validation; anything that
// fails it cannot be a registered address
var emailFormatRE = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// InternalPrecheck handles the trusted precheck call from backend services
// @Summary Recovery precheck for trusted callers
// @Accept json
// @Param request body InternalPrecheckRequest true "Precheck request"
// @Produce json
// @Success 200 {object} InternalPrecheckResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /internal/recovery/precheck [post]
func (h *RecoveryHandler) InternalPrecheck(w http.ResponseWriter, r *http.Request) {
	var req InternalPrecheckRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	// Validate request
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.gate.Precheck(r.Context(), services.PrecheckInput{
		Email:       req.Email,
		EmailKey:    req.EmailKey,
		IPKey:       req.IPKey,
		RequestKey:  req.RequestKey,
		Intent:      models.RecoveryIntent(req.Intent),
		CallerToken: req.CallerToken,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Invalid caller token")
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "Invalid precheck request")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(internalResponseFor(result))
}

func internalResponseFor(result *services.PrecheckResult) InternalPrecheckResponse {
	if result.Status == services.StatusRateLimited {
		return InternalPrecheckResponse{
			Status:            string(result.Status),
			RetryAfterSeconds: result.RetryAfterSeconds,
		}
	}
	registered := result.EmailRegistered
	return InternalPrecheckResponse{
		Status:          string(result.Status),
		EmailRegistered: &registered,
	}
}

// PublicPrecheck handles the unauthenticated edge precheck. Every response
// path, including rejections, goes through the same jitter band.
// @Summary Public recovery precheck
// @Accept json
// @Param request body PublicPrecheckRequest true "Precheck request"
// @Produce json
// @Success 200 {object} edgeResponse
// @Failure 400 {object} edgeResponse
// @Failure 503 {object} edgeResponse
// @Router /auth/email-recovery-precheck [post]
func (h *RecoveryHandler) PublicPrecheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !h.precheckCfg.Enabled || h.precheckCfg.TurnstileSecretKey == "" {
		h.writeEdge(w, start, http.StatusServiceUnavailable, edgeResponse{Code: edgeCodeServiceUnavailable})
		return
	}

	var req PublicPrecheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeEdge(w, start, http.StatusBadRequest, edgeResponse{Code: edgeCodeInvalidRequest})
		return
	}

	intent := models.RecoveryIntent(req.Intent)
	if !intent.Valid() {
		h.writeEdge(w, start, http.StatusBadRequest, edgeResponse{Code: edgeCodeInvalidRequest})
		return
	}

	normalizedEmail := services.NormalizeEmail(req.Email)
	if normalizedEmail == "" || !emailFormatRE.MatchString(normalizedEmail) {
		h.writeEdge(w, start, http.StatusOK, edgeResponse{Code: edgeCodeEmailNotRegistered})
		return
	}

	captchaToken := strings.TrimSpace(req.CaptchaToken)
	if captchaToken == "" {
		h.writeEdge(w, start, http.StatusOK, edgeResponse{Code: edgeCodeCaptchaFailed})
		return
	}

	clientIP := pkghttp.ExtractClientIP(r, h.ipConfig)
	if !h.captcha.Verify(r.Context(), captchaToken, clientIP) {
		h.writeEdge(w, start, http.StatusOK, edgeResponse{Code: edgeCodeCaptchaFailed})
		return
	}

	if h.internalKey == "" {
		h.writeEdge(w, start, http.StatusServiceUnavailable, edgeResponse{Code: edgeCodeServiceUnavailable})
		return
	}

	// The gate only ever sees digests of the identifying values
	emailKey := hashString(normalizedEmail)
	ipKey := hashString(clientIP)
	requestKey := hashString(ipKey + "|" + emailKey + "|" + string(intent))

	result, err := h.gate.Precheck(r.Context(), services.PrecheckInput{
		Email:       normalizedEmail,
		EmailKey:    emailKey,
		IPKey:       ipKey,
		RequestKey:  requestKey,
		Intent:      intent,
		CallerToken: h.internalKey,
	})
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			h.writeEdge(w, start, http.StatusServiceUnavailable, edgeResponse{Code: edgeCodeServiceUnavailable})
			return
		}
		// Unexpected failures are indistinguishable from a failed captcha
		h.writeEdge(w, start, http.StatusOK, edgeResponse{Code: edgeCodeCaptchaFailed})
		return
	}

	switch result.Status {
	case services.StatusRateLimited:
		h.writeEdge(w, start, http.StatusOK, edgeResponse{
			Code:              edgeCodeRateLimited,
			RetryAfterSeconds: result.RetryAfterSeconds,
		})
	case services.StatusEmailNotRegistered:
		h.writeEdge(w, start, http.StatusOK, edgeResponse{Code: edgeCodeEmailNotRegistered})
	default:
		h.writeEdge(w, start, http.StatusOK, edgeResponse{OK: true, Status: "registered"})
	}
}

// writeEdge pads the response into the jitter band before writing it
func (h *RecoveryHandler) writeEdge(w http.ResponseWriter, start time.Time, statusCode int, resp edgeResponse) {
	if h.jitter != nil {
		h.jitter.WaitFrom(start)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func hashString(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
