package routes

import (
	"github.com/arasola/recoverygate/internal/handlers"
	"github.com/arasola/recoverygate/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	recoveryHandler *handlers.RecoveryHandler,
) {
	// Per-IP flood shedding for the public endpoint; the gate applies the
	// real abuse limits behind it
	rateLimitConfig := middleware.DefaultPrecheckRateLimit()

	// Public edge route - captcha-guarded, no authentication
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/email-recovery-precheck", recoveryHandler.PublicPrecheck)

	// Trusted internal route - guarded by the shared caller secret carried
	// in the request body
	router.Post("/internal/recovery/precheck", recoveryHandler.InternalPrecheck)
}
