package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CedrosPay/server/internal/metrics"
	"github.com/go-chi/httprate"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-operator rate limiting, keyed by the operator/admin ID carried
	// on the verified bearer token — not by IP, since a site's headsets
	// and back office may share a NAT gateway.
	PerOperatorEnabled bool
	PerOperatorLimit   int
	PerOperatorWindow  time.Duration

	// Per-IP rate limiting, used as a fallback before authentication
	// (login endpoints) and for callers the operator extractor can't
	// identify.
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns sensible default rate limits. These are generous
// limits designed to stop obvious spam while not restricting legitimate
// operator/headset traffic.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerOperatorEnabled: true,
		PerOperatorLimit:   120,
		PerOperatorWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

type contextKey int

const operatorIDContextKey contextKey = iota

// ContextWithOperatorID attaches the caller's resolved operator or admin ID
// to the request context. Authentication middleware calls this after
// verifying a bearer token, before the rate limiters run.
func ContextWithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDContextKey, operatorID)
}

// operatorIDFromContext returns the operator ID stashed by authentication
// middleware, or "" if the request hasn't been authenticated yet.
func operatorIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(operatorIDContextKey).(string)
	return id
}

// createRateLimitHandler creates a standardized rate limit handler function.
// This eliminates duplication across global, per-operator, and per-IP limiters.
func createRateLimitHandler(
	limitType string,
	windowSeconds int,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_operator":
			if identifier != "" && identifier != "all" && identifier != "unknown" {
				message = fmt.Sprintf("Rate limit exceeded for operator %s. Please try again later.", identifier)
			} else {
				message = "Rate limit exceeded. Please try again later."
			}
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"global",
				int(cfg.GlobalWindow.Seconds()),
				nil,
				cfg.Metrics,
			),
		),
	)
}

// OperatorLimiter creates a per-operator rate limiter middleware. It must
// run after authentication middleware has populated the operator ID via
// ContextWithOperatorID; requests with no operator ID fall back to IP
// keying so unauthenticated paths (logins) are still bounded.
func OperatorLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerOperatorEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.PerOperatorLimit,
		cfg.PerOperatorWindow,
		httprate.WithKeyFuncs(operatorKeyExtractor),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_operator",
				int(cfg.PerOperatorWindow.Seconds()),
				extractOperatorFromRequest,
				cfg.Metrics,
			),
		),
	)
}

// IPLimiter creates a per-IP rate limiter middleware (fallback).
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_ip",
				int(cfg.PerIPWindow.Seconds()),
				func(r *http.Request) string { return r.RemoteAddr },
				cfg.Metrics,
			),
		),
	)
}

// operatorKeyExtractor is a httprate.KeyFunc that keys by operator ID when
// the request has been authenticated, falling back to IP otherwise.
func operatorKeyExtractor(r *http.Request) (string, error) {
	if id := extractOperatorFromRequest(r); id != "" {
		return "operator:" + id, nil
	}
	return httprate.KeyByIP(r)
}

// extractOperatorFromRequest reads the operator/admin ID that authentication
// middleware attached to the request context after verifying the bearer
// token. Returns "" for unauthenticated requests.
func extractOperatorFromRequest(r *http.Request) string {
	return operatorIDFromContext(r.Context())
}
