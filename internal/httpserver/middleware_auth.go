package httpserver

import (
	"context"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/ratelimit"
	"github.com/CedrosPay/server/internal/token"
)

type claimsContextKey struct{}

// claimsFromContext returns the token.Claims a requireToken/requireAnyToken
// middleware attached to the request, or nil for an unauthenticated route.
func claimsFromContext(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims
}

// bearerToken extracts the token string from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}

// usesLegacyScheme reports whether the request presents the older
// X-API-Key or X-Session-ID credential instead of a bearer token.
// spec.md §6 requires these be rejected as InvalidTokenType, not the
// generic InvalidToken a merely-absent Authorization header gets.
func usesLegacyScheme(r *http.Request) bool {
	return r.Header.Get("X-API-Key") != "" || r.Header.Get("X-Session-ID") != ""
}

// missingTokenError picks InvalidTokenType for a legacy X-API-Key/
// X-Session-ID credential and InvalidToken for anything else absent or
// malformed.
func missingTokenError(r *http.Request) (apierrors.ErrorCode, string) {
	if usesLegacyScheme(r) {
		return apierrors.ErrCodeInvalidTokenType, "legacy X-API-Key/X-Session-ID scheme is not accepted"
	}
	return apierrors.ErrCodeInvalidToken, "missing or malformed Authorization header"
}

// requireToken builds middleware that verifies a bearer token is exactly
// of kind expected, attaching its claims to the request context and
// registering the subject with the per-operator rate limiter. A request
// presenting the rejected X-API-Key/X-Session-ID schemes instead of a
// bearer token gets InvalidTokenType; one with no credential at all gets
// InvalidToken (spec.md §6).
func (h *handlers) requireToken(expected token.Type) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())
			tok, ok := bearerToken(r)
			if !ok {
				code, msg := missingTokenError(r)
				apierrors.WriteSimpleError(w, code, msg)
				return
			}
			claims, err := h.tokens.Verify(tok, expected)
			if err != nil {
				code, reason := tokenErrorCode(err)
				if h.metrics != nil {
					h.metrics.ObserveTokenValidationFailure(string(expected), reason)
				}
				log.Warn().Str("expected_type", string(expected)).Str("reason", reason).Msg("auth.token_rejected")
				apierrors.WriteSimpleError(w, code, tokenErrorMessage(code))
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			ctx = ratelimit.ContextWithOperatorID(ctx, subjectID(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAnyToken is requireToken generalised to endpoints shared by more
// than one back-office role (e.g. both admin and finance session tokens).
func (h *handlers) requireAnyToken(expected ...token.Type) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())
			tok, ok := bearerToken(r)
			if !ok {
				code, msg := missingTokenError(r)
				apierrors.WriteSimpleError(w, code, msg)
				return
			}
			claims, err := h.tokens.VerifyAny(tok, expected...)
			if err != nil {
				code, reason := tokenErrorCode(err)
				if h.metrics != nil {
					h.metrics.ObserveTokenValidationFailure("admin_or_finance", reason)
				}
				log.Warn().Str("reason", reason).Msg("auth.token_rejected")
				apierrors.WriteSimpleError(w, code, tokenErrorMessage(code))
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			ctx = ratelimit.ContextWithOperatorID(ctx, subjectID(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func subjectID(claims *token.Claims) string {
	if claims.OperatorID != "" {
		return claims.OperatorID
	}
	return claims.AdminID
}

func tokenErrorCode(err error) (apierrors.ErrorCode, string) {
	switch err {
	case token.ErrWrongType:
		return apierrors.ErrCodeInvalidTokenType, "wrong_type"
	default:
		return apierrors.ErrCodeInvalidToken, "invalid_or_expired"
	}
}

func tokenErrorMessage(code apierrors.ErrorCode) string {
	if code == apierrors.ErrCodeInvalidTokenType {
		return "token valid but not of the type this endpoint requires"
	}
	return "invalid or expired token"
}
