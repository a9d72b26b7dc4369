package errors

// ErrorCode represents a machine-readable error identifier for client
// error handling. The set below is closed: every operation in this
// system fails with exactly one of these codes.
type ErrorCode string

const (
	// ErrCodeInvalidRequest covers malformed/out-of-range request fields —
	// bad site_id format, player_count outside an application's range,
	// missing required fields.
	ErrCodeInvalidRequest ErrorCode = "invalid_request"

	// ErrCodeInvalidToken covers a bearer token that fails signature,
	// expiry, or structural verification. Never distinguishes which
	// check failed, to avoid leaking validation internals.
	ErrCodeInvalidToken ErrorCode = "invalid_token"

	// ErrCodeInvalidTokenType covers a token that verifies but carries
	// the wrong typ claim for the endpoint it was presented to (e.g. an
	// admin token on the headset authorise path), and any request that
	// uses a rejected auth scheme (X-API-Key, X-Session-ID) on that path.
	ErrCodeInvalidTokenType ErrorCode = "invalid_token_type"

	// ErrCodeAccountLocked covers an operator account placed on hold.
	ErrCodeAccountLocked ErrorCode = "account_locked"

	// ErrCodeAppNotAuthorised covers an application the operator has no
	// active ApplicationAuthorisation grant for.
	ErrCodeAppNotAuthorised ErrorCode = "app_not_authorised"

	// ErrCodeSiteNotOwned covers a site_id that exists but belongs to a
	// different operator, or has been soft-deleted/deactivated.
	ErrCodeSiteNotOwned ErrorCode = "site_not_owned"

	// ErrCodeAppNotFound covers an app_code/application_id with no
	// matching Application, or one that is disabled.
	ErrCodeAppNotFound ErrorCode = "app_not_found"

	// ErrCodeSiteNotFound covers a site_id with no matching Site row.
	ErrCodeSiteNotFound ErrorCode = "site_not_found"

	// ErrCodeOperatorNotFound covers a username/operator_id with no
	// matching Operator.
	ErrCodeOperatorNotFound ErrorCode = "operator_not_found"

	// ErrCodeSessionNotFound covers a session_id with no matching
	// UsageRecord (session upload against an unknown session).
	ErrCodeSessionNotFound ErrorCode = "session_not_found"

	// ErrCodeInsufficientBalance covers an operator balance strictly less
	// than the computed total_cost.
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"

	// ErrCodeInvalidState covers an illegal state transition — approving
	// an already-decided refund/invoice/application request.
	ErrCodeInvalidState ErrorCode = "invalid_state"

	// ErrCodeInternal covers everything else: exhausted retries on a
	// transient database error, session_id collision after three
	// generation attempts, commit failures, and any unexpected fault.
	ErrCodeInternal ErrorCode = "internal"
)

// IsRetryable reports whether a client should retry the request as-is.
// Only ErrCodeInternal is retryable here: the ledger store already
// retries transient database failures transparently (internal/dbretry)
// before ever surfacing this code, and the 30-second idempotency window
// on the authorise path absorbs a client-side retry safely.
func (e ErrorCode) IsRetryable() bool {
	return e == ErrCodeInternal
}

// HTTPStatus returns the HTTP status code fixed by the error taxonomy.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidRequest:
		return 400
	case ErrCodeInvalidToken:
		return 401
	case ErrCodeInvalidTokenType, ErrCodeAccountLocked, ErrCodeAppNotAuthorised, ErrCodeSiteNotOwned:
		return 403
	case ErrCodeAppNotFound, ErrCodeSiteNotFound, ErrCodeOperatorNotFound, ErrCodeSessionNotFound:
		return 404
	case ErrCodeInsufficientBalance:
		return 402
	case ErrCodeInvalidState:
		return 409
	default:
		return 500
	}
}
