package httpserver

import (
	stderrors "errors"
	"net/http"

	"github.com/CedrosPay/server/internal/authz"
	"github.com/CedrosPay/server/internal/backoffice"
	"github.com/CedrosPay/server/internal/billing"
	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/storage"
)

// writeServiceError maps an error returned by authz/billing/backoffice/
// storage to the closed ErrorCode taxonomy in spec.md §7 and writes it.
// Every case here is a rule-level failure surfaced verbatim per spec.md's
// propagation policy; anything unrecognised becomes ErrCodeInternal and
// is logged with the request's correlation id, never echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := logger.FromContext(r.Context())

	var insufficient *authz.InsufficientBalanceError
	switch {
	case err == nil:
		return
	case stderrors.Is(err, authz.ErrAccountLocked):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAccountLocked, "operator account is locked or inactive")
	case stderrors.Is(err, authz.ErrAppNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAppNotFound, "application not found or disabled")
	case stderrors.Is(err, authz.ErrAppNotAuthorised):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAppNotAuthorised, "application is not authorised for this operator")
	case stderrors.Is(err, authz.ErrSiteNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSiteNotFound, "site not found")
	case stderrors.Is(err, authz.ErrSiteNotOwned):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSiteNotOwned, "site does not belong to this operator")
	case stderrors.Is(err, authz.ErrInvalidPlayerCount):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "player_count is outside the application's allowed range")
	case stderrors.Is(err, authz.ErrInvalidSiteID):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "site_id must be a bare UUID or a site_-prefixed UUID")
	case stderrors.As(err, &insufficient):
		apierrors.WriteError(w, apierrors.ErrCodeInsufficientBalance, "balance is insufficient for this request", map[string]interface{}{
			"current_balance": insufficient.CurrentBalance.ToMajor(),
			"required":        insufficient.Required.ToMajor(),
		})
	case stderrors.Is(err, billing.ErrSessionIDExhausted):
		log.Error().Err(err).Msg("billing.session_id_exhausted")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "internal error")
	case stderrors.Is(err, billing.ErrSessionAccessDenied):
		// spec.md §7's closed taxonomy has no distinct "wrong owner" code;
		// treat it the same as an unknown session_id so existence isn't
		// leaked across operators.
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSessionNotFound, "session not found")
	case stderrors.Is(err, billing.ErrSessionNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSessionNotFound, "session not found")
	case stderrors.Is(err, storage.ErrAccessDenied):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeSessionNotFound, "not found")
	case stderrors.Is(err, storage.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeOperatorNotFound, "not found")
	case stderrors.Is(err, storage.ErrInvalidState):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidState, "illegal state transition")
	case stderrors.Is(err, storage.ErrAlreadyExists):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "already exists")
	case stderrors.Is(err, backoffice.ErrAdjustmentWouldUnderflow):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInsufficientBalance, "adjustment would drive balance negative")
	case stderrors.Is(err, backoffice.ErrInvalidAdjustmentKind):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "kind must be add or subtract")
	case stderrors.Is(err, backoffice.ErrInvalidAmount):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "amount must be positive")
	default:
		log.Error().Err(err).Msg("request.unhandled_error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "internal error")
	}
}
