package httpserver

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/CedrosPay/server/internal/credential"
	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/storage"
)

type registerOperatorRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	DisplayName  string `json:"display_name"`
	ContactEmail string `json:"contact_email"`
	ContactPhone string `json:"contact_phone"`
}

// registerOperator is the self-registration path spec.md §3 mentions
// alongside admin-created operators.
// POST /v1/auth/operators/register
func (h *handlers) registerOperator(w http.ResponseWriter, r *http.Request) {
	var req registerOperatorRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "username and password are required")
		return
	}

	op, err := h.backoffice.RegisterOperator(r.Context(), req.Username, req.Password, req.DisplayName, req.ContactEmail, req.ContactPhone)
	if err != nil {
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "username already registered")
			return
		}
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"operator": operatorView(op)})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginOperator authenticates an operator's web-console session.
// POST /v1/auth/operators/login
func (h *handlers) loginOperator(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	op, err := h.store.GetOperatorByUsername(r.Context(), req.Username)
	if err != nil {
		// Same response as a bad password: don't reveal whether the
		// username exists.
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid username or password")
		return
	}
	if err := credential.Verify(req.Password, op.PasswordHash); err != nil {
		log.Warn().Str("username", req.Username).Msg("auth.operator_login_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid username or password")
		return
	}
	if !op.IsActive || op.IsLocked {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAccountLocked, "operator account is locked or inactive")
		return
	}

	tok, expiresAt, err := h.tokens.IssueOperatorToken(op.ID)
	if err != nil {
		log.Error().Err(err).Msg("auth.issue_operator_token_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"expires_in":   int(time.Until(expiresAt).Seconds()),
		"operator":     operatorView(op),
	})
}

// loginAdmin authenticates a back-office (admin or finance) session.
// POST /v1/auth/admins/login
func (h *handlers) loginAdmin(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}

	admin, err := h.store.GetAdminByUsername(r.Context(), req.Username)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid username or password")
		return
	}
	if err := credential.Verify(req.Password, admin.PasswordHash); err != nil {
		log.Warn().Str("username", req.Username).Msg("auth.admin_login_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid username or password")
		return
	}
	if !admin.IsActive {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAccountLocked, "account is inactive")
		return
	}

	tok, expiresAt, err := h.tokens.IssueAdminToken(admin.ID, string(admin.Role))
	if err != nil {
		log.Error().Err(err).Msg("auth.issue_admin_token_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"expires_in":   int(time.Until(expiresAt).Seconds()),
		"user":         map[string]any{"id": admin.ID, "role": admin.Role},
	})
}

// operatorView strips the password hash before an Operator crosses the
// wire.
func operatorView(op storage.Operator) map[string]any {
	return map[string]any{
		"operator_id":     op.ID,
		"username":        op.Username,
		"display_name":    op.DisplayName,
		"contact_email":   op.ContactEmail,
		"contact_phone":   op.ContactPhone,
		"balance":         op.Balance.ToMajor(),
		"total_recharged": op.TotalRecharged.ToMajor(),
		"total_consumed":  op.TotalConsumed.ToMajor(),
		"total_refunded":  op.TotalRefunded.ToMajor(),
		"customer_tier":   op.CustomerTier,
		"is_active":       op.IsActive,
		"is_locked":       op.IsLocked,
	}
}
