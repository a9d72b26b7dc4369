package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/CedrosPay/server/internal/authz"
	"github.com/CedrosPay/server/internal/billing"
	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/storage"
)

type gameRequest struct {
	AppCode     string   `json:"app_code"`
	SiteID      string   `json:"site_id"`
	PlayerCount int      `json:"player_count"`
	HeadsetIDs  []string `json:"headset_ids,omitempty"`
}

func (req gameRequest) toAuthzRequest() authz.Request {
	return authz.Request{AppCode: req.AppCode, SiteID: req.SiteID, PlayerCount: req.PlayerCount}
}

func decodeGameRequest(w http.ResponseWriter, r *http.Request) (gameRequest, bool) {
	var req gameRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return gameRequest{}, false
	}
	if req.AppCode == "" || req.SiteID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "app_code and site_id are required")
		return gameRequest{}, false
	}
	return req, true
}

// preAuthorize runs the C3 rule set only, with no write and no record.
// POST /v1/auth/game/pre-authorize
func (h *handlers) preAuthorize(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	req, ok := decodeGameRequest(w, r)
	if !ok {
		return
	}

	result, err := h.billing.PreAuthorise(r.Context(), claims.OperatorID, req.toAuthzRequest())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"can_authorize":   result.CanAuthorize,
		"app_name":        result.AppName,
		"unit_price":      result.UnitPrice.ToMajor(),
		"total_cost":      result.TotalCost.ToMajor(),
		"current_balance": result.CurrentBalance.ToMajor(),
	})
}

// authorize atomically debits the operator and issues a session.
// POST /v1/auth/game/authorize
func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	req, ok := decodeGameRequest(w, r)
	if !ok {
		return
	}

	result, err := h.billing.Authorise(r.Context(), claims.OperatorID, req.toAuthzRequest())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    result.SessionID,
		"app_name":      result.AppName,
		"player_count":  result.PlayerCount,
		"unit_price":    result.UnitPrice.ToMajor(),
		"total_cost":    result.TotalCost.ToMajor(),
		"balance_after": result.BalanceAfter.ToMajor(),
		"authorized_at": isoMillis(result.AuthorizedAt),
	})
}

type headsetDeviceUpload struct {
	DeviceID    string     `json:"device_id"`
	DeviceName  string     `json:"device_name"`
	StartTime   *time.Time `json:"start"`
	EndTime     *time.Time `json:"end"`
	ProcessInfo string     `json:"process_info"`
}

type sessionUploadRequest struct {
	SessionID      string                `json:"session_id"`
	StartTime      *time.Time            `json:"start_time"`
	EndTime        *time.Time            `json:"end_time"`
	ProcessInfo    string                `json:"process_info"`
	HeadsetDevices []headsetDeviceUpload `json:"headset_devices"`
}

// sessionUpload attaches post-game telemetry to an existing UsageRecord,
// replacing any prior contents in full (spec.md §4.1, §4.4).
// POST /v1/auth/game/session/upload
func (h *handlers) sessionUpload(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req sessionUploadRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "session_id is required")
		return
	}

	headsets := make([]storage.HeadsetGameRecord, 0, len(req.HeadsetDevices))
	for _, d := range req.HeadsetDevices {
		headsets = append(headsets, storage.HeadsetGameRecord{
			DeviceID:    d.DeviceID,
			DeviceName:  d.DeviceName,
			StartTime:   d.StartTime,
			EndTime:     d.EndTime,
			ProcessInfo: d.ProcessInfo,
		})
	}

	err := h.billing.Upload(r.Context(), claims.OperatorID, billing.UploadRequest{
		SessionID:   req.SessionID,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		ProcessInfo: req.ProcessInfo,
		Headsets:    headsets,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type launchRequest struct {
	AppCode string `json:"app_code"`
	SiteID  string `json:"site_id"`
}

// launchApplication mints a 24-hour headset token bound to the operator,
// site, and application the launch URL will be assembled for (by the web
// console, not this core — spec.md §6). Only a verified operator session
// may call this.
// POST /v1/operators/me/applications/launch
func (h *handlers) launchApplication(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	claims := claimsFromContext(r.Context())
	var req launchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.AppCode == "" || req.SiteID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "app_code and site_id are required")
		return
	}

	siteID, err := authz.NormalizeSiteID(req.SiteID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	err = h.store.WithTx(r.Context(), func(tx storage.Tx) error {
		app, err := h.store.GetApplicationByCode(r.Context(), tx, req.AppCode)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return authz.ErrAppNotFound
			}
			return err
		}
		if !app.IsActive {
			return authz.ErrAppNotFound
		}
		site, err := h.store.GetSite(r.Context(), tx, siteID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return authz.ErrSiteNotFound
			}
			return err
		}
		if site.OperatorID != claims.OperatorID || site.DeletedAt != nil || !site.IsActive {
			return authz.ErrSiteNotOwned
		}
		return nil
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	headsetToken, expiresAt, err := h.tokens.IssueHeadsetToken(claims.OperatorID, req.AppCode, siteID)
	if err != nil {
		log.Error().Err(err).Msg("game.launch_issue_token_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"headset_token": headsetToken,
		"app_code":      req.AppCode,
		"site_id":       siteID,
		"expires_in":    int(time.Until(expiresAt).Seconds()),
	})
}
