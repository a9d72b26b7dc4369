package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/server/internal/backoffice"
	"github.com/CedrosPay/server/internal/billing"
	"github.com/CedrosPay/server/internal/config"
	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/idempotency"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
	"github.com/CedrosPay/server/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func mustMoney(t *testing.T, major string) money.Money {
	t.Helper()
	m, err := money.FromMajor(money.CNY, major)
	if err != nil {
		t.Fatalf("money.FromMajor(%q): %v", major, err)
	}
	return m
}

// testServer wires a full router against an in-memory store, mirroring
// how cmd/server/main.go assembles the same dependencies.
func testServer(t *testing.T) (*chi.Mux, storage.Store, *token.Service) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	tokens, err := token.NewService(testSecret)
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}

	cfg := &config.Config{}
	cfg.Billing.IdempotencyWindow.Duration = 30 * time.Second
	cfg.Billing.SessionIDRetries = 3

	m := metrics.New(prometheus.NewRegistry())
	billingSvc := billing.New(store, m, cfg.Billing)
	backofficeSvc := backoffice.New(store, m)
	idempotencyStore := idempotency.NewMemoryStore()
	t.Cleanup(idempotencyStore.Stop)

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, store, tokens, billingSvc, backofficeSvc, idempotencyStore, m, zerolog.Nop())
	return router, store, tokens
}

func seedOperatorAndApp(t *testing.T, store storage.Store, balance string) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		if err := store.CreateOperator(context.Background(), tx, storage.Operator{
			ID: "op1", Username: "acme", Balance: mustMoney(t, balance), IsActive: true,
		}); err != nil {
			return err
		}
		if err := store.CreateApplication(context.Background(), tx, storage.Application{
			ID: "app1", AppCode: "APP_1", AppName: "Zombie Run",
			UnitPrice: mustMoney(t, "10.00"), MinPlayers: 2, MaxPlayers: 8, IsActive: true,
		}); err != nil {
			return err
		}
		if err := store.CreateSite(context.Background(), tx, storage.Site{
			ID: "site1", OperatorID: "op1", IsActive: true,
		}); err != nil {
			return err
		}
		return store.UpsertAuthorisation(context.Background(), tx, storage.ApplicationAuthorisation{
			OperatorID: "op1", ApplicationID: "app1", GrantedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("seedOperatorAndApp: %v", err)
	}
}

func doJSON(t *testing.T, router http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestAuthorise_EndToEnd is spec.md §8 scenario 1: operator with balance
// 100.00, app unit_price 10.00 range 2..8, player_count=5 authorises for
// total_cost 50.00 and balance_after 50.00.
func TestAuthorise_EndToEnd(t *testing.T) {
	router, store, tokens := testServer(t)
	seedOperatorAndApp(t, store, "100.00")

	headsetTok, _, err := tokens.IssueHeadsetToken("op1", "APP_1", "site1")
	if err != nil {
		t.Fatalf("IssueHeadsetToken: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/game/authorize", headsetTok, map[string]any{
		"app_code":     "APP_1",
		"site_id":      "site1",
		"player_count": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["total_cost"] != "50.00" {
		t.Errorf("total_cost = %v, want 50.00", resp["total_cost"])
	}
	if resp["balance_after"] != "50.00" {
		t.Errorf("balance_after = %v, want 50.00", resp["balance_after"])
	}
	sessionID, _ := resp["session_id"].(string)
	if sessionID == "" {
		t.Error("expected non-empty session_id")
	}
}

// TestAuthorise_InsufficientBalance is spec.md §8 scenario 2.
func TestAuthorise_InsufficientBalance(t *testing.T) {
	router, store, tokens := testServer(t)
	seedOperatorAndApp(t, store, "30.00")

	headsetTok, _, _ := tokens.IssueHeadsetToken("op1", "APP_1", "site1")
	rec := doJSON(t, router, http.MethodPost, "/v1/auth/game/authorize", headsetTok, map[string]any{
		"app_code":     "APP_1",
		"site_id":      "site1",
		"player_count": 5,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402, body = %s", rec.Code, rec.Body.String())
	}

	var errResp apierrors.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != apierrors.ErrCodeInsufficientBalance {
		t.Errorf("error code = %s, want insufficient_balance", errResp.Error.Code)
	}
}

// TestAuthorise_WrongTokenTypeRejected is spec.md §8 scenario 5: an
// operator session token must not be accepted on the headset-only
// authorise endpoint.
func TestAuthorise_WrongTokenTypeRejected(t *testing.T) {
	router, store, tokens := testServer(t)
	seedOperatorAndApp(t, store, "100.00")

	operatorTok, _, err := tokens.IssueOperatorToken("op1")
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/game/authorize", operatorTok, map[string]any{
		"app_code":     "APP_1",
		"site_id":      "site1",
		"player_count": 5,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}

	var errResp apierrors.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != apierrors.ErrCodeInvalidTokenType {
		t.Errorf("error code = %s, want invalid_token_type", errResp.Error.Code)
	}

	// A headset token for the same operator on the same endpoint succeeds.
	headsetTok, _, _ := tokens.IssueHeadsetToken("op1", "APP_1", "site1")
	rec = doJSON(t, router, http.MethodPost, "/v1/auth/game/authorize", headsetTok, map[string]any{
		"app_code":     "APP_1",
		"site_id":      "site1",
		"player_count": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("headset-token authorize status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

// TestAuthorise_LegacySchemeRejected is spec.md §6: the older X-API-Key
// and X-Session-ID headers must not be accepted on the authorise path,
// and are rejected as InvalidTokenType rather than InvalidToken.
func TestAuthorise_LegacySchemeRejected(t *testing.T) {
	router, store, _ := testServer(t)
	seedOperatorAndApp(t, store, "100.00")

	body, _ := json.Marshal(map[string]any{
		"app_code":     "APP_1",
		"site_id":      "site1",
		"player_count": 5,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/game/authorize", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "legacy-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
	var errResp apierrors.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != apierrors.ErrCodeInvalidTokenType {
		t.Errorf("error code = %s, want invalid_token_type", errResp.Error.Code)
	}
}

// TestSessionUpload_OverwritesHeadsetRecords is spec.md §8 scenario 6.
func TestSessionUpload_OverwritesHeadsetRecords(t *testing.T) {
	router, store, tokens := testServer(t)
	seedOperatorAndApp(t, store, "100.00")
	headsetTok, _, _ := tokens.IssueHeadsetToken("op1", "APP_1", "site1")

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/game/authorize", headsetTok, map[string]any{
		"app_code":     "APP_1",
		"site_id":      "site1",
		"player_count": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var authResp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &authResp)
	sessionID := authResp["session_id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/v1/auth/game/session/upload", headsetTok, map[string]any{
		"session_id": sessionID,
		"headset_devices": []map[string]any{
			{"device_id": "H1", "device_name": "Rig 1"},
			{"device_id": "H2", "device_name": "Rig 2"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first session upload status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/auth/game/session/upload", headsetTok, map[string]any{
		"session_id": sessionID,
		"headset_devices": []map[string]any{
			{"device_id": "H1", "device_name": "Rig 1"},
			{"device_id": "H3", "device_name": "Rig 3"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("session upload status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var usage storage.UsageRecord
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var txErr error
		usage, txErr = store.GetUsageBySessionID(context.Background(), tx, sessionID)
		return txErr
	})
	if err != nil {
		t.Fatalf("GetUsageBySessionID: %v", err)
	}
	if usage.GameSession == nil || len(usage.GameSession.Headsets) != 2 {
		t.Fatalf("expected 2 headset records, got %+v", usage.GameSession)
	}
	ids := map[string]bool{}
	for _, h := range usage.GameSession.Headsets {
		ids[h.DeviceID] = true
	}
	if !ids["H1"] || !ids["H3"] {
		t.Errorf("expected H1 and H3 present, got %v", ids)
	}
	if ids["H2"] {
		t.Errorf("expected H2 to be gone after re-upload, got %v", ids)
	}
}

// TestPreAuthorise_NoDebit confirms pre-authorise is side-effect free.
func TestPreAuthorise_NoDebit(t *testing.T) {
	router, store, tokens := testServer(t)
	seedOperatorAndApp(t, store, "100.00")
	headsetTok, _, _ := tokens.IssueHeadsetToken("op1", "APP_1", "site1")

	rec := doJSON(t, router, http.MethodPost, "/v1/auth/game/pre-authorize", headsetTok, map[string]any{
		"app_code":     "APP_1",
		"site_id":      "site1",
		"player_count": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("pre-authorize status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var op storage.Operator
	err := store.WithTx(context.Background(), func(tx storage.Tx) error {
		var txErr error
		op, txErr = store.GetOperator(context.Background(), tx, "op1")
		return txErr
	})
	if err != nil {
		t.Fatalf("GetOperator: %v", err)
	}
	if op.Balance.ToMajor() != "100.00" {
		t.Errorf("balance after pre-authorize = %s, want unchanged 100.00", op.Balance)
	}
}
