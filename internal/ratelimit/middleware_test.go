package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.GlobalEnabled {
		t.Error("Expected global rate limiting to be enabled by default")
	}
	if cfg.GlobalLimit != 1000 {
		t.Errorf("Expected global limit 1000, got %d", cfg.GlobalLimit)
	}
	if !cfg.PerOperatorEnabled {
		t.Error("Expected per-operator rate limiting to be enabled by default")
	}
	if cfg.PerOperatorLimit != 120 {
		t.Errorf("Expected per-operator limit 120, got %d", cfg.PerOperatorLimit)
	}
	if !cfg.PerIPEnabled {
		t.Error("Expected per-IP rate limiting to be enabled by default")
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	cfg := Config{GlobalEnabled: false}
	limiter := GlobalLimiter(cfg)

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	cfg := Config{
		GlobalEnabled: true,
		GlobalLimit:   5,
		GlobalWindow:  1 * time.Second,
	}
	limiter := GlobalLimiter(cfg)

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after limit exceeded, got %d", w.Code)
	}

	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header to be set")
	}
}

func TestOperatorLimiter_Disabled(t *testing.T) {
	cfg := Config{PerOperatorEnabled: false}
	limiter := OperatorLimiter(cfg)

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req = req.WithContext(ContextWithOperatorID(req.Context(), "op-1"))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestOperatorLimiter_PerOperatorLimit(t *testing.T) {
	cfg := Config{
		PerOperatorEnabled: true,
		PerOperatorLimit:   3,
		PerOperatorWindow:  1 * time.Second,
	}
	limiter := OperatorLimiter(cfg)

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	op1 := "operator-1"
	op2 := "operator-2"

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req = req.WithContext(ContextWithOperatorID(req.Context(), op1))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("operator-1 request %d: expected 200, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req = req.WithContext(ContextWithOperatorID(req.Context(), op1))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("operator-1: Expected 429 after limit, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	req = req.WithContext(ContextWithOperatorID(req.Context(), op2))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("operator-2: Expected 200, got %d", w.Code)
	}
}

func TestOperatorLimiter_FallbackToIP(t *testing.T) {
	cfg := Config{
		PerOperatorEnabled: true,
		PerOperatorLimit:   3,
		PerOperatorWindow:  1 * time.Second,
	}
	limiter := OperatorLimiter(cfg)

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Requests with no operator ID in context (e.g. the login endpoint)
	// fall back to IP-based limiting.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after IP limit, got %d", w.Code)
	}
}

func TestExtractOperatorFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*http.Request) *http.Request
		wantResult string
	}{
		{
			name: "operator ID from context",
			setup: func(r *http.Request) *http.Request {
				return r.WithContext(ContextWithOperatorID(r.Context(), "operator-from-context"))
			},
			wantResult: "operator-from-context",
		},
		{
			name:       "no operator ID in context",
			setup:      func(r *http.Request) *http.Request { return r },
			wantResult: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req = tt.setup(req)

			got := extractOperatorFromRequest(req)
			if got != tt.wantResult {
				t.Errorf("Expected %q, got %q", tt.wantResult, got)
			}
		})
	}
}

func TestIPLimiter_EnforcesLimit(t *testing.T) {
	cfg := Config{
		PerIPEnabled: true,
		PerIPLimit:   3,
		PerIPWindow:  1 * time.Second,
	}
	limiter := IPLimiter(cfg)

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ip := "192.168.1.100:54321"

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = ip
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = ip
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after IP limit, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.101:54321"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Different IP: Expected 200, got %d", w.Code)
	}
}
