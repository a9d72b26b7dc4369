package config

import (
	"os"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv()
	defer clearEnv()

	// Missing token secret is the only required-but-unset field in the defaults.
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when token secret is missing, got nil")
	}
	if !contains(err.Error(), "token secret") {
		t.Errorf("expected error about token secret, got: %v", err)
	}
}

func TestLoadConfig_ValidMinimal(t *testing.T) {
	clearEnv()
	os.Setenv("GAB_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error with valid config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected default storage backend 'memory', got %s", cfg.Storage.Backend)
	}
	if cfg.Billing.IdempotencyWindow.Duration.String() != "30s" {
		t.Errorf("expected default idempotency window 30s, got %v", cfg.Billing.IdempotencyWindow.Duration)
	}
}

func TestLoadConfig_ShortSecretRejected(t *testing.T) {
	clearEnv()
	os.Setenv("GAB_TOKEN_SECRET", "too-short")
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for a token secret under 32 bytes")
	}
	if !contains(err.Error(), "token secret") {
		t.Errorf("expected error about token secret, got: %v", err)
	}
}

func TestLoadConfig_PostgresRequiresURL(t *testing.T) {
	clearEnv()
	os.Setenv("GAB_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	os.Setenv("GAB_STORAGE_BACKEND", "postgres")
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when postgres backend is selected without a URL")
	}
	if !contains(err.Error(), "storage.postgres_url") {
		t.Errorf("expected error about storage.postgres_url, got: %v", err)
	}
}

func TestLoadConfig_InvalidLowBalanceThreshold(t *testing.T) {
	clearEnv()
	os.Setenv("GAB_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	os.Setenv("GAB_MONITORING_LOW_BALANCE_THRESHOLD", "not-a-number")
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for a non-numeric low balance threshold")
	}
	if !contains(err.Error(), "low_balance_threshold") {
		t.Errorf("expected error about low_balance_threshold, got: %v", err)
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api/  ", "/api"},
		{"gab", "/gab"},
		{"/v1/gab", "/v1/gab"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeRoutePrefix(tt.input)
			if got != tt.want {
				t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// Test helpers

func clearEnv() {
	envVars := []string{
		"GAB_SERVER_ADDRESS", "GAB_ROUTE_PREFIX", "GAB_ADMIN_METRICS_API_KEY", "GAB_SERVER_REQUEST_TIMEOUT",
		"GAB_LOG_LEVEL", "GAB_LOG_FORMAT", "GAB_ENVIRONMENT",
		"GAB_STORAGE_BACKEND", "GAB_STORAGE_POSTGRES_URL", "GAB_STORAGE_QUERY_TIMEOUT",
		"GAB_STORAGE_POOL_MAX_OPEN_CONNS", "GAB_STORAGE_POOL_MAX_IDLE_CONNS", "GAB_STORAGE_POOL_CONN_MAX_LIFETIME",
		"GAB_TOKEN_SECRET", "GAB_TOKEN_OPERATOR_SESSION_TTL", "GAB_TOKEN_ADMIN_SESSION_TTL", "GAB_TOKEN_HEADSET_SESSION_TTL",
		"GAB_BILLING_IDEMPOTENCY_WINDOW", "GAB_BILLING_SESSION_ID_RETRIES", "GAB_BILLING_TX_RETRY_ATTEMPTS", "GAB_BILLING_REQUEST_TIMEOUT",
		"GAB_RATE_LIMIT_GLOBAL_ENABLED", "GAB_RATE_LIMIT_GLOBAL_LIMIT", "GAB_RATE_LIMIT_GLOBAL_WINDOW",
		"GAB_RATE_LIMIT_PER_OPERATOR_ENABLED", "GAB_RATE_LIMIT_PER_OPERATOR_LIMIT", "GAB_RATE_LIMIT_PER_OPERATOR_WINDOW",
		"GAB_RATE_LIMIT_PER_IP_ENABLED", "GAB_RATE_LIMIT_PER_IP_LIMIT", "GAB_RATE_LIMIT_PER_IP_WINDOW",
		"GAB_CIRCUIT_BREAKER_ENABLED",
		"GAB_MONITORING_LOW_BALANCE_ALERT_URL", "GAB_MONITORING_LOW_BALANCE_THRESHOLD",
		"GAB_MONITORING_CHECK_INTERVAL", "GAB_MONITORING_TIMEOUT",
		"GAB_MONITORING_HEADER_AUTHORIZATION", "GAB_MONITORING_HEADER_X_API_KEY",
	}
	for _, key := range envVars {
		os.Unsetenv(key)
	}
}

func contains(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	if len(s) < len(substr) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
