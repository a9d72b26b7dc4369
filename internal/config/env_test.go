package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "GAB_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"GAB_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "GAB_ROUTE_PREFIX override",
			envVars: map[string]string{
				"GAB_ROUTE_PREFIX": "/api",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("Expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name: "GAB_SERVER_REQUEST_TIMEOUT duration override",
			envVars: map[string]string{
				"GAB_SERVER_REQUEST_TIMEOUT": "45s",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RequestTimeout.Duration != 45*time.Second {
					t.Errorf("Expected 45s, got %v", cfg.Server.RequestTimeout.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_StorageConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "GAB_STORAGE_BACKEND override",
			envVars: map[string]string{
				"GAB_STORAGE_BACKEND": "postgres",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Backend != "postgres" {
					t.Errorf("Expected postgres, got %s", cfg.Storage.Backend)
				}
			},
		},
		{
			name: "GAB_STORAGE_POSTGRES_URL override",
			envVars: map[string]string{
				"GAB_STORAGE_POSTGRES_URL": "postgresql://user:pass@db:5432/billing",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				expected := "postgresql://user:pass@db:5432/billing"
				if cfg.Storage.PostgresURL != expected {
					t.Errorf("Expected %s, got %s", expected, cfg.Storage.PostgresURL)
				}
			},
		},
		{
			name: "GAB_STORAGE_POOL_MAX_OPEN_CONNS override",
			envVars: map[string]string{
				"GAB_STORAGE_POOL_MAX_OPEN_CONNS": "50",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Storage.PostgresPool.MaxOpenConns != 50 {
					t.Errorf("Expected 50, got %d", cfg.Storage.PostgresPool.MaxOpenConns)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_TokenConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "GAB_TOKEN_SECRET override",
			envVars: map[string]string{
				"GAB_TOKEN_SECRET": "super-secret-value-at-least-32-bytes-long",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Token.Secret != "super-secret-value-at-least-32-bytes-long" {
					t.Errorf("Expected secret to be set, got %s", cfg.Token.Secret)
				}
			},
		},
		{
			name: "GAB_TOKEN_HEADSET_SESSION_TTL duration override",
			envVars: map[string]string{
				"GAB_TOKEN_HEADSET_SESSION_TTL": "12h",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Token.HeadsetSessionTTL.Duration != 12*time.Hour {
					t.Errorf("Expected 12h, got %v", cfg.Token.HeadsetSessionTTL.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_RateLimitConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "GAB_RATE_LIMIT_PER_OPERATOR_ENABLED boolean (false)",
			envVars: map[string]string{
				"GAB_RATE_LIMIT_PER_OPERATOR_ENABLED": "false",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.RateLimit.PerOperatorEnabled {
					t.Error("Expected PerOperatorEnabled to be false")
				}
			},
		},
		{
			name: "GAB_RATE_LIMIT_GLOBAL_LIMIT override",
			envVars: map[string]string{
				"GAB_RATE_LIMIT_GLOBAL_LIMIT": "500",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.RateLimit.GlobalLimit != 500 {
					t.Errorf("Expected 500, got %d", cfg.RateLimit.GlobalLimit)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_MonitoringHeaders(t *testing.T) {
	defer os.Clearenv()

	os.Setenv("GAB_MONITORING_HEADER_AUTHORIZATION", "Bearer token123")
	os.Setenv("GAB_MONITORING_HEADER_X_API_KEY", "api-key-456")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Monitoring.Headers["Authorization"] != "Bearer token123" {
		t.Errorf("Expected Authorization header to be set, got %v", cfg.Monitoring.Headers)
	}

	if cfg.Monitoring.Headers["X-Api-Key"] != "api-key-456" {
		t.Errorf("Expected X-Api-Key header to be set, got %v", cfg.Monitoring.Headers)
	}
}

func TestEnvOverrides_MonitoringConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "GAB_MONITORING_LOW_BALANCE_THRESHOLD override",
			envVars: map[string]string{
				"GAB_MONITORING_LOW_BALANCE_THRESHOLD": "100.00",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Monitoring.LowBalanceThreshold != "100.00" {
					t.Errorf("Expected 100.00, got %s", cfg.Monitoring.LowBalanceThreshold)
				}
			},
		},
		{
			name: "GAB_MONITORING_CHECK_INTERVAL duration override",
			envVars: map[string]string{
				"GAB_MONITORING_CHECK_INTERVAL": "5m",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Monitoring.CheckInterval.Duration != 5*time.Minute {
					t.Errorf("Expected 5m, got %v", cfg.Monitoring.CheckInterval.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}
