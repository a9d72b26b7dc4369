package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 15 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
			RequestTimeout: Duration{Duration: 30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Storage: StorageConfig{
			Backend:      "memory",
			QueryTimeout: Duration{Duration: 5 * time.Second},
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Token: TokenConfig{
			OperatorSessionTTL: Duration{Duration: 30 * time.Minute},
			AdminSessionTTL:    Duration{Duration: 30 * time.Minute},
			HeadsetSessionTTL:  Duration{Duration: 24 * time.Hour},
		},
		Billing: BillingConfig{
			IdempotencyWindow: Duration{Duration: 30 * time.Second},
			SessionIDRetries:  3,
			TxRetryAttempts:   3,
			RequestTimeout:    Duration{Duration: 30 * time.Second},
			RechargeOrderTTL:  Duration{Duration: 30 * time.Minute},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use.
			GlobalEnabled:      true,
			GlobalLimit:        1000,
			GlobalWindow:       Duration{Duration: 1 * time.Minute},
			PerOperatorEnabled: true,
			PerOperatorLimit:   120,
			PerOperatorWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:       true,
			PerIPLimit:         120,
			PerIPWindow:        Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: false,
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
		Monitoring: MonitoringConfig{
			LowBalanceThreshold: "50.00",
			CheckInterval:       Duration{Duration: 15 * time.Minute},
			Headers:             make(map[string]string),
			Timeout:             Duration{Duration: 5 * time.Second},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
