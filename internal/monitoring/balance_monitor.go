// Package monitoring periodically scans operator prepaid balances and
// alerts a webhook when an operator drops below a configured threshold,
// so back-office staff can reach out before the operator's sites start
// failing authorise calls on insufficient_balance.
//
// Grounded on CedrosPay-server's internal/monitoring balance poller — same
// ticker-driven loop, per-key 24h alert debounce, and text/template body
// rendering, retargeted from Solana RPC wallet balances to the ledger
// store's operator balances.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/server/internal/circuitbreaker"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/httputil"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/internal/storage"
)

// pageSize bounds how many operators are pulled per ListOperators call
// while scanning the full roster each check interval.
const pageSize = 200

// BalanceMonitor periodically checks operator prepaid balances and sends
// alerts when a balance drops below the configured threshold.
type BalanceMonitor struct {
	cfg        *config.Config
	store      storage.Store
	threshold  money.Money
	httpClient *http.Client
	metrics    *metrics.Metrics
	breaker    *circuitbreaker.Breaker

	mu          sync.Mutex
	alertedKeys map[string]time.Time // operator ID -> last alert time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// BalanceAlert contains information about an operator with a low balance.
type BalanceAlert struct {
	OperatorID   string    `json:"operator_id"`
	Username     string    `json:"username"`
	Balance      string    `json:"balance"`
	Threshold    string    `json:"threshold"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewBalanceMonitor creates a new balance monitor over the ledger store.
// The configured threshold is parsed as a CNY amount; NewBalanceMonitor
// returns an error if it does not parse.
func NewBalanceMonitor(cfg *config.Config, store storage.Store, m *metrics.Metrics) (*BalanceMonitor, error) {
	threshold, err := money.FromMajor(money.CNY, cfg.Monitoring.LowBalanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("balance monitor: invalid threshold: %w", err)
	}
	return &BalanceMonitor{
		cfg:         cfg,
		store:       store,
		threshold:   threshold,
		httpClient:  httputil.NewClient(cfg.Monitoring.Timeout.Duration),
		metrics:     m,
		breaker:     circuitbreaker.NewWebhookBreaker(cfg.CircuitBreaker),
		alertedKeys: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}, nil
}

// Start begins the balance monitoring loop.
func (m *BalanceMonitor) Start(ctx context.Context) {
	if m.cfg.Monitoring.LowBalanceAlertURL == "" {
		log.Info().Msg("balance_monitor.disabled_no_url")
		return
	}

	log.Info().
		Dur("check_interval", m.cfg.Monitoring.CheckInterval.Duration).
		Str("threshold", m.threshold.String()).
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop gracefully stops the balance monitoring loop.
func (m *BalanceMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("balance_monitor.stopped")
}

func (m *BalanceMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Monitoring.CheckInterval.Duration)
	defer ticker.Stop()

	m.checkBalances(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkBalances(ctx)
		}
	}
}

// checkBalances scans every operator and sends alerts for low balances.
func (m *BalanceMonitor) checkBalances(ctx context.Context) {
	offset := 0
	for {
		operators, total, err := m.store.ListOperators(ctx, storage.Page{Offset: offset, Limit: pageSize})
		if err != nil {
			log.Error().Err(err).Msg("balance_monitor.list_operators_error")
			return
		}

		for _, op := range operators {
			m.checkOperator(ctx, op)
		}

		offset += len(operators)
		if offset >= total || len(operators) == 0 {
			return
		}
	}
}

func (m *BalanceMonitor) checkOperator(ctx context.Context, op storage.Operator) {
	if !op.IsActive || op.IsLocked {
		m.clearAlert(op.ID)
		return
	}

	if op.Balance.LessThan(m.threshold) {
		if m.shouldAlert(op.ID) {
			m.sendAlert(ctx, op)
		}
	} else {
		m.clearAlert(op.ID)
	}
}

// shouldAlert returns true if we should send an alert for this operator.
// We only alert once per 24 hours to avoid spamming the webhook.
func (m *BalanceMonitor) shouldAlert(operatorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lastAlert, exists := m.alertedKeys[operatorID]
	if !exists {
		return true
	}
	return time.Since(lastAlert) > 24*time.Hour
}

// clearAlert removes the alert history for an operator (balance restored
// or the account went inactive/locked, which makes the alert moot).
func (m *BalanceMonitor) clearAlert(operatorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alertedKeys, operatorID)
}

// sendAlert sends a webhook notification about a low operator balance.
func (m *BalanceMonitor) sendAlert(ctx context.Context, op storage.Operator) {
	alert := BalanceAlert{
		OperatorID: op.ID,
		Username:   op.Username,
		Balance:    op.Balance.String(),
		Threshold:  m.threshold.String(),
		Timestamp:  time.Now(),
	}

	var body []byte
	var err error

	if m.cfg.Monitoring.BodyTemplate != "" {
		body, err = m.renderTemplate(alert)
		if err != nil {
			log.Error().Err(err).Str("operator_id", op.ID).Msg("balance_monitor.template_error")
			return
		}
	} else {
		body, err = json.Marshal(map[string]any{
			"content": fmt.Sprintf(
				"⚠️ **Low Balance Alert**\n\n"+
					"Operator: `%s` (%s)\n"+
					"Balance: **%s**\n"+
					"Threshold: %s\n\n"+
					"This operator's sites will start failing authorise requests once the balance reaches zero.",
				op.Username, op.ID, op.Balance.String(), m.threshold.String(),
			),
		})
		if err != nil {
			log.Error().Err(err).Str("operator_id", op.ID).Msg("balance_monitor.marshal_error")
			return
		}
	}

	var statusCode int
	sendErr := m.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", m.cfg.Monitoring.LowBalanceAlertURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for key, value := range m.cfg.Monitoring.Headers {
			req.Header.Set(key, value)
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("send webhook: %w", err)
		}
		defer resp.Body.Close()
		statusCode = resp.StatusCode
		if statusCode < 200 || statusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", statusCode)
		}
		return nil
	})

	if sendErr != nil {
		log.Warn().
			Err(sendErr).
			Str("operator_id", op.ID).
			Str("breaker_state", m.breaker.State()).
			Msg("balance_monitor.alert_failed")
		return
	}

	log.Info().
		Str("operator_id", op.ID).
		Str("balance", op.Balance.String()).
		Int("status_code", statusCode).
		Msg("balance_monitor.alert_sent")
	if m.metrics != nil {
		m.metrics.ObserveLowBalanceAlert()
	}
	m.mu.Lock()
	m.alertedKeys[op.ID] = time.Now()
	m.mu.Unlock()
}

// renderTemplate renders the custom body template with alert data.
func (m *BalanceMonitor) renderTemplate(alert BalanceAlert) ([]byte, error) {
	tmpl, err := template.New("alert").Parse(m.cfg.Monitoring.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, alert); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}

	return buf.Bytes(), nil
}
