// Command server is the composition root for the Game Authorisation &
// Billing Core: it loads configuration, wires the C1-C5 components, and
// serves the HTTP surface described in spec.md §6 until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/server/internal/backoffice"
	"github.com/CedrosPay/server/internal/billing"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/dbpool"
	"github.com/CedrosPay/server/internal/httpserver"
	"github.com/CedrosPay/server/internal/idempotency"
	"github.com/CedrosPay/server/internal/lifecycle"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/monitoring"
	"github.com/CedrosPay/server/internal/storage"
	"github.com/CedrosPay/server/internal/token"
)

func main() {
	cfgPath := flag.String("config", "configs/server.yaml", "path to the core's config file")
	flag.Parse()

	// .env is optional local-dev convenience; production deployments set
	// GAB_* environment variables directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "dotenv: %v\n", err)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "gab-core",
		Environment: cfg.Logging.Environment,
	})

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("main.fatal")
	}
}

// run assembles every component (storage → metrics → token service →
// billing/back-office engines → router → lifecycle registration) and
// blocks until the process receives a shutdown signal.
func run(cfg *config.Config, appLogger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			appLogger.Error().Err(err).Msg("main.shutdown_resource_error")
		}
	}()

	store, err := newStore(ctx, cfg, resources)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	tokenSvc, err := token.NewService(cfg.Token.Secret)
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}

	billingSvc := billing.New(store, metricsCollector, cfg.Billing)
	backofficeSvc := backoffice.New(store, metricsCollector)

	idempotencyStore := idempotency.NewMemoryStore()
	resources.RegisterFunc("idempotency-store", func() error {
		idempotencyStore.Stop()
		return nil
	})

	if cfg.Monitoring.LowBalanceAlertURL != "" {
		monitor, err := monitoring.NewBalanceMonitor(cfg, store, metricsCollector)
		if err != nil {
			return fmt.Errorf("init balance monitor: %w", err)
		}
		monitor.Start(ctx)
		resources.RegisterFunc("balance-monitor", func() error {
			monitor.Stop()
			return nil
		})
	}

	srv := httpserver.New(cfg, store, tokenSvc, billingSvc, backofficeSvc, idempotencyStore, metricsCollector, appLogger)
	resources.RegisterFunc("http-server", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("main.listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("main.shutdown_signal_received")
		return nil
	case err := <-serveErr:
		return err
	}
}

// newStore builds the C1 Ledger Store from configuration. For the
// postgres backend it first dials a shared connection pool (internal/dbpool)
// so the store and any future repository can reuse one set of connections,
// mirroring the teacher's pkg/cedros.App wiring.
func newStore(ctx context.Context, cfg *config.Config, resources *lifecycle.Manager) (storage.Store, error) {
	storeCfg := storage.StoreConfig{
		Backend:                  cfg.Storage.Backend,
		PostgresURL:              cfg.Storage.PostgresURL,
		OperatorsTable:           cfg.Storage.SchemaMapping.Operators.TableName,
		AdminsTable:              cfg.Storage.SchemaMapping.Admins.TableName,
		ApplicationsTable:        cfg.Storage.SchemaMapping.Applications.TableName,
		SitesTable:               cfg.Storage.SchemaMapping.Sites.TableName,
		AuthorisationsTable:      cfg.Storage.SchemaMapping.Authorisations.TableName,
		ApplicationRequestsTable: cfg.Storage.SchemaMapping.ApplicationRequests.TableName,
		UsageRecordsTable:        cfg.Storage.SchemaMapping.UsageRecords.TableName,
		GameSessionsTable:        cfg.Storage.SchemaMapping.GameSessions.TableName,
		HeadsetGameRecordsTable:  cfg.Storage.SchemaMapping.HeadsetGameRecords.TableName,
		TransactionsTable:        cfg.Storage.SchemaMapping.Transactions.TableName,
		RechargeOrdersTable:      cfg.Storage.SchemaMapping.RechargeOrders.TableName,
		RefundsTable:             cfg.Storage.SchemaMapping.Refunds.TableName,
		InvoicesTable:            cfg.Storage.SchemaMapping.Invoices.TableName,
		QueryTimeout:             cfg.Storage.QueryTimeout.Duration,
	}

	if cfg.Storage.Backend != "postgres" {
		return storage.NewStore(ctx, storeCfg)
	}

	pool, err := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
	if err != nil {
		return nil, fmt.Errorf("open shared postgres pool: %w", err)
	}
	resources.Register("postgres-pool", pool)

	store, err := storage.NewPostgresStoreWithDB(ctx, pool.DB(), storeCfg)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	return store, nil
}
