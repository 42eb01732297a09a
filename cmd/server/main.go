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

	"github.com/MokiMeow/OARS-sub001/internal/client"
	"github.com/MokiMeow/OARS-sub001/internal/config"
	"github.com/MokiMeow/OARS-sub001/internal/database"
	"github.com/MokiMeow/OARS-sub001/internal/handler"
	"github.com/MokiMeow/OARS-sub001/internal/ledger"
	"github.com/MokiMeow/OARS-sub001/internal/logger"
	"github.com/MokiMeow/OARS-sub001/internal/repository"
	"github.com/MokiMeow/OARS-sub001/internal/service"
	"github.com/MokiMeow/OARS-sub001/internal/signing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting governance core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A corrupted audit trail must keep the process from starting.
	audit, err := ledger.Open(cfg.Ledger.Path, cfg.Ledger.ArchiveDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Ledger integrity check failed; refusing to start")
	}
	defer audit.Close()

	// Record store: Postgres when configured, in-memory otherwise.
	var store repository.Store
	if cfg.Database.Host != "" {
		db, err := database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		store = repository.NewPostgresStore(db)
		log.Info().Str("host", cfg.Database.Host).Msg("Database connection established")
	} else {
		store = repository.NewMemoryStore()
		log.Warn().Msg("No database configured; using in-memory record store")
	}

	// Notification sink, optional.
	var notifier service.Notifier
	if cfg.NATS.URL != "" {
		natsClient, err := client.NewNATSClient(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsClient.Close()
		notifier = client.NewNotificationPublisher(natsClient, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("Notification publisher initialized")
	}

	signer := signing.New()
	approvalSvc := service.NewApprovalService(store, store, notifier, cfg.Approvals.StepUpSecret, log)
	receiptSvc := service.NewReceiptService(store, signer, audit, notifier, log)

	// Background SLA escalation scan.
	if cfg.Approvals.ScanInterval > 0 {
		go runEscalationScanner(ctx, approvalSvc, store, cfg.Approvals.ScanInterval, log)
	}

	httpHandler := handler.NewHTTPHandler(approvalSvc, receiptSvc, audit, notifier, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	httpHandler.Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// runEscalationScanner periodically scans tenants with pending approvals
// for overdue stages. A scan failure is logged and retried next tick.
func runEscalationScanner(ctx context.Context, svc *service.ApprovalService, store repository.Store, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenantID := range pendingTenants(ctx, store, log) {
				if _, err := svc.ScanForEscalations(ctx, tenantID, time.Now().UTC()); err != nil {
					log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Escalation scan failed")
				}
			}
		}
	}
}

// pendingTenants asks the store which tenants currently have pending
// approvals. Stores that cannot answer simply skip the background scan;
// the escalations endpoint still serves on-demand scans.
func pendingTenants(ctx context.Context, store repository.Store, log *logger.Logger) []string {
	lister, ok := store.(repository.PendingTenantLister)
	if !ok {
		return nil
	}
	tenants, err := lister.ListTenantsWithPending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list tenants with pending approvals")
		return nil
	}
	return tenants
}
