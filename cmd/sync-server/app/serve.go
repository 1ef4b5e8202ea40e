package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/learnloop/sync-server/internal/api"
	"github.com/learnloop/sync-server/internal/auth"
	"github.com/learnloop/sync-server/internal/config"
	"github.com/learnloop/sync-server/internal/db"
	"github.com/learnloop/sync-server/internal/models"
	"github.com/learnloop/sync-server/internal/notifier"
	"github.com/learnloop/sync-server/internal/store/postgres"
	"github.com/learnloop/sync-server/internal/sync"
	"github.com/learnloop/sync-server/internal/telemetry"
	"github.com/learnloop/sync-server/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync API server",
	Long: `Start the sync API server for offline-first clients.

The server requires a configuration file (--config) that specifies:
- PostgreSQL connection parameters
- JWT validation settings
- Optional redis pub/sub broker for change notifications
- Sync engine tuning (batch size, pull limit, auto-resolve)

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second // Kubernetes-friendly shutdown time
	serverRequestTimeout   = 15 * time.Second // Push batches can take a moment under load
	serverReadTimeout      = 10 * time.Second // Enough for headers and push bodies
	serverWriteTimeout     = 20 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second // Keep connections alive for reuse
)

// syncTracerName is the instrumentation scope for sync service spans.
const syncTracerName = "github.com/learnloop/sync-server/sync"

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides config)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	// Mark config as required
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

// nopEvents discards notifications when no broker is configured.
type nopEvents struct{}

func (nopEvents) EmitChange(context.Context, models.ChangeNotification)                     {}
func (nopEvents) EmitConflictResolved(context.Context, models.ConflictResolvedNotification) {}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	// Load and validate configuration
	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.GetAddress()
	}
	slog.InfoContext(ctx, "Starting sync API server", "address", address, "config", configPath)

	// Initialize telemetry (no-op providers when disabled)
	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.GetVersionInfo().Version
	}
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	// Connect to the database
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	st, err := postgres.New(pool)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	// Connect the change notifier when a broker is configured. Notification
	// delivery is best-effort, so a broker outage degrades to warnings
	// instead of refusing to start.
	var events sync.EventNotifier = nopEvents{}
	if cfg.Redis != nil {
		redisPassword, err := cfg.Redis.GetPassword()
		if err != nil {
			return fmt.Errorf("failed to read redis password: %w", err)
		}
		n := notifier.New(notifier.Config{
			Addr:     cfg.Redis.Addr,
			Password: redisPassword,
			DB:       cfg.Redis.DB,
		})
		if err := n.Connect(ctx); err != nil {
			slog.WarnContext(ctx, "Change notifications unavailable", "error", err)
		}
		defer func() {
			if err := n.Disconnect(context.Background()); err != nil {
				slog.Error("Failed to disconnect notifier", "error", err)
			}
		}()
		events = n
	}

	// Build the sync service
	syncMetrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}

	syncOpts := []sync.Option{
		sync.WithTracer(tel.Tracer(syncTracerName)),
		sync.WithMetrics(syncMetrics),
		sync.WithAutoResolve(cfg.Sync.AutoResolveEnabled()),
	}
	if cfg.Sync != nil {
		if cfg.Sync.BatchSize > 0 {
			syncOpts = append(syncOpts, sync.WithBatchSize(cfg.Sync.BatchSize))
		}
		if cfg.Sync.PullLimit > 0 {
			syncOpts = append(syncOpts, sync.WithPullLimit(cfg.Sync.PullLimit))
		}
		if cfg.Sync.MaxPendingConflicts > 0 {
			syncOpts = append(syncOpts, sync.WithMaxPendingConflicts(cfg.Sync.MaxPendingConflicts))
		}
	}
	svc, err := sync.New(st, events, syncOpts...)
	if err != nil {
		return fmt.Errorf("failed to create sync service: %w", err)
	}

	// Token validation middleware
	secret, err := cfg.Auth.GetSecret()
	if err != nil {
		return fmt.Errorf("failed to read auth secret: %w", err)
	}
	authMw, err := auth.NewMiddleware(auth.Config{
		Secret:   secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("failed to create auth middleware: %w", err)
	}

	metricsMw, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics middleware: %w", err)
	}

	publicPaths := []string{"/health", "/readiness", "/version"}

	router := api.NewServer(svc,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			telemetry.TracingMiddleware(tel.TracerProvider()),
			metricsMw,
			api.LoggingMiddleware,
			auth.WrapWithPublicPaths(authMw.Handler, publicPaths),
		),
		api.WithReadinessCheck(pool.Ping),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.InfoContext(ctx, "Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}
