package main

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/tec-labs/pi-payments/internal/config"
	"github.com/tec-labs/pi-payments/internal/coordinator"
	"github.com/tec-labs/pi-payments/internal/domain"
	"github.com/tec-labs/pi-payments/internal/handler"
	"github.com/tec-labs/pi-payments/internal/logging"
	"github.com/tec-labs/pi-payments/internal/middleware"
	"github.com/tec-labs/pi-payments/internal/pi"
	"github.com/tec-labs/pi-payments/internal/repository"
)

//go:embed openapi.yaml
var openapiSpec []byte

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("pi-payments-api", cfg.LogLevel, cfg.AppEnv)

	db, err := connectDB(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	platform, err := buildPlatformClient(cfg)
	if err != nil {
		slog.Error("platform client misconfigured", "error", err)
		os.Exit(1)
	}

	paymentRepo := repository.NewPaymentRepository(db)
	eventRepo := repository.NewPaymentEventRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)

	coord := coordinator.New(paymentRepo, eventRepo, platform, cfg)
	bridge := coordinator.NewBridge(coord)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go bridge.Run(ctx)
	go cleanIdempotencyCache(ctx, idempotencyRepo)

	var sim handler.Simulator
	if cfg.Sandbox {
		sim = bridge
	}

	paymentHandler := handler.NewPaymentHandler(coord, sim)
	authHandler := handler.NewAuthHandler(cfg.JWTSecret,
		time.Duration(cfg.AccessTokenTTLMin)*time.Minute,
		time.Duration(cfg.RefreshTokenTTLHour)*time.Hour,
	)
	healthHandler := handler.NewHealthHandler(db)

	authMW := middleware.Auth(cfg.JWTSecret)
	idempotencyMW := middleware.Idempotency(idempotencyRepo)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)
	mux.HandleFunc("GET /docs", handler.ServeDocs())
	mux.HandleFunc("GET /docs/openapi.yaml", handler.ServeSpec(openapiSpec))

	mux.HandleFunc("POST /api/v1/auth/refresh", authHandler.Refresh)

	mux.Handle("POST /api/v1/payments", authMW(idempotencyMW(http.HandlerFunc(paymentHandler.Create))))
	mux.Handle("POST /api/v1/payments/a2u", authMW(idempotencyMW(http.HandlerFunc(paymentHandler.CreateA2U))))
	mux.Handle("POST /api/v1/payments/{id}/approve", authMW(http.HandlerFunc(paymentHandler.Approve)))
	mux.Handle("POST /api/v1/payments/{id}/complete", authMW(http.HandlerFunc(paymentHandler.Complete)))
	mux.Handle("POST /api/v1/payments/{id}/cancel", authMW(http.HandlerFunc(paymentHandler.Cancel)))
	mux.Handle("POST /api/v1/payments/{id}/fail", authMW(http.HandlerFunc(paymentHandler.Fail)))
	mux.Handle("GET /api/v1/payments/{id}/status", authMW(http.HandlerFunc(paymentHandler.Status)))
	mux.Handle("POST /api/v1/payments/incomplete", authMW(http.HandlerFunc(paymentHandler.Incomplete)))

	root := middleware.Tracing(middleware.Logging(middleware.Recovery(mux)))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr, "sandbox", cfg.Sandbox)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// buildPlatformClient picks the sandbox or live client. Live mode without
// an API key is a hard configuration error: silently falling back to the
// sandbox would complete payments nothing ever settles.
func buildPlatformClient(cfg *config.Config) (pi.Client, error) {
	if cfg.Sandbox {
		slog.Info("sandbox mode enabled, using in-memory platform client")
		return pi.NewSandboxClient(), nil
	}

	if cfg.PlatformAPIKey == "" {
		return nil, fmt.Errorf("buildPlatformClient: PI_API_KEY required in live mode: %w", domain.ErrConfiguration)
	}

	policy := &pi.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay(),
		Timeout:    cfg.RequestTimeout(),
	}
	client := pi.NewHTTPClient(cfg.PlatformAPIURL, cfg.PlatformAPIKey, policy)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DetectTimeout())
	defer cancel()
	if err := client.Detect(ctx, cfg.DetectTimeout()); err != nil {
		slog.Warn("platform unreachable at startup, continuing", "error", err)
	}

	return client, nil
}

func connectDB(cfg *config.Config) (*sql.DB, error) {
	var db *sql.DB
	var err error

	for i := range 30 {
		db, err = repository.NewPostgresDB(context.Background(), cfg.DatabaseURL, repository.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeS) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second,
		})
		if err == nil {
			return db, nil
		}
		slog.Info("waiting for database", "attempt", i+1)
		time.Sleep(time.Second)
	}

	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", err)
}

func cleanIdempotencyCache(ctx context.Context, repo *repository.IdempotencyRepository) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.CleanExpired(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Error("idempotency cache cleanup failed", "error", err)
				}
				continue
			}
			if n > 0 {
				slog.Info("cleaned expired idempotency entries", "count", n)
			}
		}
	}
}
