// Package main runs the Mercado Livre reporting service: OAuth token
// management, order synchronisation, billing report generation, the warehouse
// catalog browser and the WooCommerce consolidation ETL behind one HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"

	app "github.com/stellarbeauty/relatorios/internal/app"
	"github.com/stellarbeauty/relatorios/internal/app/httpapi"
	"github.com/stellarbeauty/relatorios/internal/app/metrics"
	"github.com/stellarbeauty/relatorios/internal/app/storage/mysql"
	"github.com/stellarbeauty/relatorios/internal/config"
	"github.com/stellarbeauty/relatorios/internal/middleware"
	"github.com/stellarbeauty/relatorios/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relatorios: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}).WithField("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	warehouseDB, err := openDB(ctx, cfg.Database.DSN(), cfg.Database)
	if err != nil {
		return fmt.Errorf("connect warehouse database: %w", err)
	}
	defer warehouseDB.Close()

	if err := mysql.Migrate(warehouseDB); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("migrations applied")

	catalogDB, err := openDB(ctx, cfg.Database.ReadOnlyDSN(), cfg.Database)
	if err != nil {
		return fmt.Errorf("connect catalog database: %w", err)
	}
	defer catalogDB.Close()

	var wordpressDB *sqlx.DB
	if cfg.WordPress.Enabled() {
		wordpressDB, err = openDB(ctx, cfg.WordPress.DSN(), cfg.Database)
		if err != nil {
			return fmt.Errorf("connect wordpress database: %w", err)
		}
		defer wordpressDB.Close()
		log.WithField("host", cfg.WordPress.Host).Info("wordpress source connected")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// The cache is an optimisation; a dead redis must not block startup.
			log.WithError(err).Warn("redis unreachable, catalog cache disabled")
			redisClient = nil
		}
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	store := mysql.New(warehouseDB)
	application, err := app.New(cfg, app.Deps{
		Stores: app.Stores{
			Sellers: store,
			Orders:  store,
			Tokens:  store,
			States:  store,
			Reports: store,
		},
		CatalogDB:   catalogDB,
		WarehouseDB: warehouseDB,
		WordPressDB: wordpressDB,
		Redis:       redisClient,
	}, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	handler := buildHandler(cfg, application, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	application.Stop(shutdownCtx)
	log.Info("stopped")
	return nil
}

func buildHandler(cfg *config.Config, application *app.Application, log *logger.Logger) http.Handler {
	auth := middleware.NewInternalAuth(cfg.Meli.InternalKey, log)
	handler := httpapi.NewHandler(application, auth)

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, log)
	limiter.StartCleanup(10 * time.Minute)
	cors := middleware.NewCORSMiddleware(splitOrigins(cfg.Server.AllowedOrigins))

	return metrics.InstrumentHandler(cors.Handler(limiter.Handler(handler)))
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func openDB(ctx context.Context, dsn string, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
