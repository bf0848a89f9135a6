package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"kasirledger/internal/cache"
	"kasirledger/internal/checkout"
	"kasirledger/internal/config"
	"kasirledger/internal/httpapi"
	"kasirledger/internal/lock"
	"kasirledger/internal/obs"
	"kasirledger/internal/service"
	"kasirledger/internal/store"
	"kasirledger/internal/store/memory"
	pgstore "kasirledger/internal/store/postgres"
	"kasirledger/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open repository")
	}
	closers = append(closers, repo.Close)
	logger.Info().Str("driver", cfg.StoreDriver).Msg("repository ready")

	if cfg.SeedDemoData {
		if err := store.SeedDemo(ctx, repo, store.SeedCredentials{
			AdminPassword:   cfg.SeedAdminPassword,
			CashierPassword: cfg.SeedCashierPassword,
		}); err != nil {
			logger.Fatal().Err(err).Msg("seed demo data")
		}
		logger.Info().Msg("demo data seeded")
	}

	var (
		locker    lock.Locker     = lock.NewLocalLocker()
		saleCache cache.SaleCache = cache.NoopSaleCache{}
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using in-process till lock and no sale cache")
			_ = client.Close()
		} else {
			locker = lock.RedisLocker{R: client, Prefix: "kasirledger:till:"}
			saleCache = cache.NewRedisSaleCache(client)
			closers = append(closers, client.Close)
			logger.Info().Str("addr", cfg.RedisAddr).Msg("redis ready")
		}
	}

	reg := prometheus.DefaultRegisterer
	coordinator := checkout.New(repo, checkout.Policy{
		AllowNegativeStock:  cfg.AllowNegativeStock,
		EnforcePaymentTotal: cfg.EnforcePaymentTotal,
		LockTTL:             cfg.TillLockTTL,
	},
		checkout.WithLocker(locker),
		checkout.WithLogger(logger.With().Str("component", "checkout").Logger()),
		checkout.WithMetrics(obs.NewCheckoutMetrics(cfg.MetricsNamespace, reg)),
	)
	svc := service.New(repo, coordinator, service.Options{
		SaleCache:    saleCache,
		SaleCacheTTL: cfg.SaleCacheTTL,
		Logger:       &logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(obs.NewHTTPMetrics(cfg.MetricsNamespace, reg), promhttp.Handler()),
	)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	closeAll(logger, closers)
	logger.Info().Msg("server stopped")
}

func openRepository(ctx context.Context, cfg config.Config) (store.Repository, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// closeAll releases resources in reverse order of acquisition.
func closeAll(logger zerolog.Logger, closers []func() error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Error().Err(err).Msg("close")
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SeedDemoData {
		if len(cfg.SeedAdminPassword) < 8 || len(cfg.SeedCashierPassword) < 8 {
			return fmt.Errorf("SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD must be at least 8 characters when SEED_DEMO_DATA is on")
		}
		if cfg.SeedAdminPassword == cfg.SeedCashierPassword {
			return fmt.Errorf("seed admin and cashier passwords must differ")
		}
	}
	return nil
}
