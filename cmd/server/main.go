// Command server runs the payflow API: a key-authenticated HTTP surface
// over the merchant payment ledger.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"payflow/pkg/api"
	"payflow/pkg/auth"
	"payflow/pkg/cache"
	"payflow/pkg/logging"
	"payflow/pkg/metrics"
	"payflow/pkg/payments"
	"payflow/pkg/store"
	boltstore "payflow/pkg/store/bolt"
	"payflow/pkg/store/memory"
	"payflow/pkg/store/postgres"
)

func main() {
	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	st, err := openStore(logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	resilient := store.NewResilient(st, store.DefaultResilientConfig(), logger)

	m := metrics.New("payflow")
	m.Register(prometheus.DefaultRegisterer)

	authenticator := auth.NewAuthenticator(resilient, auth.DefaultConfig(), logger)
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	if err := authenticator.Seed(seedCtx); err != nil {
		logger.Fatal("failed to seed key filter", zap.Error(err))
	}
	cancelSeed()

	svc := payments.NewService(resilient, logger)

	loader := newListingLoader(logger)

	server := api.NewServer(svc, authenticator, resilient, loader, m, logger, serverConfig())

	go func() {
		logger.Info("server listening", zap.String("addr", serverConfig().Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// openStore selects the persistence driver from STORE_DRIVER:
// postgres (default), bolt, or memory.
func openStore(logger *logging.Logger) (store.Store, error) {
	switch driver := getEnv("STORE_DRIVER", "postgres"); driver {
	case "bolt":
		path := getEnv("DB_PATH", "payflow.db")
		logger.Info("using bolt store", zap.String("path", path))
		return boltstore.New(path)
	case "memory":
		logger.Warn("using in-memory store, data will not survive a restart")
		return memory.New(), nil
	default:
		cfg := postgres.DefaultConfig()
		cfg.Host = getEnv("POSTGRES_HOST", cfg.Host)
		cfg.Port = getEnvInt("POSTGRES_PORT", cfg.Port)
		cfg.User = getEnv("POSTGRES_USER", cfg.User)
		cfg.Password = getEnv("POSTGRES_PASSWORD", cfg.Password)
		cfg.Database = getEnv("POSTGRES_DB", cfg.Database)
		cfg.SSLMode = getEnv("POSTGRES_SSLMODE", cfg.SSLMode)
		logger.Info("using postgres store",
			zap.String("host", cfg.Host),
			zap.String("database", cfg.Database),
		)
		return postgres.New(cfg)
	}
}

// newListingLoader builds the listing cache: Redis when REDIS_ADDR is
// set, an in-process cache otherwise.
func newListingLoader(logger *logging.Logger) *cache.Loader {
	ttl := time.Duration(getEnvInt("CACHE_TTL_SECONDS", 30)) * time.Second

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg := cache.DefaultRedisConfig()
		cfg.Addr = addr
		cfg.Password = os.Getenv("REDIS_PASSWORD")
		redisCache, err := cache.NewRedis(cfg)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		logger.Info("listing cache on redis", zap.String("addr", addr))
		return cache.NewLoader(redisCache, ttl)
	}

	logger.Info("listing cache in process")
	return cache.NewLoader(cache.NewMemory(0), ttl)
}

func serverConfig() api.Config {
	cfg := api.DefaultConfig()
	cfg.Address = ":" + getEnv("PORT", "8080")
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
