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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"matchsync/internal/config"
	"matchsync/internal/gamestate"
	"matchsync/internal/identity"
	"matchsync/internal/lifecycle"
	matchManager "matchsync/internal/match_management"
	"matchsync/internal/relay"
	"matchsync/internal/resolver"
	"matchsync/internal/routers"
	"matchsync/internal/store"
	"matchsync/internal/utils"
)

const tokenTTL = 24 * time.Hour

// seams swapped by tests
var (
	gormOpen         = store.OpenPostgres
	dbConnectTimeout = 30 * time.Second
	httpListenServe  = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc         = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "matchsync:", err)
		exitFunc(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("oracle_url", cfg.OracleURL))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	matches, err := openStore(cfg, rdb, logger)
	if err != nil {
		return err
	}

	machine := lifecycle.NewMachine(matches, nil, logger.Named("lifecycle"))
	tokens := identity.NewTokens([]byte(cfg.JWTSecret), tokenTTL)
	games := gamestate.NewStore(rdb)
	hub := relay.NewHub(machine, games, tokens, rdb,
		relay.AllowOrigins(cfg.AllowedOrigins), logger.Named("relay"))

	oracle := resolver.NewHTTPOracle(cfg.OracleURL, &http.Client{Timeout: 10 * time.Second})
	res := resolver.New(oracle, resolver.Options{
		Interval:    cfg.ResolverInterval,
		MaxAttempts: cfg.ResolverMaxAttempts,
		Budget:      cfg.ResolverBudget,
	}, logger.Named("resolver"))
	tracker := resolver.NewTracker(res, machine, cfg.ResolverSweep, logger.Named("tracker"))

	// every written snapshot goes to the sockets and to the resolver
	machine.SetPublisher(lifecycle.Publishers{hub, tracker})

	if err := hub.Start(); err != nil {
		return err
	}
	defer hub.Close()
	if err := tracker.Start(); err != nil {
		return fmt.Errorf("failed to start resolver tracker: %w", err)
	}
	defer tracker.Stop()

	mm := matchManager.NewMatchManager(machine, tracker, games, tokens, logger.Named("http"))
	router := routers.NewRouter(cfg.AllowedOrigins, mm, hub, rdb)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("matchsync starting", zap.String("addr", server.Addr), zap.String("instance", hub.InstanceID()))
		serveErr <- httpListenServe(server)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("matchsync shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("matchsync exited")
	return nil
}

// openStore picks the match record backend. Redis is always required for the
// relay and game state; the driver only selects where match records live.
func openStore(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (store.MatchStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := connectWithRetry(cfg.DatabaseURL, dbConnectTimeout, logger)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(db)
	case config.DriverSQLite:
		db, err := store.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(db)
	}
	return store.NewRedisStore(rdb), nil
}

// connectWithRetry keeps dialing the database until it answers a ping or the
// timeout passes.
func connectWithRetry(dsn string, timeout time.Duration, logger *zap.Logger) (*gorm.DB, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for attempt := 1; ; attempt++ {
		db, err := gormOpen(dsn)
		if err == nil {
			if err = ping(db); err == nil {
				return db, nil
			}
		}
		lastErr = err
		if time.Now().After(deadline) {
			break
		}
		logger.Warn("database not ready, retrying", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("database unavailable after %s: %w", timeout, lastErr)
}

func ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
