package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"lanchego/internal/auth"
	"lanchego/internal/bulk"
	"lanchego/internal/canteen"
	"lanchego/internal/config"
	"lanchego/internal/coordinator"
	"lanchego/internal/handler"
	"lanchego/internal/hub"
	"lanchego/internal/logging"
	"lanchego/internal/metrics"
	"lanchego/internal/queue"
	"lanchego/internal/store"
)

func main() {
	logger, err := logging.Init(logging.FromEnv())
	if err != nil {
		logger.Warn().Err(err).Msg("invalid LOG_LEVEL, using info")
	}
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg config.App, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.FeedBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable yet")
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	repo := canteen.NewRepository(db)
	var feed canteen.Feed = canteen.NewMemoryFeed(cfg.FeedSize)
	if cfg.FeedBackend == "redis" {
		feed = canteen.NewRedisFeed(redisClient.Client, "", cfg.FeedSize, logging.Component(logger, "feed"))
	}
	engine := canteen.NewEngine(repo, feed, cfg.Location(), logging.Component(logger, "authorization"))
	if err := engine.Seed(ctx, cfg.FeedSize); err != nil {
		logger.Warn().Err(err).Msg("recent withdrawals feed not seeded")
	}
	assoc := canteen.NewAssociation(repo, logging.Component(logger, "association"))
	authSvc := auth.NewService(repo, auth.Settings{
		Issuer:     cfg.JWTIssuer,
		SigningKey: cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})

	registry := hub.NewRegistry(logging.Component(logger, "hub"), m)
	coord := coordinator.New(coordinator.Config{
		HardwareTimeout: cfg.HardwareTimeout,
		ErrorHold:       cfg.ErrorHold,
	}, coordinator.Deps{
		Relay:        registry,
		Associations: assoc,
		Authorizer:   engine,
		Operators:    repo,
		Tokens:       authSvc,
		Metrics:      m,
		Log:          logging.Component(logger, "coordinator"),
	})
	registry.OnReaderChange(coord.ReaderChanged)
	registry.SetSnapshot(coord.SnapshotMessages)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, "", logging.Component(logger, "queue"))
	} else {
		q = queue.NewInMemory(64)
	}
	initiator := bulk.NewInitiator(bulk.Config{BusyRetryWindow: cfg.BusyRetryWindow}, bulk.Deps{
		Planner:   assoc,
		Passwords: authSvc,
		Reader:    coord,
		Relay:     registry,
		Queue:     q,
		Metrics:   m,
		Log:       logging.Component(logger, "bulk"),
	})

	h := handler.New(handler.Config{
		Issuer:              cfg.JWTIssuer,
		SigningKey:          cfg.JWTSigningKey,
		AgentToken:          cfg.AgentToken,
		AllowedOrigins:      cfg.AllowedOrigins,
		RateLimitPerMin:     cfg.RateLimitPerMin,
		ProofAttemptsPerMin: cfg.ProofAttemptsPerMin,
	}, handler.Deps{
		Hub:          registry,
		Coordinator:  coord,
		Associations: assoc,
		Engine:       engine,
		Auth:         authSvc,
		Bulk:         initiator,
		DB:           db,
		Redis:        redisClient,
		Gatherer:     prometheus.DefaultGatherer,
		Metrics:      m,
		Log:          logging.Component(logger, "http"),
	})

	go registry.Watch(ctx, cfg.HeartbeatTimeout)
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		_ = coord.Run(ctx)
	}()
	go func() {
		if err := initiator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("bulk dispatcher stopped")
		}
	}()

	// no WriteTimeout: websocket handlers live as long as their socket
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("db", cfg.DBDriver).Str("queue", cfg.QueueBackend).
			Str("feed", cfg.FeedBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down server")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced shutdown")
	}
	<-coordDone
	logger.Info().Msg("server exited")
	return nil
}
