package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sahilchouksey/chat-relay/api"
	"github.com/sahilchouksey/chat-relay/config"
	"github.com/sahilchouksey/chat-relay/database"
	"github.com/sahilchouksey/chat-relay/router"
	"github.com/sahilchouksey/chat-relay/services/archive"
	"github.com/sahilchouksey/chat-relay/services/conversation"
	"github.com/sahilchouksey/chat-relay/services/cron"
	"github.com/sahilchouksey/chat-relay/services/quota"
	"github.com/sahilchouksey/chat-relay/services/relay"
	"github.com/sahilchouksey/chat-relay/services/upstream"
	"github.com/sahilchouksey/chat-relay/utils"
	"github.com/sahilchouksey/chat-relay/utils/auth"
	"github.com/sahilchouksey/chat-relay/utils/cache"
	"github.com/sahilchouksey/chat-relay/utils/middleware"
	"go.uber.org/zap"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	log, err := utils.NewLogger(getEnv.IsProduction())
	if err != nil {
		return err
	}
	defer log.Sync()

	if getEnv.JWT_SECRET == "" {
		return errors.New("JWT_SECRET must be set")
	}

	store, err := openStore(getEnv, log)
	if err != nil {
		log.Error("database unavailable",
			zap.String("driver", getEnv.DB_DRIVER),
			zap.String("hint", "run `make docker-up` or `make db-up`, or set DB_DRIVER=sqlite"))
		return err
	}

	if err := store.Init(); err != nil {
		log.Error("failed to initialize database tables", zap.Error(err))
		return err
	}
	db := store.GetDB()

	// Redis is optional: without it history is uncached and parked finalizations are only logged
	var redisCache *cache.RedisCache
	if getEnv.REDIS_URL != "" {
		redisCache, err = cache.NewRedisCache(getEnv.REDIS_URL)
		if err != nil {
			log.Warn("redis unavailable, continuing without cache", zap.Error(err))
			redisCache = nil
		}
	}

	syncOpts := []conversation.Option{}
	if redisCache != nil {
		syncOpts = append(syncOpts, conversation.WithCache(redisCache))
	}
	if getEnv.ArchiveEnabled() {
		transcripts, err := archive.NewS3Transcripts(archive.Config{
			AccessKey: getEnv.ARCHIVE_ACCESS_KEY,
			SecretKey: getEnv.ARCHIVE_SECRET_KEY,
			Bucket:    getEnv.ARCHIVE_BUCKET,
			Region:    getEnv.ARCHIVE_REGION,
			Endpoint:  getEnv.ARCHIVE_ENDPOINT,
		})
		if err != nil {
			return err
		}
		syncOpts = append(syncOpts, conversation.WithTranscripts(transcripts))
	}
	synchronizer := conversation.NewSynchronizer(db, log.Named("conversation"), syncOpts...)

	// Finalizations that fail in the request path are retried in the background
	var dead conversation.DeadLetter = conversation.LogDeadLetter{Log: log.Named("deadletter")}
	var redisDead *conversation.RedisDeadLetter
	if redisCache != nil {
		redisDead = conversation.NewRedisDeadLetter(redisCache)
		dead = redisDead
	}
	policy := conversation.DefaultRetryPolicy()
	policy.MaxAttempts = getEnv.FINALIZE_MAX_RETRIES
	retrier := conversation.NewRetrier(synchronizer.Replay, dead, policy, log.Named("retrier"))
	synchronizer.SetRetrier(retrier)
	// runs until Stop so streams draining during shutdown still get retries
	retrier.Start(context.Background())

	gate := quota.NewGate(db, quota.NewTierLimits(db, getEnv.TIER_LIMITS, getEnv.DEFAULT_QUOTA_LIMIT), log.Named("quota"))

	upstreamClient := upstream.NewClient(upstream.Config{
		BaseURL: getEnv.UPSTREAM_BASE_URL,
		APIKey:  getEnv.UPSTREAM_API_KEY,
		Model:   getEnv.UPSTREAM_MODEL,
	}, log.Named("upstream"))

	relayService := relay.New(upstreamClient, synchronizer, gate, relay.Config{
		IdleTimeout:       getEnv.STREAM_IDLE_TIMEOUT,
		KeepAliveInterval: getEnv.STREAM_KEEPALIVE_INTERVAL,
		BufferSize:        getEnv.STREAM_BUFFER_SIZE,
		Model:             getEnv.UPSTREAM_MODEL,
	}, log.Named("relay"))

	// Initialize Cron Manager (only if enabled via environment variable)
	var cronManager *cron.CronManager
	if getEnv.CRON_ENABLED {
		jobs := cron.Jobs{
			Archiver:         synchronizer,
			ArchiveIdleAfter: getEnv.ARCHIVE_IDLE_AFTER,
		}
		if redisDead != nil {
			jobs.DeadLetter = redisDead
			jobs.Replay = synchronizer.Replay
			jobs.Lock = redisCache
		}
		cronManager = cron.NewCronManager(db, log.Named("cron"), jobs)
		if err := cronManager.Start(); err != nil {
			// Don't fail the app, just log the warning
			log.Warn("failed to start cron jobs", zap.Error(err))
			cronManager = nil
		}
	}

	// Defer closing DB, redis and stopping background work
	defer func() {
		if cronManager != nil {
			cronManager.Stop()
		}
		retrier.Stop()
		if redisCache != nil {
			redisCache.Close()
		}
		store.Close()
	}()

	// Init API
	server := api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT), log.Named("http"))
	app := server.GetEngine()

	// security middleware, recover included, is attached by the router
	router.SetupRoutes(app, store, router.Services{
		Quota:         gate,
		Relay:         relayService,
		Conversations: synchronizer,
		JWT: auth.NewJWTManager(auth.JWTConfig{
			Secret: getEnv.JWT_SECRET,
			Issuer: getEnv.JWT_ISSUER,
		}),
		Log: log,
	}, middleware.SecurityConfig{
		AllowedOrigins: getEnv.ALLOWED_ORIGINS,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	return server.Shutdown(getEnv.SHUTDOWN_TIMEOUT)
}

func openStore(env *config.EnviornmentVariable, log *zap.Logger) (*database.GORMStore, error) {
	switch env.DB_DRIVER {
	case "sqlite":
		return database.StartSQLite(env.DB_PATH, log.Named("database"))
	case "postgres", "":
		return database.StartGORM(env, log.Named("database"))
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", env.DB_DRIVER)
	}
}
