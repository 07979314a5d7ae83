package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	api "cleaner-coordinator/internal/api"
	"cleaner-coordinator/internal/config"
	"cleaner-coordinator/internal/escalation"
	"cleaner-coordinator/internal/messages"
	"cleaner-coordinator/internal/notify"
	"cleaner-coordinator/internal/queue"
	"cleaner-coordinator/internal/ratelimit"
	replyproc "cleaner-coordinator/internal/reply"
	"cleaner-coordinator/internal/store"
)

func main() {
	cfg := config.Load()

	var zl *zap.Logger
	var err error
	if cfg.Env == "dev" {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalw("connect postgres", "err", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatalw("migrations", "err", err)
	}

	q := queue.NewEscalationQueue(cfg)
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	msg := messages.NewBuilder(cfg.Timezone)
	sender := notify.NewFromConfig(cfg, logger)
	scheduler := escalation.NewScheduler(st, q, sender, msg, logger)
	replies := replyproc.NewProcessor(st, scheduler, sender, msg, logger, cfg.FallbackTenant)

	server := api.New(cfg, st, scheduler, replies, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
