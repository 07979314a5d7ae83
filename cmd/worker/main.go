package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"cleaner-coordinator/internal/config"
	"cleaner-coordinator/internal/escalation"
	"cleaner-coordinator/internal/messages"
	"cleaner-coordinator/internal/notify"
	"cleaner-coordinator/internal/queue"
	"cleaner-coordinator/internal/store"
	"cleaner-coordinator/internal/telemetry"
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
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
	msg := messages.NewBuilder(cfg.Timezone)
	sender := notify.NewFromConfig(cfg, logger)

	scheduler := escalation.NewScheduler(st, q, sender, msg, logger)
	runner := escalation.NewRunner(st, q, sender, msg, logger, cfg.BroadcastChannel, cfg.ActionBatchSize, cfg.WorkerPollInterval)

	// Periodic sweep: pick up cleanings that became eligible since the last
	// pass (new records, changed start times) and register their cycles.
	if cfg.SweepEnabled {
		c := cron.New()
		_, err := c.AddFunc(cfg.SweepSpec, func() {
			sweep(ctx, st, scheduler, cfg.FallbackTenant, logger)
		})
		if err != nil {
			logger.Fatalw("invalid sweep cron spec", "spec", cfg.SweepSpec, "err", err)
		}
		c.Start()
		defer c.Stop()
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warnw("metrics server stopped", "err", err)
		}
	}()

	logger.Infow("escalation worker started", "poll", cfg.WorkerPollInterval, "sweep", cfg.SweepSpec)
	if err := runner.Run(ctx); err != nil {
		logger.Infow("worker stopped", "reason", err)
	}
}

// sweep schedules invitations for every tenant's upcoming cleanings that
// have a primary phone. Tenants are discovered from the cleaning rows
// themselves.
func sweep(ctx context.Context, st *store.Store, scheduler *escalation.Scheduler, fallbackTenant string, logger *zap.SugaredLogger) {
	cleanings, err := st.ListCleanings(ctx)
	if err != nil {
		logger.Warnw("sweep failed to list cleanings", "err", err)
		return
	}

	tenants := map[string]bool{fallbackTenant: true}
	for _, c := range cleanings {
		tenants[c.Tenant] = true
	}

	for tenant := range tenants {
		upcoming, err := st.ListUpcoming(ctx, tenant)
		if err != nil {
			logger.Warnw("sweep failed for tenant", "tenant", tenant, "err", err)
			continue
		}
		for _, c := range upcoming {
			if err := scheduler.ScheduleInvitations(ctx, c, tenant); err != nil {
				logger.Warnw("sweep failed to schedule", "cleaning", c.ID, "err", err)
			}
		}
	}
}
