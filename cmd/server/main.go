package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teamchat-core/internal/app"
	"teamchat-core/internal/cleaner"
	"teamchat-core/internal/delivery"
	"teamchat-core/internal/fixer"
	"teamchat-core/internal/logging"
	"teamchat-core/internal/notify"
	"teamchat-core/internal/queue"
	"teamchat-core/internal/server"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/watch"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

type config struct {
	Logging logging.EnvConfig
	App     app.EnvConfig
	Server  server.EnvConfig
	Storage storage.Config
	Nats    queue.NatsConfig
	Kafka   notify.KafkaConfig
	Redis   watch.RedisConfig
	Fixer   fixer.JobConfig
	Cleaner cleaner.Config
}

func main() {
	// variables already set in the environment win over .env
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Cannot load .env file: %v", err)
	}

	cfg := config{}
	for _, c := range []interface{}{
		&cfg.Logging, &cfg.App, &cfg.Server, &cfg.Storage,
		&cfg.Nats, &cfg.Kafka, &cfg.Redis, &cfg.Fixer, &cfg.Cleaner,
	} {
		if err := env.Parse(c); err != nil {
			log.Fatalf("Cannot parse env config: %v", err)
		}
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging.New: %v", err)
	}
	defer closer.Close()
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	if err := cfg.App.Validate(); err != nil {
		sugar.Fatalf("Invalid app config: %v", err)
	}
	roles, err := cfg.App.ParseRoles()
	if err != nil {
		sugar.Fatalf("Cannot parse roles: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, sugar.Named("storage"), cfg.Storage, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		sugar.Fatalf("Cannot migrate storage: %v", err)
	}

	q, err := queue.NewNatsQueue(sugar.Named("queue"), cfg.Nats)
	if err != nil {
		sugar.Fatalf("Cannot connect to delivery queue: %v", err)
	}
	defer q.Close()

	sink, err := notify.NewKafkaSink(sugar.Named("notify"), cfg.Kafka)
	if err != nil {
		sugar.Fatalf("Cannot create notification sink: %v", err)
	}
	defer sink.Close()

	notifier, err := watch.NewRedisNotifier(ctx, sugar.Named("watch"), cfg.Redis)
	if err != nil {
		sugar.Fatalf("Cannot create update notifier: %v", err)
	}
	defer notifier.Close()

	c := app.Build(sugar, store, q, sink, notifier, cfg.App)

	g, gctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		switch role {
		case app.RoleAPI:
			srv := server.NewServer(sugar.Named("server"), server.Deps{
				Users:    c.Users,
				Counters: c.Provider,
				Settings: c.Settings,
				Fixer:    c.Fixer,
				Notifier: notifier,
			},
				server.WithEnvConfig(cfg.Server),
				server.ReadTimeout(5*time.Second),
				server.TimeoutHandler(cfg.Server.RequestTimeout, "Request timed out"),
				server.RegisterAfterShutdown(func() { sugar.Info("API role stopped") }),
			)
			g.Go(func() error { return srv.Start(gctx) })
		case app.RoleDelivery:
			workers := delivery.NewWorkers(sugar.Named("workers"), q, c.Delivery, cfg.App.DeliveryWorkers)
			g.Go(func() error { return workers.Run(gctx) })
		case app.RoleFixer:
			job := c.FixerJob(sugar, cfg.Fixer)
			g.Go(func() error { return job.Run(gctx) })
		case app.RoleCleaner:
			cl := c.Cleaner(sugar, cfg.Cleaner)
			g.Go(func() error { return cl.Run(gctx) })
		}
		sugar.Infof("Role %s is enabled", role)
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		sugar.Errorf("Application stopped: %v", err)
		return
	}
	sugar.Info("Application is stopped")
}
