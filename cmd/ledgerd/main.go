package main

import (
	"context"
	"errors"
	"os"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"ledgerbot/internal/amqp"
	"ledgerbot/internal/cache"
	"ledgerbot/internal/cli"
	"ledgerbot/internal/config"
	apphttp "ledgerbot/internal/http"
	"ledgerbot/internal/ledger"
	"ledgerbot/internal/log"
	"ledgerbot/internal/scheduler"
	"ledgerbot/internal/services"
)

const sweepSchedule = "@every 1m"

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		log.New(log.DefaultConfig()).Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	logger := cli.SetupLogger(cfg.LogLevel, os.Stdout)
	logger.Info("Starting ledgerd", "backend", cfg.DataBackend, "instance", cfg.InstanceID)

	if err := run(cfg, logger); err != nil {
		logger.Error("ledgerd stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("ledgerd stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, cancel := cli.ShutdownContext(context.Background(), logger)
	defer cancel()

	rt, err := cli.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Cross-process notifications are optional; without a broker the
	// mirror still refreshes on schedule.
	var (
		broker    *amqp.Client
		processor *services.EventProcessor
	)
	if cfg.AMQPURL != "" {
		broker, err = amqp.NewClient(amqp.Config{
			URL:          cfg.AMQPURL,
			ExchangeName: cfg.AMQPExchange,
			QueueName:    cfg.AMQPQueue,
			RoutingKey:   cfg.AMQPRoutingKey,
			Origin:       cfg.InstanceID,
		}, logger)
		if err != nil {
			logger.Warn("AMQP unavailable, continuing without change notifications", log.FieldError, err)
			broker = nil
		} else {
			rt.Worker.WithNotifier(broker)
			processor = services.NewEventProcessor(broker, rt.Ledger, rt.Service, services.DefaultEventProcessorConfig(), logger)
			if err := processor.Start(ctx); err != nil {
				logger.Warn("Event processor failed to start", log.FieldError, err)
			}
		}
	}

	srv := apphttp.NewServer(apphttp.Config{
		Addr:               ":" + cfg.Port,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WritesPerMinute:    cfg.WritesPerMinute,
	}, rt.Service, logger)

	caches := cache.NewManager(logger)
	for _, c := range rt.Service.Caches() {
		caches.Register(c)
	}
	caches.Register(srv.Throttle())

	sched := scheduler.New(logger, cron.WithParser(config.ScheduleParser))
	if cfg.RefreshSchedule != "" {
		refresh := scheduler.JobFunc{JobName: "ledger-refresh", Fn: func(ctx context.Context) error {
			err := rt.Ledger.Refresh(ctx, true)
			if errors.Is(err, ledger.ErrRefreshSkipped) {
				return nil
			}
			return err
		}}
		if err := sched.AddJob(cfg.RefreshSchedule, refresh); err != nil {
			return err
		}
	}
	sweep := scheduler.JobFunc{JobName: "cache-sweep", Fn: func(context.Context) error {
		caches.Sweep()
		return nil
	}}
	if err := sched.AddJob(sweepSchedule, sweep); err != nil {
		return err
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Worker.Run(gctx) })
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	sched.Stop()
	if processor != nil {
		if err := processor.Stop(shutdownCtx); err != nil {
			logger.Warn("Event processor stop failed", log.FieldError, err)
		}
	}
	closeErr := rt.Close(shutdownCtx)
	if broker != nil {
		if err := broker.Close(); err != nil {
			logger.Warn("AMQP close failed", log.FieldError, err)
		}
	}
	return errors.Join(runErr, closeErr)
}
