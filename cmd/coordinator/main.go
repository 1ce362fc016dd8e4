// Package main provides the entry point for the coordinator.
package main

import (
	"context"
	"os"

	"github.com/flotillahq/flotilla/internal/aggregator"
	"github.com/flotillahq/flotilla/internal/api"
	"github.com/flotillahq/flotilla/internal/scheduler"
	"github.com/flotillahq/flotilla/internal/shutdown"
	"github.com/flotillahq/flotilla/internal/state"
	"github.com/flotillahq/flotilla/internal/transport"
	"github.com/flotillahq/flotilla/internal/workload"
	"github.com/flotillahq/flotilla/pkg/config"
	"github.com/flotillahq/flotilla/pkg/logger"
)

func main() {
	log := logger.Default()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Failing to bind the transport channels at startup is unrecoverable.
	redis, err := transport.NewRedis(ctx, transport.RedisConfig{
		Addr:      cfg.Transport.RedisAddr,
		Password:  cfg.Transport.RedisPassword,
		DB:        cfg.Transport.RedisDB,
		KeyPrefix: cfg.Transport.KeyPrefix,
	}, log.WithComponent("transport").Logger)
	if err != nil {
		log.WithError(err).Error("failed to bind transport channels")
		os.Exit(1)
	}

	st := state.New(log.WithComponent("state").Logger)
	workloads := workload.Default()

	var queue transport.DurableQueue
	if cfg.Transport.DurableQueue {
		queue = redis
	}
	sched := scheduler.New(st, workloads, redis, queue, log.WithComponent("scheduler").Logger)
	agg := aggregator.New(st, workloads, redis, log.WithComponent("aggregator").Logger)
	go agg.Run(ctx)

	if cfg.Registry.SweepInterval > 0 {
		monitor := state.NewMonitor(st, cfg.Registry.LivenessThreshold, cfg.Registry.SweepInterval, log.WithComponent("monitor").Logger)
		monitor.Start()
		defer monitor.Stop()
	}

	server := api.NewServer(cfg, st, sched, agg, log.WithComponent("api").Logger)

	// Components stop in reverse registration order: the consumer cancel
	// runs first, so Start observes ctx.Done and stops the server itself;
	// the api component then only confirms the server is down.
	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)
	coord.Register(shutdown.NewCloserComponent("redis", redis))
	coord.Register(shutdown.NewFuncComponent("api", server.Shutdown))
	coord.Register(shutdown.NewFuncComponent("consumers", func(context.Context) error {
		cancel()
		return nil
	}))
	go coord.WaitForSignal()

	if err := server.Start(ctx); err != nil {
		log.WithError(err).Error("server error")
		coord.Shutdown()
		coord.Wait()
		os.Exit(1)
	}

	coord.Shutdown()
	coord.Wait()
	os.Exit(coord.ExitCode())
}
