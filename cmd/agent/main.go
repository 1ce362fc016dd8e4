// Package main provides the entry point for the worker agent.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/agent"
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

	nodeID := cfg.Agent.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	log = log.WithNodeID(nodeID)
	log.Info("starting worker agent", "coordinator_url", cfg.Agent.CoordinatorURL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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
	defer redis.Close()

	client := agent.NewClient(cfg.Agent.CoordinatorURL, cfg.Agent.RegisterTimeout, cfg.Agent.HeartbeatTimeout)
	a := agent.New(agent.Config{
		NodeID:            nodeID,
		AddressHint:       cfg.Agent.AddressHint,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		MaxConcurrency:    cfg.Agent.MaxConcurrency,
	}, client, redis, redis, workload.Default(), log.WithComponent("agent").Logger)

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("agent exited with error")
		os.Exit(1)
	}
	log.Info("agent stopped")
}
