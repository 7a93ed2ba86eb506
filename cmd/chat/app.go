package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"assistant-chat/internal/adapter/agentapi"
	"assistant-chat/internal/adapter/gateway"
	"assistant-chat/internal/infra/config"
	"assistant-chat/internal/infra/logger"
	"assistant-chat/internal/infra/metrics"
	"assistant-chat/internal/infra/middleware"
	"assistant-chat/internal/usecase/attachment"
	"assistant-chat/internal/usecase/eventbus"
	"assistant-chat/internal/usecase/stream"
	"assistant-chat/internal/usecase/threadstore"
)

// app holds the wired components shared by every command.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	bus          *eventbus.Bus
	metrics      *metrics.Metrics
	client       *agentapi.Client
	registry     *threadstore.Registry
	orchestrator *stream.Orchestrator
	composer     *attachment.Composer

	gateway *gateway.Server
	gwDone  sync.WaitGroup
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	// 1. Event bus & metrics
	a.bus = eventbus.New(logger.Component(log, "eventbus"))
	a.metrics = metrics.New(cfg.Metrics)

	// 2. Agent server client
	a.client = agentapi.New(agentapi.Options{
		Server:         cfg.Server,
		PayloadStyle:   cfg.Stream.PayloadStyle,
		CircuitBreaker: cfg.CircuitBreaker,
		Logger:         logger.Component(log, "agentapi"),
	})

	// 3. Threads & streaming
	a.registry = threadstore.New(a.client, a.bus, logger.Component(log, "threads"), a.metrics)
	classifier, err := stream.NewClassifier(cfg.Stream.StrictSchema)
	if err != nil {
		a.bus.Close()
		return nil, fmt.Errorf("classifier: %w", err)
	}
	a.orchestrator = stream.NewOrchestrator(a.client, a.registry, classifier, a.bus,
		logger.Component(log, "stream"), a.metrics, stream.Options{
			IdleTimeout:    cfg.Stream.IdleTimeout,
			TurnTimeout:    cfg.Stream.TurnTimeout,
			ReadBufferSize: cfg.Stream.ReadBufferSize,
			MaxUnitBytes:   cfg.Stream.MaxUnitBytes,
		})

	// 4. Attachments
	a.composer = attachment.NewComposer(
		agentapi.NewAttachmentStore(a.client, cfg.Attachments.Surface),
		attachment.Options{
			MaxSizeBytes:     cfg.Attachments.MaxSizeBytes,
			Accept:           cfg.Attachments.Accept,
			UploadsPerSecond: cfg.Attachments.UploadsPerSecond,
			Burst:            cfg.Attachments.Burst,
		},
		a.bus, logger.Component(log, "attachments"), a.metrics)

	return a, nil
}

// StartGateway serves the local WebSocket gateway until ctx is done.
func (a *app) StartGateway(ctx context.Context) {
	deps := gateway.HandlerDeps{
		Registry:     a.registry,
		Orchestrator: a.orchestrator,
		Metrics:      a.metrics,
		BreakerState: a.client.BreakerState,
	}
	a.gateway = gateway.NewServer(a.bus, gateway.NewAuthenticator(a.cfg.Gateway.Token),
		a.cfg.Gateway.Addr, logger.Component(a.log, "gateway"))
	a.gateway.Use(
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, a.cfg.Gateway.RequestsPerMin, a.cfg.Gateway.Burst),
	)
	gateway.RegisterDefaultHandlers(a.gateway, deps)
	gateway.RegisterRESTHandlers(a.gateway, deps)

	a.gwDone.Add(1)
	go func() {
		defer a.gwDone.Done()
		if err := a.gateway.Start(ctx); err != nil {
			a.log.Error("gateway server error", "error", err)
		}
	}()
}

// Close stops background work in dependency order.
func (a *app) Close() {
	if a.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.gateway.Stop(ctx); err != nil {
			a.log.Warn("gateway stop", "error", err)
		}
		cancel()
		a.gwDone.Wait()
	}
	a.composer.Close()
	a.bus.Close()
}
