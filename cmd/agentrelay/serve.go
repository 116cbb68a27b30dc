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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentrelay/internal/api"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/capability"
	"github.com/aixgo-dev/agentrelay/internal/capability/builtin"
	"github.com/aixgo-dev/agentrelay/internal/decision"
	"github.com/aixgo-dev/agentrelay/internal/hub"
	"github.com/aixgo-dev/agentrelay/internal/logging"
	tracing "github.com/aixgo-dev/agentrelay/internal/observability"
	"github.com/aixgo-dev/agentrelay/internal/orchestrator"
	"github.com/aixgo-dev/agentrelay/internal/runtime"
	"github.com/aixgo-dev/agentrelay/pkg/config"
	"github.com/aixgo-dev/agentrelay/pkg/llm/provider"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
	"github.com/aixgo-dev/agentrelay/pkg/security"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.Logging.Level = lvl
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "Listen address, overrides server.addr")
	cmd.Flags().String("log-level", "", "Log level, overrides logging.level")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	tap := logging.NewTap(zap.DebugLevel)
	logger, err := logging.New(cfg.Logging, tap)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentrelay",
		zap.String("version", Version),
		zap.String("agent", cfg.Agent.Name),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("apiKey", security.MaskSecret(cfg.LLM.APIKey)))

	if err := tracing.Init(tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Enabled:      cfg.Tracing.Enabled,
		ExporterType: cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		OTLPHeaders:  cfg.Tracing.Headers,
	}, logger); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	model, err := provider.New(ctx, provider.Options{
		Backend:  cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Project:  cfg.LLM.Project,
		Location: cfg.LLM.Location,
	})
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	if mock, ok := model.(*provider.MockProvider); ok {
		mock.Responder = echoResponder
		logger.Warn("using the mock model backend")
	}

	limiter := security.NewActionRateLimiter()
	for name, l := range cfg.RateLimit.Actions {
		limiter.SetLimit(capability.NormalizeName(name), l.RequestsPerSecond, l.Burst)
	}
	registry := capability.NewRegistry(
		capability.WithLogger(logger.Named("capability")),
		capability.WithActionLimiter(limiter),
	)
	if err := builtin.Register(registry, time.Now); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}

	engine := decision.NewEngine(model,
		decision.WithLogger(logger.Named("decision")),
		decision.WithStreaming(cfg.StreamingEnabled()))
	orch := orchestrator.New(engine, registry, orchestrator.Config{
		MaxIterations:  cfg.Orchestrator.MaxIterations,
		SummaryRetries: cfg.Orchestrator.SummaryRetries,
		SummaryBackoff: cfg.Orchestrator.SummaryBackoff,
	}, orchestrator.WithLogger(logger.Named("orchestrator")))

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	sessions := session.NewManager(store, session.Config{
		ServerID: cfg.Session.ServerID,
		Timeout: session.TimeoutConfig{
			TimeoutMinutes:          cfg.Session.TimeoutMinutes,
			AutoRenew:               *cfg.Session.AutoRenew,
			MaxDurationMinutes:      cfg.Session.MaxDurationMinutes,
			WarningThresholdMinutes: cfg.Session.WarningThresholdMinutes,
		},
	}, session.WithLogger(logger.Named("session")))
	defer func() { _ = sessions.Close() }()

	events := bus.New(cfg.Runtime.BusBuffer, logger.Named("bus"))

	realtime, err := hub.New(hub.Config{
		StreamTimeout:  cfg.Hub.StreamTimeout,
		SeenLimit:      cfg.Hub.SeenLimit,
		SendBuffer:     cfg.Hub.SendBuffer,
		PingInterval:   cfg.Hub.PingInterval,
		MaxMessageSize: cfg.Hub.MaxMessageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	},
		hub.WithLogger(logger.Named("hub")),
		hub.WithSessions(sessions),
		hub.WithBus(events),
		hub.WithLogTap(tap))
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	agentRuntime, err := runtime.New(&cfg.Agent, orch, sessions, runtime.Config{
		MaxConcurrentRuns: cfg.Runtime.MaxConcurrentRuns,
		RunTimeout:        cfg.Runtime.RunTimeout,
		HistoryLimit:      cfg.Orchestrator.HistoryLimit,
	},
		runtime.WithLogger(logger.Named("runtime")),
		runtime.WithBus(events),
		runtime.WithDelivery(realtime))
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	if err := agentRuntime.Start(); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	sweeper, err := session.NewSweeper(sessions, cfg.Session.SweepSchedule, func(expired []*session.Session) {
		for _, s := range expired {
			if err := events.Publish(ctx, bus.Event{Type: bus.EventChannelDeleted, ChannelID: s.ChannelID, SessionID: s.ID}); err != nil {
				logger.Warn("failed to announce expired session", zap.String("sessionId", s.ID), zap.Error(err))
			}
		}
	}, logger.Named("sweeper"))
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}
	sweeper.Start()

	health := observability.NewHealthChecker(Version)
	health.RegisterCheck(observability.StoreCheck(sessions.Ping))

	opts := []api.Option{
		api.WithLogger(logger.Named("api")),
		api.WithBus(events),
		api.WithWebSocket(realtime),
		api.WithHealth(health),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, api.WithRateLimiter(security.NewRateLimiter(
			cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.GlobalPerSecond)))
	}
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(sessions, agentRuntime, opts...).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var admin *observability.Server
	if cfg.Admin.Enabled {
		admin = observability.NewServer(cfg.Admin.Port, health, logger.Named("admin"))
		g.Go(func() error {
			if err := admin.Start(); err != nil {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if admin != nil {
			if err := admin.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
			}
		}
		if err := sweeper.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("sweeper stop: %w", err))
		}
		if err := agentRuntime.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("runtime stop: %w", err))
		}
		if err := realtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("hub close: %w", err))
		}
		if err := events.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("bus close: %w", err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("agentrelay stopped")
	return err
}

func newStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Store {
	case "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		store, err := session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			Prefix:   cfg.Session.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session store: %s", cfg.Session.Store)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
