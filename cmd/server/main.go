package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/caseflow/ai"
	"github.com/GoCodeAlone/caseflow/config"
	"github.com/GoCodeAlone/caseflow/engine"
	"github.com/GoCodeAlone/caseflow/handlers"
	"github.com/GoCodeAlone/caseflow/observability"
	"github.com/GoCodeAlone/caseflow/statemachine"
	"github.com/GoCodeAlone/caseflow/store"
	"github.com/GoCodeAlone/modular"
	"github.com/GoCodeAlone/modular/modules/eventbus/v2"
)

var (
	addr  = flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	debug = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), logger)

	// Event bus with the in-memory engine. Subscribers attach through the
	// registered service.
	busModule := eventbus.NewModule().(*eventbus.EventBusModule)
	app.RegisterConfigSection("eventbus", modular.NewStdConfigProvider(&eventbus.EventBusConfig{
		Engine:                 "memory",
		MaxEventQueueSize:      1000,
		DefaultEventBufferSize: 10,
		WorkerCount:            5,
		EventTTL:               3600 * time.Second,
		RetentionDays:          7,
	}))
	app.RegisterModule(busModule)
	publisher := engine.NewBusPublisher(busModule, logger)

	manager := buildAIManager(app, cfg, logger)

	metrics := observability.NewMetrics()
	app.RegisterModule(metrics)
	if manager != nil {
		manager.SetMetrics(metrics)
	}

	machine := statemachine.NewMachine(statemachine.NewGuardRegistry())
	actions := engine.NewActionRegistry(engine.ActionDeps{
		Publisher: publisher,
		AI:        manager,
		Insights:  st.Insights(),
		Logger:    logger,
	})
	eng := engine.New(st, machine, actions, publisher, engine.Config{
		DefaultTimeout:       time.Duration(cfg.Workflow.DefaultTimeoutSeconds) * time.Second,
		MaxTransitionRetries: cfg.Workflow.MaxTransitionRetries,
	}, logger)
	eng.SetMetrics(metrics)
	app.RegisterModule(engine.NewSlaSweeper(eng,
		time.Duration(cfg.Workflow.SlaSweepIntervalSeconds)*time.Second, logger))

	if err := app.Init(); err != nil {
		log.Fatalf("Failed to init application: %v", err)
	}
	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	mux := http.NewServeMux()
	handlers.NewAPI(eng, manager, logger).RegisterRoutes(mux, handlers.NewAuthenticator(cfg.JWTSecret, logger))
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := app.Stop(); err != nil {
		logger.Error("application shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// openStore selects the backing store from configuration. No driver means
// the in-memory store, which is fine for development only.
func openStore(cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseDriver == "" {
		logger.Warn("no DATABASE_DRIVER set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	st, err := store.OpenSQL(store.SQLConfig{
		Driver: cfg.DatabaseDriver,
		DSN:    cfg.DatabaseDSN,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("store opened", "driver", cfg.DatabaseDriver)
	return st, nil
}

// buildAIManager creates the router and registers configured providers.
// Returns nil when AI routing is disabled or no provider registers.
func buildAIManager(app modular.Application, cfg config.Config, logger *slog.Logger) *ai.Manager {
	if !cfg.AI.Enabled {
		return nil
	}
	manager := ai.NewManager(cfg.AI.Weights, ai.ParseStrategy(cfg.AI.Strategy), logger)

	registered := 0
	for name, pc := range cfg.AI.Providers {
		if !pc.Enabled {
			continue
		}
		var provider ai.Provider
		var err error
		switch name {
		case "anthropic":
			provider, err = ai.NewAnthropicProvider(ai.AnthropicConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
			})
		default:
			// Any other block is an openai-compatible endpoint.
			provider, err = ai.NewOpenAIProvider(ai.OpenAIConfig{
				APIKey:  pc.APIKey,
				BaseURL: pc.BaseURL,
				Name:    name,
			})
		}
		if err != nil {
			logger.Warn("skipping ai provider", "provider", name, "error", err)
			continue
		}
		if err := manager.Register(provider, pc.RouterConfig()); err != nil {
			logger.Warn("skipping ai provider", "provider", name, "error", err)
			continue
		}
		logger.Info("ai provider registered", "provider", name)
		registered++
	}
	if registered == 0 {
		logger.Warn("ai routing enabled but no providers registered")
		return nil
	}

	app.RegisterModule(ai.NewHealthMonitor(manager, time.Minute, logger))
	return manager
}
