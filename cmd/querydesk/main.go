package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nidhogg/querydesk/internal/agent"
	"github.com/nidhogg/querydesk/internal/api"
	"github.com/nidhogg/querydesk/internal/config"
	"github.com/nidhogg/querydesk/internal/database"
	"github.com/nidhogg/querydesk/internal/events"
	"github.com/nidhogg/querydesk/internal/metrics"
	"github.com/nidhogg/querydesk/internal/provider"
	"github.com/nidhogg/querydesk/internal/session"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting QueryDesk...", zap.String("config", cfgPath))

	m := metrics.New()

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: pc.Timeout.Std(),
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	router.SetDefault(cfg.Model.Provider)
	initializer := provider.NewInitializer(router, cfg.Agent.ModelTimeout.Std(), logger)
	models := func(ctx context.Context, mc provider.ModelConfig) (agent.Completer, error) {
		model, err := initializer.Init(ctx, mc)
		if err != nil {
			return nil, err
		}
		return model, nil
	}

	// Connection gateway
	gw := database.NewGateway(database.Options{
		TTL:             cfg.Gateway.CacheTTL.Std(),
		DialTimeout:     cfg.Gateway.DialTimeout.Std(),
		QueryTimeout:    cfg.Gateway.QueryTimeout.Std(),
		BusyTimeout:     cfg.Gateway.BusyTimeout.Std(),
		MaxOpenConns:    cfg.Gateway.MaxOpenConns,
		MaxIdleConns:    cfg.Gateway.MaxIdleConns,
		ConnMaxLifetime: cfg.Gateway.ConnMaxLifetime.Std(),
	}, logger, database.WithCacheObserver(func(kind database.Kind, hit bool) {
		m.RecordCache(string(kind), hit)
	}))

	// Step event stream
	opts := []session.Option{session.WithMetrics(m)}
	var bus *events.Bus
	if cfg.Redis.URL != "" {
		b, busErr := events.NewBus(cfg.Redis.URL, cfg.Redis.MaxLen, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without step stream", zap.Error(busErr))
		} else {
			bus = b
			opts = append(opts, session.WithPublisher(bus))
			logger.Info("Step stream enabled")
		}
	}

	sessions := session.NewManager(gw, models, session.Options{
		MaxRows:           cfg.Agent.MaxRows,
		ToolTimeout:       cfg.Agent.ToolTimeout.Std(),
		QueryHistoryLimit: cfg.Session.QueryHistoryLimit,
		Greeting:          cfg.Session.Greeting,
		Descriptor: database.Descriptor{
			Kind:     database.Kind(cfg.Database.Kind),
			Path:     cfg.Database.Path,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
		},
		Model: session.ModelSettings{
			ModelConfig: provider.ModelConfig{
				Provider:      cfg.Model.Provider,
				Model:         cfg.Model.Model,
				FallbackModel: cfg.Model.FallbackModel,
				Temperature:   cfg.Model.Temperature,
			},
			MaxIterations:       cfg.Model.MaxIterations,
			HandleParsingErrors: cfg.Model.HandleParsingErrors,
		},
	}, logger, opts...)

	// Build HTTP handler
	handler := api.NewHandler(sessions, router, m, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("QueryDesk listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down QueryDesk...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	if bus != nil {
		bus.Close()
	}
	gw.Close()
}

// newLogger builds a development logger for debug and a production logger
// at the configured level otherwise.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}
