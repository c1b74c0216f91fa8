package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/adapters/events"
	storeadapter "github.com/diogoX451/ubiquia-flow/internal/adapters/store"
	"github.com/diogoX451/ubiquia-flow/internal/agents"
	"github.com/diogoX451/ubiquia-flow/internal/api"
	"github.com/diogoX451/ubiquia-flow/internal/api/routes"
	"github.com/diogoX451/ubiquia-flow/internal/config"
	"github.com/diogoX451/ubiquia-flow/internal/core/ports"
	"github.com/diogoX451/ubiquia-flow/internal/core/service"
	natsevents "github.com/diogoX451/ubiquia-flow/internal/events/nats"
	"github.com/diogoX451/ubiquia-flow/internal/logging"
	"github.com/diogoX451/ubiquia-flow/internal/scheduler"
)

func main() {
	flags := pflag.NewFlagSet("flowd", pflag.ExitOnError)
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("app.port", "", "HTTP port")
	flags.String("app.log_level", "", "log level: debug, info, warn, error")
	flags.String("store.driver", "", "flow store driver: redis or postgres")
	flags.Bool("nats.enabled", true, "connect to NATS for PUBLISH/SUBSCRIBE adapters")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		// logger ainda não existe
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, _ := logging.New(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var broker ports.Broker
	if cfg.NATS.Enabled {
		logger.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := natsevents.New(natsevents.Config{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: 2 * time.Second,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()

		if err := natsBus.SetupFlowStreams(cfg.NATS.Stream, cfg.NATS.Subjects); err != nil {
			logger.Fatal("failed to setup streams", zap.Error(err))
		}
		broker = events.NewBroker(natsBus, events.BrokerConfig{
			MaxDeliveries:    cfg.Inbox.MaxDeliveries,
			ProgressInterval: cfg.NATS.ProgressInterval,
			Logger:           logger.Named("broker"),
		})
	}

	flowStore, err := storeadapter.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open flow store", zap.Error(err))
	}
	defer flowStore.Close()

	sched, err := scheduler.New(cfg.Scheduler.PoolSize, logger.Named("scheduler"))
	if err != nil {
		logger.Fatal("failed to create scheduler", zap.Error(err))
	}

	dynamic := routes.NewDynamicRouter()
	factory := service.NewFactory(service.Options{
		Store:     flowStore,
		Scheduler: sched,
		Routes:    dynamic,
		Broker:    broker,
		Agents: agents.NewClient(agents.Config{
			Timeout:         cfg.Agents.Timeout,
			BreakerFailures: cfg.Agents.BreakerFailures,
			BreakerTimeout:  cfg.Agents.BreakerTimeout,
			Logger:          logger.Named("agents"),
		}),
		Defaults:      cfg.Defaults,
		MaxDeliveries: cfg.Inbox.MaxDeliveries,
		RateSign:      cfg.Backpressure.RateSign,
		Logger:        logger,
	})
	manager := service.NewGraphManager(flowStore, factory, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      api.NewServer(manager, dynamic, logger.Named("api")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server is ready to handle requests", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("could not listen", zap.String("addr", srv.Addr), zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server is shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("could not gracefully shutdown the server", zap.Error(err))
	}
	// adapters drenam as invocações em andamento; registros ficam no store
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("adapter teardown failed", zap.Error(err))
	}
	if err := sched.Close(shutdownCtx); err != nil {
		logger.Error("scheduler close failed", zap.Error(err))
	}

	logger.Info("server stopped")
}
