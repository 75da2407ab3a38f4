// cmd/gateway/main.go
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

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "feeder-gateway/docs"
	"feeder-gateway/internal/config"
	"feeder-gateway/internal/database"
	"feeder-gateway/internal/discovery"
	"feeder-gateway/internal/handler"
	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/protocol/serial"
	"feeder-gateway/internal/repository"
	"feeder-gateway/internal/routes"
	"feeder-gateway/internal/service"
	"feeder-gateway/internal/utils"
)

const shutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	registry *prometheus.Registry

	gateway   *service.Gateway
	eventBus  *handler.EventBus
	websocket *handler.WebSocketHandler
}

// @title Feeder Gateway API
// @version 1.0.0
// @description Serial gateway for fish feeder controllers: telemetry, commands and link status

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8084
// @BasePath /api/v1
func main() {
	configPath := pflag.StringP("config", "c", "", "path to a config file (defaults to the standard search paths)")
	pflag.Parse()

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Application stopped with error", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &Application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mirror := app.initializeMirror()

	if err := app.initializeGateway(mirror); err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	app.initializeServer()

	return app, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// initializeMirror connects the cloud mirror. Without a database, records go to the log.
func (app *Application) initializeMirror() repository.Mirror {
	if !app.config.Mirror.Enabled {
		app.logger.Info("Database mirror disabled, mirroring to log")
		return repository.NewLogMirror(app.logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Mirror.WriteTimeout)
	defer cancel()

	// Connect to database
	db, err := database.NewConnection(ctx, &app.config.Database, app.logger)
	if err != nil {
		app.logger.Warn("Database unreachable, mirroring to log", zap.Error(err))
		return repository.NewLogMirror(app.logger)
	}

	// Run migrations
	if app.config.Mirror.Migrate {
		migrator := database.NewMigrator(app.logger, &app.config.Database)
		if err := migrator.Up(); err != nil {
			app.logger.Warn("Database migrations failed, mirroring to log", zap.Error(err))
			if closeErr := db.Close(); closeErr != nil {
				app.logger.Warn("Failed to close database", zap.Error(closeErr))
			}
			return repository.NewLogMirror(app.logger)
		}
	}

	app.database = db
	app.logger.Info("Database mirror initialized successfully")
	return repository.NewPostgresMirror(db, app.logger)
}

// initializeGateway builds the device-facing pipeline
func (app *Application) initializeGateway(mirror repository.Mirror) error {
	m := metrics.New(app.registry)
	clk := clock.New()

	opener := serial.NewOpener(&app.config.Serial, app.logger)
	scanner := discovery.NewScanner(&app.config.Scanner, opener, app.logger, discovery.WithClock(clk))

	app.gateway = service.NewGateway(app.config, scanner, opener, mirror, m, clk, app.logger)

	if app.config.Supervisor.Hotplug {
		watcher, err := discovery.NewHotplugWatcher(app.config.Supervisor.HotplugDir, app.logger)
		if err != nil {
			// Polling still finds the device, just more slowly
			app.logger.Warn("Hot-plug watcher unavailable, relying on polling", zap.Error(err))
		} else {
			app.gateway.SetHotplug(watcher)
		}
	}

	app.eventBus = handler.NewEventBus(app.logger)

	app.logger.Info("Gateway initialized successfully",
		zap.Int("min_confidence", app.config.Scanner.MinConfidence),
		zap.Bool("hotplug", app.config.Supervisor.Hotplug),
	)
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.gateway,
		app.registry,
		app.eventBus,
	)
	app.websocket = routerManager.WebSocket()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
		zap.Bool("tls_enabled", app.config.Server.TLS.Enabled),
	)
}

// Start runs every task until a shutdown signal arrives or one of them fails
func (app *Application) Start() error {
	serviceLogger := utils.NewServiceLogger(app.logger, "feeder-gateway")
	serviceLogger.LogServiceStart(app.config.App.Version, app.config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.gateway.Run(gctx) })
	g.Go(func() error { return app.eventBus.Run(gctx, app.gateway.Events()) })
	g.Go(func() error { return app.websocket.Run(gctx) })
	g.Go(func() error { return app.serve() })
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("Shutting down")
		return app.shutdownServer()
	})

	err := g.Wait()
	app.shutdown()
	return err
}

func (app *Application) serve() error {
	app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

	var err error
	if app.config.Server.TLS.Enabled {
		err = app.server.ListenAndServeTLS(app.config.Server.TLS.CertFile, app.config.Server.TLS.KeyFile)
	} else {
		err = app.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (app *Application) shutdownServer() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	app.logger.Info("HTTP server stopped")
	return nil
}

// shutdown releases resources once every task has returned
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "feeder-gateway")
	serviceLogger.LogServiceStop("shutdown signal received")

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}
