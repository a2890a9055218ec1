// Package app wires the sinks, the weather station manager and the API
// together and runs them until shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chrissnell/wmii/internal/controllers/api"
	"github.com/chrissnell/wmii/internal/interfaces"
	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/managers"
	"github.com/chrissnell/wmii/internal/weatherstations/wmii"
	"github.com/chrissnell/wmii/pkg/config"
	"go.uber.org/zap"
)

// App represents the main application
type App struct {
	configProvider config.ConfigProvider
	logger         *zap.SugaredLogger
	stationOpts    []wmii.Option

	mu  sync.Mutex
	wsm interfaces.WeatherStationManager
}

// New creates a new application instance. Station options are passed to
// every console the application creates.
func New(configProvider config.ConfigProvider, logger *zap.SugaredLogger, stationOpts ...wmii.Option) *App {
	return &App{
		configProvider: configProvider,
		logger:         logger,
		stationOpts:    stationOpts,
	}
}

// ReloadConfiguration starts and stops consoles to match the configuration
func (a *App) ReloadConfiguration(ctx context.Context) error {
	a.mu.Lock()
	wsm := a.wsm
	a.mu.Unlock()

	if wsm == nil {
		return fmt.Errorf("application is not running")
	}
	log.Info("reloading weather station configuration...")
	return wsm.ReloadWeatherStationsConfig()
}

// Run starts the application and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sinkManager, err := managers.NewSinkManager(ctx, &wg, a.configProvider)
	if err != nil {
		return err
	}

	wsm, err := managers.NewWeatherStationManager(ctx, &wg, a.configProvider, sinkManager.ReadingDistributor, a.logger, a.stationOpts...)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.wsm = wsm
	a.mu.Unlock()

	if err := wsm.StartWeatherStations(); err != nil {
		return err
	}

	cm, err := managers.NewControllerManager(ctx, &wg, a.configProvider, api.Deps{
		Stations: wsm,
		Latest:   sinkManager.Latest,
		Gatherer: sinkManager.Gatherer(),
		Reloader: a,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := cm.StartControllers(); err != nil {
		return err
	}

	log.Info("Application started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for done := false; !done; {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := a.ReloadConfiguration(ctx); err != nil {
					log.Errorf("configuration reload failed: %v", err)
				}
				continue
			}
			log.Info("shutdown signal received, initiating graceful shutdown...")
			done = true
		case <-ctx.Done():
			log.Info("context cancelled, shutting down...")
			done = true
		}
	}

	cancel()
	wsm.StopWeatherStations()

	log.Info("waiting for all workers to terminate...")
	wg.Wait()
	log.Info("shutdown complete")

	return nil
}
