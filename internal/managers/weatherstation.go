package managers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chrissnell/wmii/internal/interfaces"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/internal/weatherstations"
	"github.com/chrissnell/wmii/internal/weatherstations/wmii"
	"github.com/chrissnell/wmii/pkg/config"
	"go.uber.org/zap"
)

// NewWeatherStationManager creates a WeatherStationManager populated with every
// enabled console in the configuration
func NewWeatherStationManager(ctx context.Context, wg *sync.WaitGroup, configProvider config.ConfigProvider, distributor chan types.Reading, logger *zap.SugaredLogger, opts ...wmii.Option) (interfaces.WeatherStationManager, error) {
	devices, err := configProvider.GetDevices()
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	wsm := &weatherStationManager{
		ctx:            ctx,
		wg:             wg,
		configProvider: configProvider,
		distributor:    distributor,
		logger:         logger,
		opts:           opts,
		stations:       make(map[string]weatherstations.Console),
	}

	for _, device := range devices {
		if !device.Enabled {
			logger.Infof("Skipping disabled device [%s]", device.Name)
			continue
		}
		station, err := wsm.createStation(device)
		if err != nil {
			return nil, fmt.Errorf("error creating weather station [%s]: %w", device.Name, err)
		}
		wsm.stations[device.Name] = station
	}

	if len(wsm.stations) == 0 {
		return nil, fmt.Errorf("no enabled weather stations configured")
	}

	return wsm, nil
}

type weatherStationManager struct {
	ctx            context.Context
	wg             *sync.WaitGroup
	configProvider config.ConfigProvider
	distributor    chan types.Reading
	logger         *zap.SugaredLogger
	opts           []wmii.Option

	mu       sync.RWMutex
	stations map[string]weatherstations.Console
}

func (w *weatherStationManager) StartWeatherStations() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for name, station := range w.stations {
		w.logger.Infof("Starting weather station [%v]...", name)
		if err := station.StartWeatherStation(); err != nil {
			return fmt.Errorf("failed to start weather station [%s]: %w", name, err)
		}
	}
	return nil
}

// StopWeatherStations stops polling every console and closes the ports
func (w *weatherStationManager) StopWeatherStations() {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for name, station := range w.stations {
		if err := station.StopWeatherStation(); err != nil {
			w.logger.Errorf("Error stopping weather station %s: %v", name, err)
		}
	}
}

// AddWeatherStation creates and starts the named console
func (w *weatherStationManager) AddWeatherStation(deviceName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.stations[deviceName]; exists {
		return fmt.Errorf("weather station %s already exists", deviceName)
	}

	device, err := w.configProvider.GetDevice(deviceName)
	if err != nil {
		return fmt.Errorf("failed to get device %s: %w", deviceName, err)
	}
	if !device.Enabled {
		return fmt.Errorf("cannot add disabled device %s", deviceName)
	}

	station, err := w.createStation(*device)
	if err != nil {
		return fmt.Errorf("error creating weather station [%s]: %w", deviceName, err)
	}

	if err := station.StartWeatherStation(); err != nil {
		return fmt.Errorf("failed to start weather station [%s]: %w", deviceName, err)
	}
	w.stations[deviceName] = station

	w.logger.Infof("Added and started weather station: %s", deviceName)
	return nil
}

// RemoveWeatherStation stops the named console and forgets it
func (w *weatherStationManager) RemoveWeatherStation(deviceName string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	station, exists := w.stations[deviceName]
	if !exists {
		return fmt.Errorf("weather station %s not found", deviceName)
	}

	if err := station.StopWeatherStation(); err != nil {
		w.logger.Errorf("Error stopping weather station %s: %v", deviceName, err)
	}
	delete(w.stations, deviceName)

	w.logger.Infof("Removed and stopped weather station: %s", deviceName)
	return nil
}

// ReloadWeatherStationsConfig starts newly enabled consoles and stops the ones
// that were disabled or removed. Consoles left running keep their settings.
func (w *weatherStationManager) ReloadWeatherStationsConfig() error {
	devices, err := w.configProvider.GetDevices()
	if err != nil {
		return fmt.Errorf("could not load configuration: %w", err)
	}

	shouldBeActive := make(map[string]bool)
	for _, device := range devices {
		if device.Enabled {
			shouldBeActive[device.Name] = true
		}
	}

	for _, name := range w.StationNames() {
		if !shouldBeActive[name] {
			if err := w.RemoveWeatherStation(name); err != nil {
				w.logger.Errorf("Failed to remove weather station %s: %v", name, err)
			}
		}
	}

	for name := range shouldBeActive {
		if w.GetStation(name) == nil {
			if err := w.AddWeatherStation(name); err != nil {
				w.logger.Errorf("Failed to add weather station %s: %v", name, err)
			}
		}
	}

	return nil
}

// GetStation retrieves a console by name, or nil if there is none
func (w *weatherStationManager) GetStation(deviceName string) weatherstations.Console {
	w.mu.RLock()
	defer w.mu.RUnlock()

	station, exists := w.stations[deviceName]
	if !exists {
		return nil
	}
	return station
}

// StationNames lists the running consoles in name order
func (w *weatherStationManager) StationNames() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stations))
	for name := range w.stations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *weatherStationManager) createStation(device config.DeviceData) (weatherstations.Console, error) {
	switch strings.ToLower(device.Type) {
	case "", "wmii":
		w.logger.Infof("Initializing Weather Monitor II station [%v]", device.Name)
		return wmii.New(w.ctx, w.wg, device, w.distributor, w.logger, w.opts...)
	default:
		return nil, fmt.Errorf("unknown weather station type: %s", device.Type)
	}
}
