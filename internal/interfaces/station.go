package interfaces

import "github.com/chrissnell/wmii/internal/weatherstations"

// WeatherStationManager defines the interface for managing weather stations
type WeatherStationManager interface {
	StartWeatherStations() error
	StopWeatherStations()
	AddWeatherStation(deviceName string) error
	RemoveWeatherStation(deviceName string) error
	ReloadWeatherStationsConfig() error
	GetStation(deviceName string) weatherstations.Console
	StationNames() []string
}
