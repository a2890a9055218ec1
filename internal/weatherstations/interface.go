package weatherstations

import (
	"context"
	"time"

	"github.com/chrissnell/wmii/pkg/wmii"
)

// WeatherStation is an interface that provides standard methods for various
// weather station backends
type WeatherStation interface {
	StartWeatherStation() error
	StopWeatherStation() error
	StationName() string
}

// Console is a weather station whose clock and calibration can be managed
// while it is polled
type Console interface {
	WeatherStation
	HardwareName() string
	Connected() bool
	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
	GetCalibration(ctx context.Context) (wmii.Calibration, error)
	SetCalibration(ctx context.Context, cal wmii.Calibration) (wmii.Calibration, error)
}
