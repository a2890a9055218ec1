package weatherstations

import (
	"fmt"
	"math"

	"github.com/chrissnell/wmii/pkg/config"
)

// CalculateWindChill calculates wind chill temperature using the NWS formula.
// Returns the air temperature when wind chill doesn't apply (temp > 50°F or wind < 3 mph)
func CalculateWindChill(tempF, windSpeedMph float32) float32 {
	if tempF > 50 || windSpeedMph < 3 {
		return tempF
	}
	v := float32(math.Pow(float64(windSpeedMph), 0.16))
	return 35.74 + 0.6215*tempF - 35.75*v + 0.4275*tempF*v
}

// CalculateHeatIndex calculates heat index using the NWS formula.
// Returns the air temperature when heat index doesn't apply (temp < 80°F)
func CalculateHeatIndex(tempF, humidity float32) float32 {
	if tempF < 80 {
		return tempF
	}

	c1 := float32(-42.379)
	c2 := float32(2.04901523)
	c3 := float32(10.14333127)
	c4 := float32(-0.22475541)
	c5 := float32(-0.00683783)
	c6 := float32(-0.05481717)
	c7 := float32(0.00122874)
	c8 := float32(0.00085282)
	c9 := float32(-0.00000199)

	return c1 + c2*tempF + c3*humidity + c4*tempF*humidity + c5*tempF*tempF +
		c6*humidity*humidity + c7*tempF*tempF*humidity + c8*tempF*humidity*humidity +
		c9*tempF*tempF*humidity*humidity
}

// CalculateDewPoint returns the dew point in °F using the Magnus approximation.
// Humidity at or below zero has no dew point and returns 0.
func CalculateDewPoint(tempF, humidity float32) float32 {
	if humidity <= 0 {
		return 0
	}
	if humidity > 100 {
		humidity = 100
	}

	const b, c = 17.625, 243.04
	tempC := (float64(tempF) - 32) * 5 / 9
	gamma := math.Log(float64(humidity)/100) + b*tempC/(c+tempC)
	dewC := c * gamma / (b - gamma)
	return float32(dewC*9/5 + 32)
}

// CorrectWindDir applies a fixed compass offset and wraps the result to [0, 360)
func CorrectWindDir(dir float32, correction int16) float32 {
	d := math.Mod(float64(dir)+float64(correction), 360)
	if d < 0 {
		d += 360
	}
	return float32(d)
}

// LoadDeviceConfig loads configuration for a specific device
func LoadDeviceConfig(configProvider config.ConfigProvider, deviceName string) (*config.DeviceData, error) {
	device, err := configProvider.GetDevice(deviceName)
	if err != nil {
		return nil, fmt.Errorf("station [%s] failed to load config: %w", deviceName, err)
	}
	return device, nil
}
