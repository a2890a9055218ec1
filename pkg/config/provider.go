package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	// Get specific configuration sections
	GetDevices() ([]DeviceData, error)
	GetDevice(name string) (*DeviceData, error)
	GetSinks() (*SinkData, error)
	GetAPIConfig() (*APIData, error)

	IsReadOnly() bool
	Close() error
}

// ErrDeviceNotFound is returned when a named device has no configuration
var ErrDeviceNotFound = errors.New("device not found")

// Defaults for a Weather Monitor II console
const (
	DefaultName           = "wmII"
	DefaultStationType    = "wmII"
	DefaultModel          = "Weather Monitor II"
	DefaultDriver         = "user.wmII"
	DefaultConnectionType = "serial"
	DefaultSerialDevice   = "/dev/ttyUSB0"
	DefaultBaud           = 2400
	DefaultLoopInterval   = 2 * time.Second
	DefaultTimeout        = 2 * time.Second
	DefaultRetryWait      = 3 * time.Second
	DefaultMaxTries       = 5
	DefaultAPIPort        = 8080
)

// ConfigData represents the complete configuration structure
type ConfigData struct {
	Devices []DeviceData `json:"devices"`
	Sinks   SinkData     `json:"sinks"`
	API     *APIData     `json:"api,omitempty"`
}

// DeviceData holds configuration for one console
type DeviceData struct {
	Name              string        `json:"name"`
	Type              string        `json:"type"`
	Model             string        `json:"model"`
	Driver            string        `json:"driver,omitempty"`
	Enabled           bool          `json:"enabled"`
	ConnectionType    string        `json:"connection_type"`
	SerialDevice      string        `json:"serial_device,omitempty"`
	Hostname          string        `json:"hostname,omitempty"`
	Port              string        `json:"port,omitempty"`
	Baud              int           `json:"baud,omitempty"`
	LoopInterval      time.Duration `json:"loop_interval"`
	Timeout           time.Duration `json:"timeout"`
	MaxTries          int           `json:"max_tries"`
	RetryWait         time.Duration `json:"retry_wait"`
	DebugSerial       int           `json:"debug_serial,omitempty"`
	ReadCalibration   *bool         `json:"read_calibration,omitempty"`
	SyncClock         bool          `json:"sync_clock,omitempty"`
	WindDirCorrection int16         `json:"wind_dir_correction,omitempty"`
}

// ShouldReadCalibration reports whether calibration words are loaded on
// connect. Unset means yes.
func (d *DeviceData) ShouldReadCalibration() bool {
	return d.ReadCalibration == nil || *d.ReadCalibration
}

// SinkData holds the configuration for the places loop packets are delivered.
// More than one sink can be used simultaneously.
type SinkData struct {
	JSONLines  *JSONLinesData  `json:"jsonlines,omitempty"`
	MQTT       *MQTTData       `json:"mqtt,omitempty"`
	Prometheus *PrometheusData `json:"prometheus,omitempty"`
}

// JSONLinesData writes one JSON document per loop packet. Path "-" (or empty) is stdout.
type JSONLinesData struct {
	Path string `json:"path"`
}

type MQTTData struct {
	Broker   string `json:"broker"`
	Topic    string `json:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	QoS      byte   `json:"qos,omitempty"`
	Retain   bool   `json:"retain,omitempty"`
}

type PrometheusData struct {
	Namespace string `json:"namespace,omitempty"`
}

// APIData configures the status/control server
type APIData struct {
	ListenAddr string `json:"listen_addr,omitempty"`
	Port       int    `json:"port,omitempty"`
	Cert       string `json:"cert,omitempty"`
	Key        string `json:"key,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
}

// ApplyDefaults fills every unset device field with the console's defaults
func ApplyDefaults(d *DeviceData) {
	if d.Name == "" {
		d.Name = DefaultName
	}
	if d.Type == "" {
		d.Type = DefaultStationType
	}
	if d.Model == "" {
		d.Model = DefaultModel
	}
	if d.Driver == "" {
		d.Driver = DefaultDriver
	}
	if d.ConnectionType == "" {
		if d.Hostname != "" && d.SerialDevice == "" {
			d.ConnectionType = "tcp"
		} else {
			d.ConnectionType = DefaultConnectionType
		}
	}
	if d.ConnectionType == "serial" && d.SerialDevice == "" {
		d.SerialDevice = DefaultSerialDevice
	}
	if d.Baud == 0 {
		d.Baud = DefaultBaud
	}
	if d.LoopInterval <= 0 {
		d.LoopInterval = DefaultLoopInterval
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.MaxTries <= 0 {
		d.MaxTries = DefaultMaxTries
	}
	// a negative wait means retry immediately
	if d.RetryWait == 0 {
		d.RetryWait = DefaultRetryWait
	}
	d.WindDirCorrection = d.WindDirCorrection % 360
}

// Validate checks a device configuration after defaults have been applied
func Validate(d DeviceData) error {
	if !strings.EqualFold(d.Type, DefaultStationType) {
		return fmt.Errorf("device [%s]: unsupported station type %q", d.Name, d.Type)
	}

	switch d.ConnectionType {
	case "serial":
		if d.SerialDevice == "" {
			return fmt.Errorf("device [%s]: serial connection requires a port", d.Name)
		}
	case "tcp":
		if d.Hostname == "" || d.Port == "" {
			return fmt.Errorf("device [%s]: tcp connection requires hostname and port", d.Name)
		}
	default:
		return fmt.Errorf("device [%s]: unknown connection type %q", d.Name, d.ConnectionType)
	}
	return nil
}

// findDevice returns the named device from a provider's device list
func findDevice(devices []DeviceData, name string) (*DeviceData, error) {
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

// seconds converts a configuration value in seconds to a duration
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
