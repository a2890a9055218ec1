package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLProvider implements ConfigProvider for YAML configuration files
type YAMLProvider struct {
	filename string
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{
		filename: filename,
	}
}

// DeviceYAML is the on-disk form of a device. Durations are in seconds.
type DeviceYAML struct {
	Name              string  `yaml:"name"`
	Type              string  `yaml:"type,omitempty"`
	Model             string  `yaml:"model,omitempty"`
	Driver            string  `yaml:"driver,omitempty"`
	Enabled           *bool   `yaml:"enabled,omitempty"`
	ConnectionType    string  `yaml:"connection-type,omitempty"`
	SerialDevice      string  `yaml:"serial-device,omitempty"`
	Hostname          string  `yaml:"hostname,omitempty"`
	Port              string  `yaml:"port,omitempty"`
	Baud              int     `yaml:"baud,omitempty"`
	LoopInterval      float64 `yaml:"loop-interval,omitempty"`
	Timeout           float64 `yaml:"timeout,omitempty"`
	MaxTries          int     `yaml:"max-tries,omitempty"`
	RetryWait         float64 `yaml:"retry-wait,omitempty"`
	DebugSerial       int     `yaml:"debug-serial,omitempty"`
	ReadCalibration   *bool   `yaml:"read-calibration,omitempty"`
	SyncClock         bool    `yaml:"sync-clock,omitempty"`
	WindDirCorrection int16   `yaml:"wind-dir-correction,omitempty"`
}

type SinksYAML struct {
	JSONLines  *JSONLinesYAML  `yaml:"jsonlines,omitempty"`
	MQTT       *MQTTYAML       `yaml:"mqtt,omitempty"`
	Prometheus *PrometheusYAML `yaml:"prometheus,omitempty"`
}

type JSONLinesYAML struct {
	Path string `yaml:"path,omitempty"`
}

type MQTTYAML struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic,omitempty"`
	ClientID string `yaml:"client-id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
	Retain   bool   `yaml:"retain,omitempty"`
}

type PrometheusYAML struct {
	Namespace string `yaml:"namespace,omitempty"`
}

type APIYAML struct {
	ListenAddr string `yaml:"listen-addr,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	Cert       string `yaml:"cert,omitempty"`
	Key        string `yaml:"key,omitempty"`
	AuthToken  string `yaml:"auth-token,omitempty"`
}

type configYAML struct {
	Devices []DeviceYAML `yaml:"devices"`
	Sinks   SinksYAML    `yaml:"sinks,omitempty"`
	API     *APIYAML     `yaml:"api,omitempty"`
}

// LoadConfig loads the complete configuration from YAML file
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	cfgFile, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, err
	}

	var yamlConfig configYAML
	if err := yaml.Unmarshal(cfgFile, &yamlConfig); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", y.filename, err)
	}

	config := &ConfigData{
		Devices: make([]DeviceData, len(yamlConfig.Devices)),
	}

	for i, device := range yamlConfig.Devices {
		config.Devices[i] = DeviceData{
			Name:              device.Name,
			Type:              device.Type,
			Model:             device.Model,
			Driver:            device.Driver,
			Enabled:           device.Enabled == nil || *device.Enabled,
			ConnectionType:    device.ConnectionType,
			SerialDevice:      device.SerialDevice,
			Hostname:          device.Hostname,
			Port:              device.Port,
			Baud:              device.Baud,
			LoopInterval:      seconds(device.LoopInterval),
			Timeout:           seconds(device.Timeout),
			MaxTries:          device.MaxTries,
			RetryWait:         seconds(device.RetryWait),
			DebugSerial:       device.DebugSerial,
			ReadCalibration:   device.ReadCalibration,
			SyncClock:         device.SyncClock,
			WindDirCorrection: device.WindDirCorrection,
		}
		ApplyDefaults(&config.Devices[i])
	}

	if s := yamlConfig.Sinks.JSONLines; s != nil {
		config.Sinks.JSONLines = &JSONLinesData{Path: s.Path}
	}
	if s := yamlConfig.Sinks.MQTT; s != nil {
		config.Sinks.MQTT = &MQTTData{
			Broker:   s.Broker,
			Topic:    s.Topic,
			ClientID: s.ClientID,
			Username: s.Username,
			Password: s.Password,
			QoS:      s.QoS,
			Retain:   s.Retain,
		}
	}
	if s := yamlConfig.Sinks.Prometheus; s != nil {
		config.Sinks.Prometheus = &PrometheusData{Namespace: s.Namespace}
	}

	if a := yamlConfig.API; a != nil {
		config.API = &APIData{
			ListenAddr: a.ListenAddr,
			Port:       a.Port,
			Cert:       a.Cert,
			Key:        a.Key,
			AuthToken:  a.AuthToken,
		}
		if config.API.Port == 0 {
			config.API.Port = DefaultAPIPort
		}
	}

	return config, nil
}

// GetDevices returns device configurations
func (y *YAMLProvider) GetDevices() ([]DeviceData, error) {
	config, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return config.Devices, nil
}

// GetDevice returns the named device
func (y *YAMLProvider) GetDevice(name string) (*DeviceData, error) {
	devices, err := y.GetDevices()
	if err != nil {
		return nil, err
	}
	return findDevice(devices, name)
}

// GetSinks returns sink configuration
func (y *YAMLProvider) GetSinks() (*SinkData, error) {
	config, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &config.Sinks, nil
}

// GetAPIConfig returns the API server configuration, or nil when none is configured
func (y *YAMLProvider) GetAPIConfig() (*APIData, error) {
	config, err := y.LoadConfig()
	if err != nil {
		return nil, err
	}
	return config.API, nil
}

// IsReadOnly returns true since YAML provider is read-only
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML provider
func (y *YAMLProvider) Close() error {
	return nil
}
