package config

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// WeewxProvider reads the driver stanza from a weewx-style configuration file:
//
//	[Station]
//	    station_type = wmII
//	[wmII]
//	    model = Weather Monitor II
//	    loop_interval = 2
//	    driver = user.wmII
//	    type = serial
//	    port = /dev/ttyUSB0
//
// Sinks and the API server are configured in optional child sections named
// after the driver section, e.g. [wmII.mqtt] or [wmII.api].
type WeewxProvider struct {
	filename string
}

// NewWeewxProvider creates a provider for a weewx configuration file
func NewWeewxProvider(filename string) *WeewxProvider {
	return &WeewxProvider{filename: filename}
}

func loadWeewx(filename string) (*ini.File, error) {
	return ini.LoadSources(ini.LoadOptions{
		SkipUnrecognizableLines: true,
		AllowBooleanKeys:        true,
	}, filename)
}

// LoadConfig loads the complete configuration from the weewx file
func (w *WeewxProvider) LoadConfig() (*ConfigData, error) {
	cfg, err := loadWeewx(w.filename)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", w.filename, err)
	}

	stationType := cfg.Section("Station").Key("station_type").MustString(DefaultStationType)
	sec, err := cfg.GetSection(stationType)
	if err != nil {
		return nil, fmt.Errorf("%s: station_type is %q but there is no [%s] section", w.filename, stationType, stationType)
	}

	device := DeviceData{
		Name:              sec.Name(),
		Type:              stationType,
		Model:             sec.Key("model").String(),
		Driver:            sec.Key("driver").String(),
		Enabled:           true,
		ConnectionType:    sec.Key("type").String(),
		SerialDevice:      sec.Key("port").String(),
		Hostname:          sec.Key("host").String(),
		Port:              sec.Key("tcp_port").String(),
		Baud:              sec.Key("baud").MustInt(0),
		LoopInterval:      seconds(sec.Key("loop_interval").MustFloat64(0)),
		Timeout:           seconds(sec.Key("timeout").MustFloat64(0)),
		MaxTries:          sec.Key("max_tries").MustInt(0),
		RetryWait:         seconds(sec.Key("retry_wait").MustFloat64(0)),
		DebugSerial:       sec.Key("debug_serial").MustInt(0),
		SyncClock:         sec.Key("sync_clock").MustBool(false),
		WindDirCorrection: int16(sec.Key("wind_dir_correction").MustInt(0)),
	}
	if sec.HasKey("read_calibration") {
		readCal := sec.Key("read_calibration").MustBool(true)
		device.ReadCalibration = &readCal
	}
	if device.ConnectionType == "tcp" {
		device.SerialDevice = ""
	}
	ApplyDefaults(&device)

	config := &ConfigData{Devices: []DeviceData{device}}

	if s, err := cfg.GetSection(stationType + ".jsonlines"); err == nil {
		config.Sinks.JSONLines = &JSONLinesData{Path: s.Key("path").String()}
	}
	if s, err := cfg.GetSection(stationType + ".mqtt"); err == nil {
		config.Sinks.MQTT = &MQTTData{
			Broker:   s.Key("broker").String(),
			Topic:    s.Key("topic").String(),
			ClientID: s.Key("client_id").String(),
			Username: s.Key("username").String(),
			Password: s.Key("password").String(),
			QoS:      byte(s.Key("qos").MustUint(0)),
			Retain:   s.Key("retain").MustBool(false),
		}
	}
	if s, err := cfg.GetSection(stationType + ".prometheus"); err == nil {
		config.Sinks.Prometheus = &PrometheusData{Namespace: s.Key("namespace").String()}
	}
	if s, err := cfg.GetSection(stationType + ".api"); err == nil {
		config.API = &APIData{
			ListenAddr: s.Key("listen_addr").String(),
			Port:       s.Key("port").MustInt(DefaultAPIPort),
			Cert:       s.Key("cert").String(),
			Key:        s.Key("key").String(),
			AuthToken:  s.Key("auth_token").String(),
		}
	}

	return config, nil
}

// GetDevices returns the single configured console
func (w *WeewxProvider) GetDevices() ([]DeviceData, error) {
	config, err := w.LoadConfig()
	if err != nil {
		return nil, err
	}
	return config.Devices, nil
}

// GetDevice returns the named device
func (w *WeewxProvider) GetDevice(name string) (*DeviceData, error) {
	devices, err := w.GetDevices()
	if err != nil {
		return nil, err
	}
	return findDevice(devices, name)
}

// GetSinks returns sink configuration
func (w *WeewxProvider) GetSinks() (*SinkData, error) {
	config, err := w.LoadConfig()
	if err != nil {
		return nil, err
	}
	return &config.Sinks, nil
}

// GetAPIConfig returns the API server configuration, or nil when none is configured
func (w *WeewxProvider) GetAPIConfig() (*APIData, error) {
	config, err := w.LoadConfig()
	if err != nil {
		return nil, err
	}
	return config.API, nil
}

// IsReadOnly returns true; the file is only changed by AppendStanza
func (w *WeewxProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for the weewx provider
func (w *WeewxProvider) Close() error {
	return nil
}
