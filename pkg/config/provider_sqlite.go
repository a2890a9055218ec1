package config

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS devices (
	name                TEXT PRIMARY KEY,
	type                TEXT NOT NULL DEFAULT 'wmII',
	model               TEXT,
	driver              TEXT,
	enabled             INTEGER NOT NULL DEFAULT 1,
	connection_type     TEXT,
	serial_device       TEXT,
	hostname            TEXT,
	port                TEXT,
	baud                INTEGER,
	loop_interval       REAL,
	timeout             REAL,
	max_tries           INTEGER,
	retry_wait          REAL,
	debug_serial        INTEGER,
	read_calibration    INTEGER,
	sync_clock          INTEGER NOT NULL DEFAULT 0,
	wind_dir_correction INTEGER
);

CREATE TABLE IF NOT EXISTS sinks (
	sink_type TEXT PRIMARY KEY,
	enabled   INTEGER NOT NULL DEFAULT 1,
	path      TEXT,
	broker    TEXT,
	topic     TEXT,
	client_id TEXT,
	username  TEXT,
	password  TEXT,
	qos       INTEGER,
	retain    INTEGER,
	namespace TEXT
);

CREATE TABLE IF NOT EXISTS api (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	listen_addr TEXT,
	port        INTEGER,
	cert        TEXT,
	key         TEXT,
	auth_token  TEXT
);
`

// SQLiteProvider implements ConfigProvider for SQLite database configuration
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider opens (creating if needed) a SQLite configuration database
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// LoadConfig loads the complete configuration from SQLite database
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	config := &ConfigData{}

	devices, err := s.GetDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	config.Devices = devices

	sinks, err := s.GetSinks()
	if err != nil {
		return nil, fmt.Errorf("failed to load sinks: %w", err)
	}
	config.Sinks = *sinks

	api, err := s.GetAPIConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load api config: %w", err)
	}
	config.API = api

	return config, nil
}

// GetDevices returns device configurations from the database
func (s *SQLiteProvider) GetDevices() ([]DeviceData, error) {
	query := `
		SELECT name, type, model, driver, enabled, connection_type,
		       serial_device, hostname, port, baud,
		       loop_interval, timeout, max_tries, retry_wait,
		       debug_serial, read_calibration, sync_clock, wind_dir_correction
		FROM devices
		ORDER BY name
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceData
	for rows.Next() {
		var device DeviceData
		var model, driver, connectionType, serialDevice, hostname, port sql.NullString
		var baud, maxTries, debugSerial, readCalibration, windDirCorrection sql.NullInt64
		var loopInterval, timeout, retryWait sql.NullFloat64

		err := rows.Scan(
			&device.Name, &device.Type, &model, &driver, &device.Enabled, &connectionType,
			&serialDevice, &hostname, &port, &baud,
			&loopInterval, &timeout, &maxTries, &retryWait,
			&debugSerial, &readCalibration, &device.SyncClock, &windDirCorrection,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}

		// NULL columns are left at their zero value and picked up by ApplyDefaults
		device.Model = model.String
		device.Driver = driver.String
		device.ConnectionType = connectionType.String
		device.SerialDevice = serialDevice.String
		device.Hostname = hostname.String
		device.Port = port.String
		device.Baud = int(baud.Int64)
		device.LoopInterval = seconds(loopInterval.Float64)
		device.Timeout = seconds(timeout.Float64)
		device.MaxTries = int(maxTries.Int64)
		device.RetryWait = seconds(retryWait.Float64)
		device.DebugSerial = int(debugSerial.Int64)
		device.WindDirCorrection = int16(windDirCorrection.Int64)
		if readCalibration.Valid {
			readCal := readCalibration.Int64 != 0
			device.ReadCalibration = &readCal
		}

		ApplyDefaults(&device)
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// GetDevice returns the named device
func (s *SQLiteProvider) GetDevice(name string) (*DeviceData, error) {
	devices, err := s.GetDevices()
	if err != nil {
		return nil, err
	}
	return findDevice(devices, name)
}

// GetSinks returns the enabled sinks from the database
func (s *SQLiteProvider) GetSinks() (*SinkData, error) {
	query := `
		SELECT sink_type, path, broker, topic, client_id, username, password,
		       qos, retain, namespace
		FROM sinks
		WHERE enabled = 1
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sinks: %w", err)
	}
	defer rows.Close()

	sinks := &SinkData{}
	for rows.Next() {
		var sinkType string
		var path, broker, topic, clientID, username, password, namespace sql.NullString
		var qos, retain sql.NullInt64

		err := rows.Scan(&sinkType, &path, &broker, &topic, &clientID, &username, &password,
			&qos, &retain, &namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sink row: %w", err)
		}

		switch sinkType {
		case "jsonlines":
			sinks.JSONLines = &JSONLinesData{Path: path.String}
		case "mqtt":
			sinks.MQTT = &MQTTData{
				Broker:   broker.String,
				Topic:    topic.String,
				ClientID: clientID.String,
				Username: username.String,
				Password: password.String,
				QoS:      byte(qos.Int64),
				Retain:   retain.Int64 != 0,
			}
		case "prometheus":
			sinks.Prometheus = &PrometheusData{Namespace: namespace.String}
		default:
			return nil, fmt.Errorf("unknown sink type %q", sinkType)
		}
	}

	return sinks, rows.Err()
}

// GetAPIConfig returns the API server configuration, or nil when none is configured
func (s *SQLiteProvider) GetAPIConfig() (*APIData, error) {
	query := `SELECT listen_addr, port, cert, key, auth_token FROM api WHERE id = 1`

	var listenAddr, cert, key, authToken sql.NullString
	var port sql.NullInt64
	err := s.db.QueryRow(query).Scan(&listenAddr, &port, &cert, &key, &authToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api config: %w", err)
	}

	api := &APIData{
		ListenAddr: listenAddr.String,
		Port:       int(port.Int64),
		Cert:       cert.String,
		Key:        key.String,
		AuthToken:  authToken.String,
	}
	if api.Port == 0 {
		api.Port = DefaultAPIPort
	}
	return api, nil
}

// UpsertDevice creates or replaces a device row
func (s *SQLiteProvider) UpsertDevice(d DeviceData) error {
	query := `
		INSERT INTO devices (name, type, model, driver, enabled, connection_type,
		                     serial_device, hostname, port, baud,
		                     loop_interval, timeout, max_tries, retry_wait,
		                     debug_serial, read_calibration, sync_clock, wind_dir_correction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type, model = excluded.model, driver = excluded.driver,
			enabled = excluded.enabled, connection_type = excluded.connection_type,
			serial_device = excluded.serial_device, hostname = excluded.hostname,
			port = excluded.port, baud = excluded.baud,
			loop_interval = excluded.loop_interval, timeout = excluded.timeout,
			max_tries = excluded.max_tries, retry_wait = excluded.retry_wait,
			debug_serial = excluded.debug_serial, read_calibration = excluded.read_calibration,
			sync_clock = excluded.sync_clock, wind_dir_correction = excluded.wind_dir_correction
	`

	var readCal sql.NullInt64
	if d.ReadCalibration != nil {
		readCal.Valid = true
		if *d.ReadCalibration {
			readCal.Int64 = 1
		}
	}

	_, err := s.db.Exec(query,
		d.Name, d.Type, d.Model, d.Driver, d.Enabled, d.ConnectionType,
		d.SerialDevice, d.Hostname, d.Port, d.Baud,
		d.LoopInterval.Seconds(), d.Timeout.Seconds(), d.MaxTries, d.RetryWait.Seconds(),
		d.DebugSerial, readCal, d.SyncClock, d.WindDirCorrection,
	)
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", d.Name, err)
	}
	return nil
}

// SetAPIConfig stores the API server configuration
func (s *SQLiteProvider) SetAPIConfig(api APIData) error {
	query := `
		INSERT INTO api (id, listen_addr, port, cert, key, auth_token)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			listen_addr = excluded.listen_addr, port = excluded.port, cert = excluded.cert,
			key = excluded.key, auth_token = excluded.auth_token
	`
	if _, err := s.db.Exec(query, api.ListenAddr, api.Port, api.Cert, api.Key, api.AuthToken); err != nil {
		return fmt.Errorf("failed to save api config: %w", err)
	}
	return nil
}

// SetSinks replaces the stored sink configuration
func (s *SQLiteProvider) SetSinks(sinks SinkData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM sinks`); err != nil {
		return fmt.Errorf("failed to clear sinks: %w", err)
	}

	insert := `
		INSERT INTO sinks (sink_type, path, broker, topic, client_id, username, password, qos, retain, namespace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if j := sinks.JSONLines; j != nil {
		if _, err := tx.Exec(insert, "jsonlines", j.Path, nil, nil, nil, nil, nil, nil, nil, nil); err != nil {
			return fmt.Errorf("failed to save jsonlines sink: %w", err)
		}
	}
	if m := sinks.MQTT; m != nil {
		if _, err := tx.Exec(insert, "mqtt", nil, m.Broker, m.Topic, m.ClientID, m.Username, m.Password, m.QoS, m.Retain, nil); err != nil {
			return fmt.Errorf("failed to save mqtt sink: %w", err)
		}
	}
	if p := sinks.Prometheus; p != nil {
		if _, err := tx.Exec(insert, "prometheus", nil, nil, nil, nil, nil, nil, nil, nil, p.Namespace); err != nil {
			return fmt.Errorf("failed to save prometheus sink: %w", err)
		}
	}

	return tx.Commit()
}

// IsReadOnly returns false since SQLite provider supports writes
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
