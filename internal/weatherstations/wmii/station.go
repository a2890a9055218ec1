// Package wmii polls a Davis Weather Monitor II (or compatible Wizard and
// Perception) console over a serial port or a TCP serial bridge and emits one
// types.Reading per poll.
package wmii

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/internal/weatherstations"
	"github.com/chrissnell/wmii/pkg/config"
	wire "github.com/chrissnell/wmii/pkg/wmii"
	serial "github.com/tarm/goserial"
	"go.uber.org/zap"
)

const (
	// pause between consecutive calibration word reads so the console can catch up
	defaultCommandDelay = time.Second

	serialReconnectDelay  = 30 * time.Second
	networkReconnectDelay = 5 * time.Second

	windAverageSpan = 10 * time.Minute
)

var (
	// ErrRetriesExceeded is returned when every attempt to read a LOOP packet failed
	ErrRetriesExceeded = errors.New("max retries exceeded")
	// ErrTimeout is returned when the console does not answer within the read timeout
	ErrTimeout = errors.New("timed out waiting for console")
	// ErrNotConnected is returned for exchanges attempted while the port is closed
	ErrNotConnected = errors.New("console not connected")
	// ErrInvalidCalibration is returned for calibration values the console cannot use
	ErrInvalidCalibration = errors.New("invalid calibration")
)

// Dialer opens the connection to the console
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Station holds our Weather Monitor II connection along with the state
// carried between polls
type Station struct {
	ctx                context.Context
	cancel             context.CancelFunc
	wg                 *sync.WaitGroup
	config             config.DeviceData
	ReadingDistributor chan types.Reading
	logger             *zap.SugaredLogger

	dial           Dialer
	reconnectDelay time.Duration
	commandDelay   time.Duration
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error

	// ioMu serializes command/response exchanges
	ioMu sync.Mutex
	link *link

	connectedMu sync.RWMutex
	connected   bool

	// stateMu guards the calibration and the values carried between polls
	stateMu  sync.Mutex
	cal      wire.Calibration
	lastRain *float64
	wind     *windWindow
}

// Option customizes a Station
type Option func(*Station)

// WithDialer replaces the serial/TCP dialer
func WithDialer(d Dialer) Option {
	return func(s *Station) { s.dial = d }
}

// WithCommandDelay sets the pause before each calibration word read or write
func WithCommandDelay(d time.Duration) Option {
	return func(s *Station) { s.commandDelay = d }
}

// WithReconnectDelay sets the wait between failed connection attempts
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Station) { s.reconnectDelay = d }
}

// WithClock replaces the time source used for packet timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Station) { s.now = now }
}

// NewStation creates a station for the named device in the configuration
func NewStation(ctx context.Context, wg *sync.WaitGroup, configProvider config.ConfigProvider, deviceName string, distributor chan types.Reading, logger *zap.SugaredLogger, opts ...Option) (*Station, error) {
	device, err := weatherstations.LoadDeviceConfig(configProvider, deviceName)
	if err != nil {
		return nil, err
	}
	return New(ctx, wg, *device, distributor, logger, opts...)
}

// New creates a station from a device configuration
func New(ctx context.Context, wg *sync.WaitGroup, cfg config.DeviceData, distributor chan types.Reading, logger *zap.SugaredLogger, opts ...Option) (*Station, error) {
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.GetSugaredLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Station{
		ctx:                ctx,
		cancel:             cancel,
		wg:                 wg,
		config:             cfg,
		ReadingDistributor: distributor,
		logger:             logger,
		commandDelay:       defaultCommandDelay,
		now:                time.Now,
		sleep:              sleepContext,
		cal:                wire.DefaultCalibration(),
		wind:               newWindWindow(windAverageSpan),
	}

	switch cfg.ConnectionType {
	case "tcp":
		logger.Infof("configuring Weather Monitor II station [%s] via TCP/IP at %s:%s", cfg.Name, cfg.Hostname, cfg.Port)
		s.dial = s.dialNetwork
		s.reconnectDelay = networkReconnectDelay
	default:
		logger.Infof("configuring Weather Monitor II station [%s] via serial port %s", cfg.Name, cfg.SerialDevice)
		s.dial = s.dialSerial
		s.reconnectDelay = serialReconnectDelay
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Station) StationName() string {
	return s.config.Name
}

// HardwareName returns the configured console model
func (s *Station) HardwareName() string {
	return s.config.Model
}

// Connected reports whether the console port is open
func (s *Station) Connected() bool {
	s.connectedMu.RLock()
	defer s.connectedMu.RUnlock()
	return s.connected
}

// StartWeatherStation launches the station-polling goroutine. Connecting
// happens in the background and is retried until the station is stopped.
func (s *Station) StartWeatherStation() error {
	log.Infof("Starting Weather Monitor II station [%v]...", s.config.Name)

	if s.wg != nil {
		s.wg.Add(1)
	}
	go s.run()

	return nil
}

// StopWeatherStation cancels polling and closes the port
func (s *Station) StopWeatherStation() error {
	s.logger.Infof("stopping Weather Monitor II station [%s]", s.config.Name)
	s.cancel()
	return s.closeLink()
}

func (s *Station) run() {
	if s.wg != nil {
		defer s.wg.Done()
	}
	defer s.closeLink()

	for {
		if err := s.Connect(); err != nil {
			s.logger.Info("cancellation request received. Stopping station")
			return
		}

		s.initialize(s.ctx)

		err := s.pollLoop()
		if s.ctx.Err() != nil {
			s.logger.Info("cancellation request received. Stopping station")
			return
		}

		s.logger.Error(err)
		s.closeLink()
		s.logger.Info("attempting to reconnect...")
	}
}

// pollLoop emits a reading every loop interval until the context is done or
// the console stops answering
func (s *Station) pollLoop() error {
	s.logger.Info("starting Weather Monitor II LOOP packet getter")
	for {
		reading, err := s.PollOnce(s.ctx)
		if err != nil {
			return err
		}

		select {
		case s.ReadingDistributor <- reading:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}

		if err := s.sleep(s.ctx, s.config.LoopInterval); err != nil {
			return err
		}
	}
}

// initialize loads calibration and sets the console clock after a connect.
// Failures are logged; polling continues with the previous calibration.
func (s *Station) initialize(ctx context.Context) {
	if s.config.ShouldReadCalibration() {
		if _, err := s.GetCalibration(ctx); err != nil {
			s.logger.Warnf("could not read calibration, using %+v: %v", s.Calibration(), err)
		}
	}

	if s.config.SyncClock {
		if err := s.SetTime(ctx, s.now()); err != nil {
			s.logger.Warnf("could not set console clock: %v", err)
		}
	}
}

// Connect opens the serial port or TCP connection, retrying until it
// succeeds or the station is stopped
func (s *Station) Connect() error {
	for {
		s.logger.Infof("connecting to Weather Monitor II station [%s]...", s.config.Name)
		rwc, err := s.dial(s.ctx)
		if err == nil {
			s.ioMu.Lock()
			s.link = newLink(rwc, s.config.DebugSerial > 0, s.logger)
			s.ioMu.Unlock()
			s.setConnected(true)
			s.logger.Infof("connected to Weather Monitor II station [%s]", s.config.Name)
			return nil
		}

		s.logger.Errorf("could not connect to station [%s]: %v", s.config.Name, err)
		s.logger.Errorf("sleeping %v and trying again", s.reconnectDelay)

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Station) dialSerial(ctx context.Context) (io.ReadWriteCloser, error) {
	sc := &serial.Config{Name: s.config.SerialDevice, Baud: s.config.Baud}
	s.logger.Debugf("attempting to open serial port %s at %d baud", s.config.SerialDevice, s.config.Baud)
	rwc, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", s.config.SerialDevice, err)
	}
	return rwc, nil
}

func (s *Station) dialNetwork(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.config.Hostname, s.config.Port))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Station) setConnected(c bool) {
	s.connectedMu.Lock()
	defer s.connectedMu.Unlock()
	s.connected = c
}

func (s *Station) closeLink() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.setConnected(false)
	if s.link == nil {
		return nil
	}
	err := s.link.close()
	s.link = nil
	return err
}

// acquire takes the console for one exchange. The returned context is also
// done when the station stops.
func (s *Station) acquire(ctx context.Context) (context.Context, func()) {
	s.ioMu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		s.ioMu.Unlock()
	}
}

// command sends a request and waits for the console's ACK. Callers hold ioMu.
func (s *Station) command(ctx context.Context, req []byte) error {
	if s.link == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.link.flush()
	if err := s.link.write(req); err != nil {
		return err
	}

	ack, err := s.link.read(ctx, 1, s.config.Timeout)
	if err != nil {
		return fmt.Errorf("%w: %w", wire.ErrNoAck, err)
	}
	if ack[0] != wire.ACK {
		return fmt.Errorf("%w: got %#02x", wire.ErrNoAck, ack[0])
	}
	return nil
}

// GetReadings performs one LOOP exchange and returns the validated raw packet
func (s *Station) GetReadings(ctx context.Context) (wire.LoopPacket, error) {
	ctx, release := s.acquire(ctx)
	defer release()

	if err := s.command(ctx, wire.EncodeLoop(1)); err != nil {
		return wire.LoopPacket{}, err
	}

	header, err := s.link.read(ctx, 1, s.config.Timeout)
	if err != nil {
		return wire.LoopPacket{}, fmt.Errorf("%w: %w", wire.ErrBadHeader, err)
	}
	if header[0] != wire.LoopHeader {
		return wire.LoopPacket{}, fmt.Errorf("%w: %#02x", wire.ErrBadHeader, header[0])
	}

	body, err := s.link.read(ctx, wire.LoopBodySize, s.config.Timeout)
	if err != nil {
		if len(body) > 0 {
			return wire.LoopPacket{}, fmt.Errorf("%w: len %d: %w", wire.ErrShortPacket, len(body), err)
		}
		return wire.LoopPacket{}, err
	}

	return wire.DecodeLoop(body)
}

// GetReadingsWithRetry calls GetReadings up to MaxTries times, waiting
// RetryWait between attempts
func (s *Station) GetReadingsWithRetry(ctx context.Context) (wire.LoopPacket, error) {
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxTries; attempt++ {
		p, err := s.GetReadings(ctx)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return wire.LoopPacket{}, ctx.Err()
		}

		lastErr = err
		s.logger.Infof("failed attempt %d of %d to get readings: %v", attempt, s.config.MaxTries, err)

		if attempt < s.config.MaxTries && s.config.RetryWait > 0 {
			if err := s.sleep(ctx, s.config.RetryWait); err != nil {
				return wire.LoopPacket{}, err
			}
		}
	}

	s.logger.Errorf("max retries (%d) exceeded for readings", s.config.MaxTries)
	return wire.LoopPacket{}, fmt.Errorf("%w (%d) for readings: %w", ErrRetriesExceeded, s.config.MaxTries, lastErr)
}

// PollOnce reads one packet and converts it to a Reading. The timestamp is
// taken before the exchange, rounded to the second.
func (s *Station) PollOnce(ctx context.Context) (types.Reading, error) {
	ts := s.now().Round(time.Second)

	p, err := s.GetReadingsWithRetry(ctx)
	if err != nil {
		return types.Reading{}, err
	}

	return s.convert(ts, p), nil
}

func (s *Station) convert(ts time.Time, p wire.LoopPacket) types.Reading {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	obs := s.cal.Apply(p)
	windDir := weatherstations.CorrectWindDir(float32(obs.WindDir), s.config.WindDirCorrection)
	speed10, dir10 := s.wind.add(ts, obs.WindSpeed, float64(windDir))

	r := types.Reading{
		Timestamp:       ts,
		StationName:     s.config.Name,
		StationType:     config.DefaultStationType,
		UsUnits:         types.US,
		Barometer:       float32(obs.Barometer),
		InTemp:          float32(obs.InTemp),
		InHumidity:      float32(obs.InHumidity),
		OutTemp:         float32(obs.OutTemp),
		OutHumidity:     float32(obs.OutHumidity),
		WindSpeed:       float32(obs.WindSpeed),
		WindSpeed10:     float32(speed10),
		WindDir:         windDir,
		WindDir10:       float32(dir10),
		RainTotal:       float32(obs.RainTotal),
		RainIncremental: float32(s.rainDelta(obs.RainTotal)),
		RainClicks:      p.RainTotal,
	}
	r.WindChill = weatherstations.CalculateWindChill(r.OutTemp, r.WindSpeed)
	r.HeatIndex = weatherstations.CalculateHeatIndex(r.OutTemp, r.OutHumidity)
	r.DewPoint = weatherstations.CalculateDewPoint(r.OutTemp, r.OutHumidity)

	return r
}

// rainDelta returns the rain since the previous poll. The first poll and a
// counter that went backwards both report zero. Callers hold stateMu.
func (s *Station) rainDelta(total float64) float64 {
	last := s.lastRain
	s.lastRain = &total

	if last == nil {
		return 0
	}
	if total < *last {
		s.logger.Infof("rain counter reset detected: new=%v old=%v", total, *last)
		return 0
	}
	return total - *last
}

// Calibration returns the calibration used to convert packets
func (s *Station) Calibration() wire.Calibration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.cal
}

func (s *Station) setCalibration(cal wire.Calibration) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.cal = cal
}

// readMemory reads console memory. Callers hold ioMu.
func (s *Station) readMemory(ctx context.Context, a wire.Address) ([]byte, error) {
	req, err := wire.EncodeReadWRD(a)
	if err != nil {
		return nil, err
	}
	if err := s.command(ctx, req); err != nil {
		return nil, fmt.Errorf("reading %v: %w", a, err)
	}
	data, err := s.link.read(ctx, a.Size(), s.config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("reading %v: %w", a, err)
	}
	return data, nil
}

// writeMemory writes console memory. Callers hold ioMu.
func (s *Station) writeMemory(ctx context.Context, a wire.Address, data []byte) error {
	req, err := wire.EncodeWriteWRD(a, data)
	if err != nil {
		return err
	}
	if err := s.command(ctx, req); err != nil {
		return fmt.Errorf("writing %v: %w", a, err)
	}
	return nil
}

// SendStart sends the START command
func (s *Station) SendStart(ctx context.Context) error {
	ctx, release := s.acquire(ctx)
	defer release()
	return s.command(ctx, wire.EncodeStart())
}

// GetTime reads the console clock. The console does not store a year, so
// the host's current year is assumed.
func (s *Station) GetTime(ctx context.Context) (time.Time, error) {
	ctx, release := s.acquire(ctx)
	defer release()
	return s.getTime(ctx)
}

func (s *Station) getTime(ctx context.Context) (time.Time, error) {
	clock, err := s.readMemory(ctx, wire.ClockAddress)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, sec, err := wire.DecodeClock(clock)
	if err != nil {
		return time.Time{}, err
	}

	date, err := s.readMemory(ctx, wire.DateAddress)
	if err != nil {
		return time.Time{}, err
	}
	day, month, err := wire.DecodeDate(date)
	if err != nil {
		return time.Time{}, err
	}

	s.logger.Debugf("station time: month:%d day:%d %d:%d:%d", month, day, hour, minute, sec)

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("console returned an invalid time: %02d/%02d %02d:%02d:%02d", month, day, hour, minute, sec)
	}

	now := s.now()
	return time.Date(now.Year(), time.Month(month), day, hour, minute, sec, 0, now.Location()), nil
}

// SetTime sets the console clock and date to t
func (s *Station) SetTime(ctx context.Context, t time.Time) error {
	ctx, release := s.acquire(ctx)
	defer release()

	if current, err := s.getTime(ctx); err == nil {
		s.logger.Debugf("console clock is %v, off by %v", current, t.Sub(current).Round(time.Second))
	}

	s.logger.Debug("attempting to set station's time...")
	if err := s.writeMemory(ctx, wire.ClockAddress, wire.EncodeClock(t.Hour(), t.Minute(), t.Second())); err != nil {
		return err
	}
	s.logger.Debugf("set station time = %d:%d:%d", t.Hour(), t.Minute(), t.Second())

	s.logger.Debug("attempting to set station's date...")
	if err := s.writeMemory(ctx, wire.DateAddress, wire.EncodeDate(t.Day(), int(t.Month()))); err != nil {
		return err
	}
	s.logger.Debugf("set station date = month:%d day:%d", t.Month(), t.Day())

	return nil
}

var calibrationWords = []struct {
	name string
	addr wire.Address
	get  func(c *wire.Calibration) *int16
}{
	{"inTemp", wire.InTempCalAddress, func(c *wire.Calibration) *int16 { return &c.InTemp }},
	{"outTemp", wire.OutTempCalAddress, func(c *wire.Calibration) *int16 { return &c.OutTemp }},
	{"rain", wire.RainCalAddress, func(c *wire.Calibration) *int16 { return &c.Rain }},
	{"outHumidity", wire.OutHumidityCalAddress, func(c *wire.Calibration) *int16 { return &c.OutHumidity }},
	{"barometer", wire.BarometerCalAddress, func(c *wire.Calibration) *int16 { return &c.Barometer }},
}

// GetCalibration reads the calibration words from the console and uses them
// for subsequent conversions
func (s *Station) GetCalibration(ctx context.Context) (wire.Calibration, error) {
	ctx, release := s.acquire(ctx)
	defer release()

	cal := wire.DefaultCalibration()
	for _, w := range calibrationWords {
		if err := s.sleep(ctx, s.commandDelay); err != nil {
			return wire.Calibration{}, err
		}
		data, err := s.readMemory(ctx, w.addr)
		if err != nil {
			return wire.Calibration{}, fmt.Errorf("reading %s calibration: %w", w.name, err)
		}
		v, err := wire.DecodeWord(data)
		if err != nil {
			return wire.Calibration{}, fmt.Errorf("decoding %s calibration: %w", w.name, err)
		}
		*w.get(&cal) = v
	}

	s.logger.Debugf("station calibrations: inTemp:%d, outTemp:%d, rain:%d, inHum:%d, outHum:%d, pressure:%d, wind:%d",
		cal.InTemp, cal.OutTemp, cal.Rain, cal.InHumidity, cal.OutHumidity, cal.Barometer, cal.Wind)

	s.setCalibration(cal)
	return cal, nil
}

// SetCalibration writes the calibration words to the console and returns the
// calibration now in use. InHumidity and Wind have no console storage and keep
// their defaults.
func (s *Station) SetCalibration(ctx context.Context, cal wire.Calibration) (wire.Calibration, error) {
	if cal.Rain <= 0 {
		return wire.Calibration{}, fmt.Errorf("%w: rain calibration must be positive, got %d", ErrInvalidCalibration, cal.Rain)
	}

	ctx, release := s.acquire(ctx)
	defer release()

	for _, w := range calibrationWords {
		if err := s.sleep(ctx, s.commandDelay); err != nil {
			return wire.Calibration{}, err
		}
		if err := s.writeMemory(ctx, w.addr, wire.EncodeWord(*w.get(&cal))); err != nil {
			return wire.Calibration{}, fmt.Errorf("writing %s calibration: %w", w.name, err)
		}
	}

	stored := wire.DefaultCalibration()
	for _, w := range calibrationWords {
		*w.get(&stored) = *w.get(&cal)
	}
	s.setCalibration(stored)
	return stored, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
