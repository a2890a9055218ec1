package wmii

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chrissnell/wmii/internal/emulator"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/pkg/config"
	wire "github.com/chrissnell/wmii/pkg/wmii"
	"go.uber.org/zap"
)

var testPacket = wire.LoopPacket{
	InTemp:      705,
	OutTemp:     523,
	WindSpeed:   10,
	WindDir:     180,
	Barometer:   30012,
	InHumidity:  35,
	OutHumidity: 60,
	RainTotal:   100,
}

func newTestStation(t *testing.T, dial Dialer, mutate func(*config.DeviceData)) *Station {
	t.Helper()

	cfg := config.DeviceData{
		Name:         "test",
		LoopInterval: 10 * time.Millisecond,
		Timeout:      100 * time.Millisecond,
		RetryWait:    7 * time.Millisecond,
		MaxTries:     3,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(context.Background(), &sync.WaitGroup{}, cfg, make(chan types.Reading, 10), zap.NewNop().Sugar(),
		WithDialer(dial), WithCommandDelay(0), WithReconnectDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.StopWeatherStation() })
	return s
}

func connected(t *testing.T, s *Station) *Station {
	t.Helper()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func consoleDialer(c *emulator.Console) Dialer {
	return func(context.Context) (io.ReadWriteCloser, error) {
		return c.Pipe(), nil
	}
}

// scriptedDialer answers each request with the next canned response; a nil
// response stays silent
func scriptedDialer(responses ...[]byte) Dialer {
	return func(context.Context) (io.ReadWriteCloser, error) {
		client, srv := net.Pipe()
		go func() {
			defer srv.Close()
			buf := make([]byte, 64)
			for _, resp := range responses {
				if _, err := srv.Read(buf); err != nil {
					return
				}
				if len(resp) > 0 {
					if _, err := srv.Write(resp); err != nil {
						return
					}
				}
			}
			for {
				if _, err := srv.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func loopResponse(p wire.LoopPacket) []byte {
	return append([]byte{wire.ACK}, p.Frame()...)
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

func TestGetReadings(t *testing.T) {
	console := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{})
	console.Queue(testPacket)

	s := connected(t, newTestStation(t, consoleDialer(console), nil))

	got, err := s.GetReadings(context.Background())
	if err != nil {
		t.Fatalf("GetReadings: %v", err)
	}
	if got != testPacket {
		t.Errorf("GetReadings = %+v, want %+v", got, testPacket)
	}
	if console.LoopCount() != 1 {
		t.Errorf("console sent %d packets, want 1", console.LoopCount())
	}
}

func TestGetReadingsErrors(t *testing.T) {
	good := testPacket.Frame()
	badCRC := append([]byte{wire.ACK}, good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	tests := []struct {
		name     string
		response []byte
		wantErr  error
	}{
		{name: "NAK instead of ACK", response: []byte{wire.NAK}, wantErr: wire.ErrNoAck},
		{name: "wrong header", response: []byte{wire.ACK, 0x02}, wantErr: wire.ErrBadHeader},
		{name: "truncated body", response: append([]byte{wire.ACK}, good[:10]...), wantErr: wire.ErrShortPacket},
		{name: "corrupt CRC", response: badCRC, wantErr: wire.ErrCRC},
		{name: "silent console", response: nil, wantErr: ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := connected(t, newTestStation(t, scriptedDialer(tt.response), nil))
			_, err := s.GetReadings(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GetReadings error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetReadingsNotConnected(t *testing.T) {
	s := newTestStation(t, scriptedDialer(), nil)
	if _, err := s.GetReadings(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("GetReadings error = %v, want ErrNotConnected", err)
	}
}

func TestGetReadingsWithRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		s := connected(t, newTestStation(t, scriptedDialer(
			[]byte{wire.NAK},
			[]byte{wire.ACK, 0x02},
			loopResponse(testPacket),
		), nil))

		var waits int
		s.sleep = func(_ context.Context, d time.Duration) error {
			if d == s.config.RetryWait {
				waits++
			}
			return nil
		}

		got, err := s.GetReadingsWithRetry(context.Background())
		if err != nil {
			t.Fatalf("GetReadingsWithRetry: %v", err)
		}
		if got != testPacket {
			t.Errorf("got %+v, want %+v", got, testPacket)
		}
		if waits != 2 {
			t.Errorf("waited %d times, want 2", waits)
		}
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		s := connected(t, newTestStation(t, scriptedDialer(
			[]byte{wire.NAK},
			[]byte{wire.NAK},
			[]byte{wire.NAK},
			loopResponse(testPacket),
		), nil))

		var waits int
		s.sleep = func(_ context.Context, d time.Duration) error {
			waits++
			return nil
		}

		_, err := s.GetReadingsWithRetry(context.Background())
		if !errors.Is(err, ErrRetriesExceeded) {
			t.Fatalf("error = %v, want ErrRetriesExceeded", err)
		}
		if !errors.Is(err, wire.ErrNoAck) {
			t.Errorf("error = %v, should wrap the last failure", err)
		}
		if waits != 2 {
			t.Errorf("waited %d times, want 2", waits)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		s := connected(t, newTestStation(t, scriptedDialer(), nil))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := s.GetReadingsWithRetry(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestPollOnce(t *testing.T) {
	console := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{})
	console.SetCalibration(wire.Calibration{InTemp: -5, OutTemp: 7, Rain: 50, OutHumidity: -3, Barometer: -12})

	second := testPacket
	second.RainTotal = 125
	second.WindDir = 350
	console.Queue(testPacket, second)

	now := time.Date(2024, 6, 1, 12, 0, 0, 600*int(time.Millisecond), time.UTC)
	s := newTestStation(t, consoleDialer(console), func(d *config.DeviceData) {
		d.WindDirCorrection = 20
	})
	s.now = func() time.Time { return now }
	connected(t, s)

	cal, err := s.GetCalibration(context.Background())
	if err != nil {
		t.Fatalf("GetCalibration: %v", err)
	}
	want := wire.Calibration{InTemp: -5, OutTemp: 7, Rain: 50, OutHumidity: -3, Barometer: -12, Wind: 1600}
	if cal != want {
		t.Errorf("GetCalibration = %+v, want %+v", cal, want)
	}

	first, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if !first.Timestamp.Equal(time.Date(2024, 6, 1, 12, 0, 1, 0, time.UTC)) {
		t.Errorf("Timestamp = %v, want rounded to the second", first.Timestamp)
	}
	if first.StationName != "test" || first.StationType != "wmII" || first.UsUnits != types.US {
		t.Errorf("identity = %q %q %d", first.StationName, first.StationType, first.UsUnits)
	}

	checks := []struct {
		name      string
		got, want float32
	}{
		{"InTemp", first.InTemp, 70.0},
		{"OutTemp", first.OutTemp, 53.0},
		{"Barometer", first.Barometer, 30.0},
		{"InHumidity", first.InHumidity, 35},
		{"OutHumidity", first.OutHumidity, 57},
		{"WindSpeed", first.WindSpeed, 10},
		{"WindDir", first.WindDir, 200},
		{"RainTotal", first.RainTotal, 2.0},
		{"RainIncremental", first.RainIncremental, 0},
	}
	for _, c := range checks {
		if !near(c.got, c.want) {
			t.Errorf("first %s = %v, want %v", c.name, c.got, c.want)
		}
	}

	next, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !near(next.RainTotal, 2.5) || !near(next.RainIncremental, 0.5) {
		t.Errorf("second rain = %v (+%v), want 2.5 (+0.5)", next.RainTotal, next.RainIncremental)
	}
	if !near(next.WindDir, 10) {
		t.Errorf("corrected wind direction = %v, want 10", next.WindDir)
	}
	// 200° and 10° at equal speed average to 285°
	if !near(next.WindDir10, 285) || !near(next.WindSpeed10, 10) {
		t.Errorf("10-minute wind = %v @ %v°", next.WindSpeed10, next.WindDir10)
	}
}

func TestRainDelta(t *testing.T) {
	s := newTestStation(t, scriptedDialer(), nil)

	steps := []struct {
		total float64
		want  float64
	}{
		{total: 1.0, want: 0},
		{total: 1.5, want: 0.5},
		{total: 1.5, want: 0},
		{total: 0.2, want: 0},
		{total: 0.3, want: 0.1},
	}

	for i, step := range steps {
		if got := s.rainDelta(step.total); math.Abs(got-step.want) > 1e-9 {
			t.Errorf("step %d: rainDelta(%v) = %v, want %v", i, step.total, got, step.want)
		}
	}
}

func TestClock(t *testing.T) {
	console := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{})
	s := connected(t, newTestStation(t, consoleDialer(console), nil))

	now := time.Now()
	target := time.Date(now.Year(), time.March, 14, 15, 9, 26, 0, now.Location())

	if err := s.SetTime(context.Background(), target); err != nil {
		t.Fatalf("SetTime: %v", err)
	}

	if drift := console.Time().Sub(target); drift < 0 || drift > 2*time.Second {
		t.Errorf("console clock = %v, want ~%v", console.Time(), target)
	}

	got, err := s.GetTime(context.Background())
	if err != nil {
		t.Fatalf("GetTime: %v", err)
	}
	if drift := got.Sub(target); drift < 0 || drift > 2*time.Second {
		t.Errorf("GetTime = %v, want ~%v", got, target)
	}
}

func TestSetCalibration(t *testing.T) {
	console := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{})
	s := connected(t, newTestStation(t, consoleDialer(console), nil))

	cal := wire.Calibration{InTemp: 3, OutTemp: -8, Rain: 127, InHumidity: 4, OutHumidity: 2, Barometer: 40, Wind: 800}
	stored, err := s.SetCalibration(context.Background(), cal)
	if err != nil {
		t.Fatalf("SetCalibration: %v", err)
	}

	want := wire.Calibration{InTemp: 3, OutTemp: -8, Rain: 127, OutHumidity: 2, Barometer: 40, Wind: 1600}
	if stored != want {
		t.Errorf("SetCalibration returned %+v, want %+v", stored, want)
	}
	if got := console.Calibration(); got != want {
		t.Errorf("console calibration = %+v, want %+v", got, want)
	}
	if got := s.Calibration(); got != want {
		t.Errorf("station calibration = %+v, want %+v", got, want)
	}

	if _, err := s.SetCalibration(context.Background(), wire.Calibration{}); err == nil {
		t.Error("expected an error for a zero rain calibration")
	}
}

func TestStopDuringConsoleCall(t *testing.T) {
	silent := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{Enabled: true, NoResponseRate: 1})
	s := connected(t, newTestStation(t, consoleDialer(silent), func(d *config.DeviceData) {
		d.Timeout = 30 * time.Second
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := s.GetCalibration(context.Background())
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.StopWeatherStation()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopWeatherStation waited for the console call to time out")
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Error("GetCalibration succeeded against a silent console")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetCalibration did not return after stop")
	}
}

func TestSendStart(t *testing.T) {
	console := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{})
	s := connected(t, newTestStation(t, consoleDialer(console), nil))

	if err := s.SendStart(context.Background()); err != nil {
		t.Errorf("SendStart: %v", err)
	}
}

func receive(t *testing.T, ch <-chan types.Reading) types.Reading {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a reading")
	}
	return types.Reading{}
}

func TestNewStationFromConfig(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "weewx.conf")
	conf := "[wmII]\n    model = Weather Monitor II\n    type = serial\n    port = /dev/ttyUSB0\n"
	if err := os.WriteFile(cfgFile, []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}
	provider := config.NewWeewxProvider(cfgFile)

	s, err := NewStation(context.Background(), &sync.WaitGroup{}, provider, "wmII", make(chan types.Reading, 1), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewStation: %v", err)
	}
	if s.StationName() != "wmII" || s.HardwareName() != "Weather Monitor II" {
		t.Errorf("got name %q model %q", s.StationName(), s.HardwareName())
	}

	if _, err := NewStation(context.Background(), &sync.WaitGroup{}, provider, "missing", make(chan types.Reading, 1), zap.NewNop().Sugar()); err == nil {
		t.Error("expected an error for an unknown device")
	}
}

func TestStartWeatherStation(t *testing.T) {
	console := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{})
	s := newTestStation(t, consoleDialer(console), nil)

	if err := s.StartWeatherStation(); err != nil {
		t.Fatalf("StartWeatherStation: %v", err)
	}

	for i := 0; i < 3; i++ {
		r := receive(t, s.ReadingDistributor)
		if r.StationName != "test" || r.Timestamp.IsZero() {
			t.Errorf("reading %d = %+v", i, r)
		}
	}
	if !s.Connected() {
		t.Error("station should report connected while polling")
	}

	if err := s.StopWeatherStation(); err != nil {
		t.Errorf("StopWeatherStation: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not exit")
	}
	if s.Connected() {
		t.Error("station should report disconnected after stop")
	}
}

func TestReconnectAfterRetriesExceeded(t *testing.T) {
	dead := emulator.NewConsole(emulator.NewWeather(1), emulator.FlakyHardwareConfig{Enabled: true, NoResponseRate: 1})
	alive := emulator.NewConsole(emulator.NewWeather(2), emulator.FlakyHardwareConfig{})

	var dials atomic.Int32
	dial := func(context.Context) (io.ReadWriteCloser, error) {
		if dials.Add(1) == 1 {
			return dead.Pipe(), nil
		}
		return alive.Pipe(), nil
	}

	readCal := false
	s := newTestStation(t, dial, func(d *config.DeviceData) {
		d.MaxTries = 2
		d.Timeout = 50 * time.Millisecond
		d.ReadCalibration = &readCal
	})

	if err := s.StartWeatherStation(); err != nil {
		t.Fatalf("StartWeatherStation: %v", err)
	}
	receive(t, s.ReadingDistributor)

	if n := dials.Load(); n < 2 {
		t.Errorf("dialed %d times, want a reconnect", n)
	}
	if dead.LoopCount() != 0 {
		t.Errorf("dead console sent %d packets", dead.LoopCount())
	}
}
