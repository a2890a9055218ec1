package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/chrissnell/wmii/internal/sinks"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/internal/weatherstations"
	station "github.com/chrissnell/wmii/internal/weatherstations/wmii"
	"github.com/chrissnell/wmii/pkg/config"
	"github.com/chrissnell/wmii/pkg/wmii"
)

type fakeConsole struct {
	mu        sync.Mutex
	name      string
	connected bool
	clock     time.Time
	cal       wmii.Calibration
	err       error
}

func (f *fakeConsole) StartWeatherStation() error { return nil }
func (f *fakeConsole) StopWeatherStation() error  { return nil }
func (f *fakeConsole) StationName() string        { return f.name }
func (f *fakeConsole) HardwareName() string       { return "Weather Monitor II" }

func (f *fakeConsole) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConsole) GetTime(ctx context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock, f.err
}

func (f *fakeConsole) SetTime(ctx context.Context, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.clock = t
	return nil
}

func (f *fakeConsole) GetCalibration(ctx context.Context) (wmii.Calibration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cal, f.err
}

func (f *fakeConsole) SetCalibration(ctx context.Context, cal wmii.Calibration) (wmii.Calibration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cal.Rain <= 0 {
		return wmii.Calibration{}, fmt.Errorf("%w: rain", station.ErrInvalidCalibration)
	}
	if f.err != nil {
		return wmii.Calibration{}, f.err
	}
	defaults := wmii.DefaultCalibration()
	cal.InHumidity, cal.Wind = defaults.InHumidity, defaults.Wind
	f.cal = cal
	return cal, nil
}

type fakeManager struct {
	stations map[string]*fakeConsole
}

func (m *fakeManager) StartWeatherStations() error        { return nil }
func (m *fakeManager) StopWeatherStations()               {}
func (m *fakeManager) AddWeatherStation(string) error     { return nil }
func (m *fakeManager) RemoveWeatherStation(string) error  { return nil }
func (m *fakeManager) ReloadWeatherStationsConfig() error { return nil }

func (m *fakeManager) GetStation(name string) weatherstations.Console {
	s, ok := m.stations[name]
	if !ok {
		return nil
	}
	return s
}

func (m *fakeManager) StationNames() []string {
	var names []string
	for name := range m.stations {
		names = append(names, name)
	}
	return names
}

type fakeReloader struct {
	calls int
}

func (r *fakeReloader) ReloadConfiguration(ctx context.Context) error {
	r.calls++
	return nil
}

func newTestController(t *testing.T, ac config.APIData, consoles ...*fakeConsole) (*Controller, *sinks.LatestSink) {
	t.Helper()

	m := &fakeManager{stations: map[string]*fakeConsole{}}
	for _, c := range consoles {
		m.stations[c.name] = c
	}
	latest := sinks.NewLatestSink()

	c, err := NewController(context.Background(), &sync.WaitGroup{}, ac, Deps{
		Stations: m,
		Latest:   latest,
		Reloader: &fakeReloader{},
	}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, latest
}

func do(t *testing.T, h http.Handler, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetStations(t *testing.T) {
	c, latest := newTestController(t, config.APIData{}, &fakeConsole{name: "wmII", connected: true})
	latest.Store(types.Reading{StationName: "wmII"})

	rec := do(t, c.Handler(), "GET", "/station", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var got []StationStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := StationStatus{Name: "wmII", Model: "Weather Monitor II", Connected: true, HasPacket: true}
	if len(got) != 1 || got[0] != want {
		t.Errorf("got %+v, want [%+v]", got, want)
	}
}

func TestGetLatestPacket(t *testing.T) {
	c, latest := newTestController(t, config.APIData{}, &fakeConsole{name: "wmII"})

	rec := do(t, c.Handler(), "GET", "/packet/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("before any packet: status %d, want 404", rec.Code)
	}

	latest.Store(types.Reading{StationName: "wmII", OutTemp: 71.5, UsUnits: types.US})
	rec = do(t, c.Handler(), "GET", "/packet/latest", nil)
	var got types.Reading
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil || got.OutTemp != 71.5 {
		t.Errorf("got %+v, %v", got, err)
	}

	rec = do(t, c.Handler(), "GET", "/packet/latest?format=msgpack", nil)
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-msgpack" {
		t.Errorf("Content-Type = %s", ct)
	}
}

func TestStationSelection(t *testing.T) {
	c, _ := newTestController(t, config.APIData{},
		&fakeConsole{name: "north", clock: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		&fakeConsole{name: "south", clock: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	)

	tests := []struct {
		target     string
		wantStatus int
		wantHour   int
	}{
		{"/time", http.StatusBadRequest, 0},
		{"/time?station=south", http.StatusOK, 9},
		{"/time?station=north", http.StatusOK, 8},
		{"/time?station=east", http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		rec := do(t, c.Handler(), "GET", tt.target, nil)
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status %d, want %d", tt.target, rec.Code, tt.wantStatus)
			continue
		}
		if tt.wantStatus != http.StatusOK {
			continue
		}
		var got TimeResponse
		json.NewDecoder(rec.Body).Decode(&got)
		if got.Time.Hour() != tt.wantHour {
			t.Errorf("%s: got %v", tt.target, got.Time)
		}
	}
}

func TestSetTime(t *testing.T) {
	console := &fakeConsole{name: "wmII"}
	c, _ := newTestController(t, config.APIData{}, console)

	want := time.Date(2024, 12, 25, 23, 30, 15, 0, time.UTC)
	rec := do(t, c.Handler(), "PUT", "/time", TimeRequest{Time: want})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if !console.clock.Equal(want) {
		t.Errorf("console clock %v, want %v", console.clock, want)
	}

	// an empty body sets the host's time
	before := time.Now()
	rec = do(t, c.Handler(), "PUT", "/time", nil)
	if rec.Code != http.StatusOK || console.clock.Before(before) {
		t.Errorf("status %d, clock %v", rec.Code, console.clock)
	}

	req := httptest.NewRequest("PUT", "/time", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body: status %d", w.Code)
	}
}

func TestCalibration(t *testing.T) {
	console := &fakeConsole{name: "wmII", cal: wmii.DefaultCalibration()}
	c, _ := newTestController(t, config.APIData{}, console)

	rec := do(t, c.Handler(), "GET", "/calibration", nil)
	var got CalibrationResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil || got.Calibration != wmii.DefaultCalibration() {
		t.Errorf("GET: %+v, %v", got, err)
	}

	rec = do(t, c.Handler(), "PUT", "/calibration", map[string]int{"outTemp": -12, "rain": 254, "inHumidity": 9, "wind": 50})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: status %d: %s", rec.Code, rec.Body)
	}
	if console.cal.OutTemp != -12 || console.cal.Rain != 254 || console.cal.Wind != 1600 {
		t.Errorf("console calibration %+v", console.cal)
	}
	got = CalibrationResponse{}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("PUT body: %v", err)
	}
	if got.Calibration != console.cal || got.Calibration.InHumidity != 0 || got.Calibration.Wind != 1600 {
		t.Errorf("PUT responded %+v, want the stored calibration %+v", got.Calibration, console.cal)
	}

	rec = do(t, c.Handler(), "PUT", "/calibration", map[string]int{"rain": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero rain calibration: status %d", rec.Code)
	}
}

func TestConsoleErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{station.ErrNotConnected, http.StatusServiceUnavailable},
		{fmt.Errorf("reading clock: %w", station.ErrTimeout), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: got 0x21", wmii.ErrNoAck), http.StatusBadGateway},
	}

	for _, tt := range tests {
		console := &fakeConsole{name: "wmII", err: tt.err}
		c, _ := newTestController(t, config.APIData{}, console)

		rec := do(t, c.Handler(), "GET", "/time", nil)
		if rec.Code != tt.want {
			t.Errorf("%v: status %d, want %d", tt.err, rec.Code, tt.want)
		}
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(rec.Body).Decode(&body); body.Error == "" {
			t.Errorf("%v: no error message", tt.err)
		}
	}
}

func TestAuth(t *testing.T) {
	c, _ := newTestController(t, config.APIData{AuthToken: "s3cret"}, &fakeConsole{name: "wmII"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.header == "" {
				rec = do(t, c.Handler(), "GET", "/station", nil)
			} else {
				rec = do(t, c.Handler(), "GET", "/station", nil, "Authorization", tt.header)
			}
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestReloadAndMetrics(t *testing.T) {
	c, _ := newTestController(t, config.APIData{}, &fakeConsole{name: "wmII"})

	rec := do(t, c.Handler(), "POST", "/config/reload", nil)
	if rec.Code != http.StatusOK || c.deps.Reloader.(*fakeReloader).calls != 1 {
		t.Errorf("reload: status %d", rec.Code)
	}

	rec = do(t, c.Handler(), "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics: status %d", rec.Code)
	}
}

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(context.Background(), &sync.WaitGroup{}, config.APIData{}, Deps{}, nil); err == nil {
		t.Error("expected an error without a station manager")
	}

	m := &fakeManager{stations: map[string]*fakeConsole{}}
	if _, err := NewController(context.Background(), &sync.WaitGroup{}, config.APIData{Cert: "cert.pem"}, Deps{Stations: m}, nil); err == nil {
		t.Error("expected an error for a certificate without a key")
	}
}

func TestServeHTTPAndGRPCHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	console := &fakeConsole{name: "wmII", connected: true}
	m := &fakeManager{stations: map[string]*fakeConsole{"wmII": console}}
	c, err := NewController(ctx, &wg, config.APIData{ListenAddr: "127.0.0.1", Port: 1}, Deps{Stations: m}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	c.apiConfig.Port = 0
	if err := c.StartController(); err != nil {
		t.Fatalf("StartController: %v", err)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	addr := c.Addr().String()

	resp, err := http.Get("http://" + addr + "/station")
	if err != nil {
		t.Fatalf("GET /station: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /station: %d", resp.StatusCode)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	waitFor := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			cctx, ccancel := context.WithTimeout(ctx, time.Second)
			res, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: "wmII"})
			ccancel()
			if err == nil && res.GetStatus() == want {
				return
			}
			if time.Now().After(deadline) {
				t.Fatalf("health never became %v (last %v, %v)", want, res.GetStatus(), err)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	waitFor(healthpb.HealthCheckResponse_SERVING)

	console.mu.Lock()
	console.connected = false
	console.mu.Unlock()
	waitFor(healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestHealthAfterStationRemoved(t *testing.T) {
	c, _ := newTestController(t, config.APIData{},
		&fakeConsole{name: "east", connected: true},
		&fakeConsole{name: "west", connected: true})
	m := c.deps.Stations.(*fakeManager)

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		res, err := c.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		return res.GetStatus()
	}

	c.updateHealth()
	if got := status("west"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("west = %v before removal", got)
	}

	delete(m.stations, "west")
	c.updateHealth()

	if got := status("west"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("removed station still reports %v", got)
	}
	if got := status("east"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("east = %v", got)
	}
	if got := status(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall = %v", got)
	}
}
