package managers

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chrissnell/wmii/internal/controllers/api"
	"github.com/chrissnell/wmii/internal/emulator"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/internal/weatherstations/wmii"
	"github.com/chrissnell/wmii/pkg/config"
)

type staticProvider struct {
	cfg config.ConfigData
}

func (p *staticProvider) LoadConfig() (*config.ConfigData, error) { return &p.cfg, nil }
func (p *staticProvider) GetDevices() ([]config.DeviceData, error) {
	return p.cfg.Devices, nil
}
func (p *staticProvider) GetDevice(name string) (*config.DeviceData, error) {
	for i := range p.cfg.Devices {
		if p.cfg.Devices[i].Name == name {
			return &p.cfg.Devices[i], nil
		}
	}
	return nil, config.ErrDeviceNotFound
}
func (p *staticProvider) GetSinks() (*config.SinkData, error)    { return &p.cfg.Sinks, nil }
func (p *staticProvider) GetAPIConfig() (*config.APIData, error) { return p.cfg.API, nil }
func (p *staticProvider) IsReadOnly() bool                       { return true }
func (p *staticProvider) Close() error                           { return nil }

func TestSinkManagerFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	path := filepath.Join(t.TempDir(), "loop.jsonl")
	provider := &staticProvider{cfg: config.ConfigData{Sinks: config.SinkData{
		JSONLines:  &config.JSONLinesData{Path: path},
		Prometheus: &config.PrometheusData{},
	}}}

	sm, err := NewSinkManager(ctx, &wg, provider)
	if err != nil {
		t.Fatalf("NewSinkManager: %v", err)
	}
	if len(sm.Sinks) != 3 {
		t.Errorf("got %d sinks, want latest, jsonlines and prometheus", len(sm.Sinks))
	}
	if sm.Gatherer() == prometheus.DefaultGatherer {
		t.Error("Gatherer should be the Prometheus sink's registry")
	}

	sm.GetReadingDistributor() <- types.Reading{StationName: "wmII", OutTemp: 60}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, cached := sm.Latest.Get("wmII")
		b, _ := os.ReadFile(path)
		if cached && strings.Count(string(b), "\n") == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reading not delivered: cached=%v file=%q", cached, b)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSinkManagerDefaultsToStdout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	sm, err := NewSinkManager(ctx, &wg, &staticProvider{})
	if err != nil {
		t.Fatalf("NewSinkManager: %v", err)
	}
	var names []string
	for _, s := range sm.Sinks {
		names = append(names, s.Name)
	}
	if strings.Join(names, ",") != "latest,jsonlines" {
		t.Errorf("sinks = %v", names)
	}
	if sm.Gatherer() != prometheus.DefaultGatherer {
		t.Error("expected the default gatherer without a Prometheus sink")
	}
}

func TestWeatherStationManager(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	console := emulator.NewConsole(emulator.NewWeather(3), emulator.FlakyHardwareConfig{})
	dialer := wmii.WithDialer(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return console.Pipe(), nil
	})

	provider := &staticProvider{cfg: config.ConfigData{Devices: []config.DeviceData{
		{Name: "wmII", Type: "wmII", Enabled: true, SerialDevice: "/dev/null"},
		{Name: "spare", Type: "wmII", Enabled: false},
	}}}

	distributor := make(chan types.Reading, 1)
	wsm, err := NewWeatherStationManager(ctx, &wg, provider, distributor, zap.NewNop().Sugar(), dialer, wmii.WithCommandDelay(0))
	if err != nil {
		t.Fatalf("NewWeatherStationManager: %v", err)
	}
	if names := wsm.StationNames(); len(names) != 1 || names[0] != "wmII" {
		t.Fatalf("StationNames() = %v", names)
	}
	if wsm.GetStation("spare") != nil {
		t.Error("disabled device was created")
	}

	if err := wsm.StartWeatherStations(); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-distributor:
		if r.StationName != "wmII" || r.StationType != "wmII" {
			t.Errorf("reading %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reading from the emulated console")
	}

	if err := wsm.AddWeatherStation("wmII"); err == nil {
		t.Error("adding a running station should fail")
	}
	if err := wsm.AddWeatherStation("spare"); err == nil {
		t.Error("adding a disabled station should fail")
	}

	provider.cfg.Devices[0].Enabled = false
	if err := wsm.ReloadWeatherStationsConfig(); err != nil {
		t.Fatal(err)
	}
	if len(wsm.StationNames()) != 0 {
		t.Errorf("after reload: %v", wsm.StationNames())
	}
}

func TestWeatherStationManagerStationType(t *testing.T) {
	tests := []struct {
		stationType string
		wantErr     bool
	}{
		{"", false},
		{"wmII", false},
		{"wmii", false},
		{"WMII", false},
		{"vantage", true},
	}

	for _, tt := range tests {
		t.Run(tt.stationType, func(t *testing.T) {
			provider := &staticProvider{cfg: config.ConfigData{Devices: []config.DeviceData{
				{Name: "console", Type: tt.stationType, Enabled: true},
			}}}
			_, err := NewWeatherStationManager(context.Background(), &sync.WaitGroup{}, provider, make(chan types.Reading), zap.NewNop().Sugar())
			if (err != nil) != tt.wantErr {
				t.Errorf("station type %q: err = %v, wantErr %v", tt.stationType, err, tt.wantErr)
			}
		})
	}
}

func TestControllerManager(t *testing.T) {
	provider := &staticProvider{}
	cm, err := NewControllerManager(context.Background(), &sync.WaitGroup{}, provider, api.Deps{}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("without API config: %v", err)
	}
	if err := cm.StartControllers(); err != nil {
		t.Errorf("StartControllers: %v", err)
	}

	provider.cfg.API = &config.APIData{Port: 8080}
	if _, err := NewControllerManager(context.Background(), &sync.WaitGroup{}, provider, api.Deps{}, zap.NewNop().Sugar()); err == nil {
		t.Error("expected an error creating the API without a station manager")
	}
}
