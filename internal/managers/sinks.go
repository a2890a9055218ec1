package managers

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/sinks"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/pkg/config"
)

// SinkManager holds our active loop packet sinks
type SinkManager struct {
	Sinks              []SinkEngine
	ReadingDistributor chan types.Reading
	Latest             *sinks.LatestSink

	prometheus *sinks.PrometheusSink
}

// SinkEngine holds a sink's interface as well as a channel for passing
// readings to it
type SinkEngine struct {
	Name string
	Sink sinks.SinkInterface
	C    chan<- types.Reading
}

// NewSinkManager creates a SinkManager populated with every configured sink.
// The latest-reading cache is always present. When no other sink is
// configured, packets are written to stdout as JSON lines.
func NewSinkManager(ctx context.Context, wg *sync.WaitGroup, configProvider config.ConfigProvider) (*SinkManager, error) {
	cfg, err := configProvider.GetSinks()
	if err != nil {
		return nil, fmt.Errorf("error loading sink configuration: %w", err)
	}
	if cfg == nil {
		cfg = &config.SinkData{}
	}

	s := &SinkManager{
		ReadingDistributor: make(chan types.Reading, 20),
		Latest:             sinks.NewLatestSink(),
	}
	s.AddSink(ctx, wg, "latest", s.Latest)

	if cfg.JSONLines == nil && cfg.MQTT == nil && cfg.Prometheus == nil {
		log.Info("no sinks configured; writing loop packets to stdout")
		cfg.JSONLines = &config.JSONLinesData{Path: "-"}
	}

	if cfg.JSONLines != nil {
		j, err := sinks.NewJSONLinesSink(cfg.JSONLines)
		if err != nil {
			return nil, fmt.Errorf("could not add JSON lines sink: %w", err)
		}
		s.AddSink(ctx, wg, "jsonlines", j)
	}

	if cfg.MQTT != nil {
		m, err := sinks.NewMQTTSink(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("could not add MQTT sink: %w", err)
		}
		s.AddSink(ctx, wg, "mqtt", m)
	}

	if cfg.Prometheus != nil {
		s.prometheus = sinks.NewPrometheusSink(cfg.Prometheus)
		s.AddSink(ctx, wg, "prometheus", s.prometheus)
	}

	wg.Add(1)
	go s.startReadingDistributor(ctx, wg)

	return s, nil
}

// AddSink starts sink and adds it to the fan-out
func (s *SinkManager) AddSink(ctx context.Context, wg *sync.WaitGroup, name string, sink sinks.SinkInterface) {
	s.Sinks = append(s.Sinks, SinkEngine{
		Name: name,
		Sink: sink,
		C:    sink.StartSink(ctx, wg),
	})
}

// GetReadingDistributor returns the reading distributor channel
func (s *SinkManager) GetReadingDistributor() chan types.Reading {
	return s.ReadingDistributor
}

// Gatherer returns the registry of the Prometheus sink, or the default
// registry when that sink is not configured
func (s *SinkManager) Gatherer() prometheus.Gatherer {
	if s.prometheus != nil {
		return s.prometheus.Registry()
	}
	return prometheus.DefaultGatherer
}

// startReadingDistributor receives readings from stations and fans them out to
// every sink
func (s *SinkManager) startReadingDistributor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case r := <-s.ReadingDistributor:
			for _, e := range s.Sinks {
				select {
				case e.C <- r:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
