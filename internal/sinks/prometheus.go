package sinks

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/pkg/config"
)

const defaultNamespace = "wmii"

// PrometheusSink exports the newest value of every observation as a gauge
type PrometheusSink struct {
	registry    *prometheus.Registry
	observation *prometheus.GaugeVec
	packets     *prometheus.CounterVec
	rain        *prometheus.CounterVec
	lastPacket  *prometheus.GaugeVec
}

// NewPrometheusSink registers the sink's collectors on a registry of its own
func NewPrometheusSink(cfg *config.PrometheusData) *PrometheusSink {
	namespace := defaultNamespace
	if cfg != nil && cfg.Namespace != "" {
		namespace = cfg.Namespace
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusSink{
		registry: reg,
		observation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observation",
			Help:      "Most recent value of each loop packet observation, US customary units.",
		}, []string{"station", "observation"}),
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_packets_total",
			Help:      "Loop packets received from the console.",
		}, []string{"station"}),
		rain: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rain_inches_total",
			Help:      "Rain measured since startup.",
		}, []string{"station"}),
		lastPacket: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_packet_timestamp_seconds",
			Help:      "Time of the most recent loop packet.",
		}, []string{"station"}),
	}
}

// Registry returns the registry holding the sink's metrics
func (p *PrometheusSink) Registry() *prometheus.Registry {
	return p.registry
}

// StartSink begins updating metrics from readings
func (p *PrometheusSink) StartSink(ctx context.Context, wg *sync.WaitGroup) chan<- types.Reading {
	return startProcessor(ctx, wg, p.Observe, "prometheus", nil)
}

// Observe updates the metrics from one reading
func (p *PrometheusSink) Observe(r types.Reading) error {
	for name, v := range r.ToMap() {
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case uint64:
			f = float64(n)
		default:
			continue
		}
		p.observation.WithLabelValues(r.StationName, name).Set(f)
	}

	p.packets.WithLabelValues(r.StationName).Inc()
	if r.RainIncremental > 0 {
		p.rain.WithLabelValues(r.StationName).Add(float64(r.RainIncremental))
	}
	p.lastPacket.WithLabelValues(r.StationName).Set(float64(r.Timestamp.Unix()))

	return nil
}
