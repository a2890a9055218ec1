package sinks

import (
	"context"
	"sort"
	"sync"

	"github.com/chrissnell/wmii/internal/types"
)

// LatestSink keeps the most recent reading from each station for whenever the
// API needs to hand one out
type LatestSink struct {
	mu       sync.RWMutex
	readings map[string]types.Reading
}

func NewLatestSink() *LatestSink {
	return &LatestSink{readings: make(map[string]types.Reading)}
}

// StartSink begins caching readings
func (l *LatestSink) StartSink(ctx context.Context, wg *sync.WaitGroup) chan<- types.Reading {
	return startProcessor(ctx, wg, l.Store, "latest", nil)
}

// Store records r as the newest reading of its station
func (l *LatestSink) Store(r types.Reading) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readings[r.StationName] = r
	return nil
}

// Get returns the newest reading of the named station
func (l *LatestSink) Get(station string) (types.Reading, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.readings[station]
	return r, ok
}

// Stations lists the stations that have reported at least once
func (l *LatestSink) Stations() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.readings))
	for name := range l.readings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
