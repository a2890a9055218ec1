// Package sinks delivers loop packets from the station to the host: files,
// MQTT brokers, Prometheus and the in-memory cache read by the API.
package sinks

import (
	"context"
	"sync"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/types"
)

// SinkInterface is implemented by every loop packet consumer
type SinkInterface interface {
	StartSink(context.Context, *sync.WaitGroup) chan<- types.Reading
}

// ProcessReadings runs processor on every reading received until the context
// is cancelled. Processor errors are logged and the reading is dropped.
func ProcessReadings(ctx context.Context, readingChan <-chan types.Reading, processor func(types.Reading) error, name string) {
	for {
		select {
		case r := <-readingChan:
			if err := processor(r); err != nil {
				log.Errorf("%s reading processor error: %v", name, err)
			}
		case <-ctx.Done():
			log.Infof("cancellation request received. Cancelling %s readings processor", name)
			return
		}
	}
}

// startProcessor launches ProcessReadings on its own goroutine, tracked by wg,
// and runs cleanup once it returns
func startProcessor(ctx context.Context, wg *sync.WaitGroup, processor func(types.Reading) error, name string, cleanup func()) chan<- types.Reading {
	readingChan := make(chan types.Reading, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ProcessReadings(ctx, readingChan, processor, name)
		if cleanup != nil {
			cleanup()
		}
	}()

	return readingChan
}
