package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/types"
	"github.com/chrissnell/wmii/pkg/config"
)

// JSONLinesSink writes every loop packet as one JSON document per line
type JSONLinesSink struct {
	path string
	w    io.Writer
	c    io.Closer
	enc  *json.Encoder
}

// NewJSONLinesSink opens the configured file for appending. An empty path or
// "-" writes to stdout.
func NewJSONLinesSink(cfg *config.JSONLinesData) (*JSONLinesSink, error) {
	j := &JSONLinesSink{}
	if cfg != nil {
		j.path = cfg.Path
	}

	if j.path == "" || j.path == "-" {
		j.path = "-"
		j.w = os.Stdout
	} else {
		f, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("could not open %s: %w", j.path, err)
		}
		j.w = f
		j.c = f
	}

	j.enc = json.NewEncoder(j.w)
	return j, nil
}

// NewJSONLinesWriter writes packets to w
func NewJSONLinesWriter(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{path: "writer", w: w, enc: json.NewEncoder(w)}
}

// StartSink begins writing readings
func (j *JSONLinesSink) StartSink(ctx context.Context, wg *sync.WaitGroup) chan<- types.Reading {
	log.Infof("starting JSON lines sink (%s)...", j.path)
	return startProcessor(ctx, wg, j.Write, "jsonlines", j.close)
}

// Write encodes one reading followed by a newline
func (j *JSONLinesSink) Write(r types.Reading) error {
	if err := j.enc.Encode(r); err != nil {
		return fmt.Errorf("could not write reading: %w", err)
	}
	return nil
}

func (j *JSONLinesSink) close() {
	if j.c == nil {
		return
	}
	if err := j.c.Close(); err != nil {
		log.Errorf("error closing %s: %v", j.path, err)
	}
}
