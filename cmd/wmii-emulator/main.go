package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chrissnell/wmii/internal/emulator"
	"github.com/chrissnell/wmii/internal/log"
)

func main() {
	var (
		listen = flag.String("listen", "127.0.0.1:22222", "Address to listen on")
		seed   = flag.Int64("seed", time.Now().UnixNano(), "Seed for the simulated weather")
		debug  = flag.Bool("debug", false, "Turn on debugging output")

		// Flaky hardware simulation flags
		flaky          = flag.Bool("flaky", false, "Enable flaky hardware simulation")
		noResponseRate = flag.Float64("no-response-rate", 0.05, "Probability of not responding to commands (0.0-1.0)")
		badCRCRate     = flag.Float64("bad-crc-rate", 0.05, "Probability of corrupting a LOOP frame's CRC (0.0-1.0)")
		truncateRate   = flag.Float64("truncate-rate", 0.02, "Probability of truncating LOOP frames (0.0-1.0)")
		badHeaderRate  = flag.Float64("bad-header-rate", 0.02, "Probability of sending a wrong LOOP header (0.0-1.0)")
	)
	flag.Parse()

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	flakyConfig := emulator.FlakyHardwareConfig{
		Enabled:        *flaky,
		NoResponseRate: *noResponseRate,
		BadCRCRate:     *badCRCRate,
		TruncateRate:   *truncateRate,
		BadHeaderRate:  *badHeaderRate,
	}
	if *flaky {
		log.Infof("flaky hardware simulation enabled: %+v", flakyConfig)
	}

	console := emulator.NewConsole(emulator.NewWeather(*seed), flakyConfig)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := emulator.Serve(ctx, console, *listen); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
