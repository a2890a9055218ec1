package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/internal/sinks"
	"github.com/chrissnell/wmii/internal/weatherstations/wmii"
	"github.com/chrissnell/wmii/pkg/config"
)

const portPrompt = "Specify the serial port on which the station is connected, for\nexample /dev/ttyUSB0 or /dev/ttyS0.\n"

func main() {
	var (
		cfgFile     = flag.String("config", "weewx.conf", "Configuration file to update or read")
		cfgBackend  = flag.String("config-backend", "weewx", "Configuration backend type: 'weewx' or 'sqlite'")
		reconfigure = flag.Bool("reconfigure", false, "Prompt for the serial port and write the driver configuration")
		printStanza = flag.Bool("print", false, "Print the default driver configuration stanza")
		test        = flag.Bool("test", false, "Open the console and print loop packets")
		port        = flag.String("port", "", "Serial port; overrides the configuration")
		count       = flag.Int("count", 5, "Number of packets to print with -test (0 runs until interrupted)")
		debug       = flag.Bool("debug", false, "Turn on debugging output")
	)
	flag.Parse()

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var err error
	switch {
	case *printStanza:
		p := *port
		if p == "" {
			p = config.DefaultSerialDevice
		}
		fmt.Print(config.DefaultStanza(p))
	case *reconfigure:
		err = runReconfigure(os.Stdin, os.Stdout, *cfgFile, *cfgBackend, *port)
	case *test:
		err = runTest(*cfgFile, *cfgBackend, *port, *count)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// promptPort asks for the serial port, offering the default
func promptPort(in io.Reader, out io.Writer, def string) (string, error) {
	fmt.Fprint(out, portPrompt)
	fmt.Fprintf(out, "port [%s]: ", def)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if p := strings.TrimSpace(line); p != "" {
		return p, nil
	}
	return def, nil
}

func runReconfigure(in io.Reader, out io.Writer, cfgFile, cfgBackend, port string) error {
	if port == "" {
		var err error
		port, err = promptPort(in, out, config.DefaultSerialDevice)
		if err != nil {
			return err
		}
	}

	switch cfgBackend {
	case "weewx":
		if err := config.AppendStanza(cfgFile, port); err != nil {
			return err
		}
	case "sqlite":
		provider, err := config.NewSQLiteProvider(cfgFile)
		if err != nil {
			return err
		}
		defer provider.Close()

		device := config.DeviceData{Name: config.DefaultName, Enabled: true, SerialDevice: port}
		config.ApplyDefaults(&device)
		if err := provider.UpsertDevice(device); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported configuration backend: %s", cfgBackend)
	}

	fmt.Fprintf(out, "Configured %s for port %s in %s\n", config.DefaultName, port, cfgFile)
	return nil
}

// testDevice returns the configured console, or the defaults when the
// configuration cannot be read
func testDevice(cfgFile, cfgBackend, port string) config.DeviceData {
	var provider config.ConfigProvider
	switch cfgBackend {
	case "sqlite":
		if p, err := config.NewSQLiteProvider(cfgFile); err == nil {
			provider = p
		}
	default:
		provider = config.NewWeewxProvider(cfgFile)
	}

	device := config.DeviceData{}
	if provider != nil {
		defer provider.Close()
		if devices, err := provider.GetDevices(); err == nil && len(devices) > 0 {
			device = devices[0]
		} else {
			log.Infof("using default configuration: %v", err)
		}
	}

	if port != "" {
		device.ConnectionType = "serial"
		device.SerialDevice = port
	}
	config.ApplyDefaults(&device)
	return device
}

func runTest(cfgFile, cfgBackend, port string, count int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device := testDevice(cfgFile, cfgBackend, port)
	station, err := wmii.New(ctx, nil, device, nil, log.GetSugaredLogger(), wmii.WithReconnectDelay(3*time.Second))
	if err != nil {
		return err
	}
	if err := station.Connect(); err != nil {
		return err
	}
	defer station.StopWeatherStation()

	if device.ShouldReadCalibration() {
		cal, err := station.GetCalibration(ctx)
		if err != nil {
			return fmt.Errorf("could not read calibration: %w", err)
		}
		fmt.Printf("calibration: %+v\n", cal)
	}

	out := sinks.NewJSONLinesWriter(os.Stdout)
	for i := 0; count == 0 || i < count; i++ {
		reading, err := station.PollOnce(ctx)
		if err != nil {
			return err
		}
		if err := out.Write(reading); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(device.LoopInterval):
		}
	}
	return nil
}
