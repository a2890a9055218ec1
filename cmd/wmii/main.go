package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chrissnell/wmii/internal/app"
	"github.com/chrissnell/wmii/internal/constants"
	"github.com/chrissnell/wmii/internal/log"
	"github.com/chrissnell/wmii/pkg/config"
)

func main() {
	cfgFile := flag.String("config", "weewx.conf", "Path to configuration source:\n\t\t\t  weewx: weewx.conf\n\t\t\t  YAML: wmii.yaml\n\t\t\t  SQLite: wmii.db")
	cfgBackend := flag.String("config-backend", "weewx", "Configuration backend type: 'weewx', 'yaml' or 'sqlite'")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	logFile := flag.String("log-file", "", "Also write JSON logs to this file, rotated by size")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wmii %s (driver %s %s)\n", constants.Version, constants.DriverName, constants.DriverVersion)
		os.Exit(0)
	}

	if err := log.InitWithFile(*debug, log.FileConfig{Path: *logFile}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	provider, err := openProvider(*cfgFile, *cfgBackend)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	defer provider.Close()

	application := app.New(provider, log.GetSugaredLogger())
	if err := application.Run(context.Background()); err != nil {
		log.Errorf("Application error: %v", err)
		os.Exit(1)
	}
}

func openProvider(cfgFile, cfgBackend string) (config.ConfigProvider, error) {
	filename, _ := filepath.Abs(cfgFile)

	var provider config.ConfigProvider
	switch cfgBackend {
	case "weewx":
		provider = config.NewWeewxProvider(filename)
	case "yaml":
		provider = config.NewYAMLProvider(filename)
	case "sqlite":
		p, err := config.NewSQLiteProvider(filename)
		if err != nil {
			return nil, fmt.Errorf("error creating SQLite provider: %w", err)
		}
		provider = p
	default:
		return nil, fmt.Errorf("unsupported configuration backend: %s. Use 'weewx', 'yaml' or 'sqlite'", cfgBackend)
	}

	if _, err := provider.LoadConfig(); err != nil {
		provider.Close()
		return nil, fmt.Errorf("error reading config file. Did you pass the -config flag? Run with -h for help: %w", err)
	}

	return provider, nil
}
