package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"chatbridge/internal/config"
	providerfactory "chatbridge/internal/provider/factory"
	"chatbridge/internal/router"
	"chatbridge/internal/server"
)

const serveUsage = `Usage:
  chatbridge serve [--config <path>] [--port <port>] [--log-level <level>] [--log-format <format>]

Flags:
  --config     string   Path to YAML configuration file (built-in defaults when omitted)
  --port       int      Override server port from configuration
  --log-level  string   debug, info, warn or error (default info)
  --log-format string   text or json (default text)`

type commonFlags struct {
	cfgPath   string
	logLevel  string
	logFormat string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.cfgPath, "config", "", "path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format")
}

// load installs the logger and reads the configuration.
func (f *commonFlags) load() (config.Config, error) {
	logger, err := newLogger(os.Stderr, f.logLevel, f.logFormat)
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(logger)

	if f.cfgPath == "" {
		return config.LoadDefault()
	}
	return config.Load(f.cfgPath)
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var common commonFlags
	var overridePort int
	common.register(fs)
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	registry, closeStore, err := providerfactory.NewRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rt := router.New(registry)

	srv, err := server.New(cfg, rt, registry)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
