package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/modoterra/unitwatch/internal/buildinfo"
	"github.com/modoterra/unitwatch/pkg/config"
	"github.com/modoterra/unitwatch/pkg/core"
	"github.com/modoterra/unitwatch/pkg/daemon"
	"github.com/modoterra/unitwatch/pkg/engine"
	"github.com/modoterra/unitwatch/pkg/providers/logs/journald"
	"github.com/modoterra/unitwatch/pkg/providers/systemctl"
	"github.com/modoterra/unitwatch/pkg/providers/systemd"
	"github.com/modoterra/unitwatch/pkg/transport/uds"
)

type flagOptions struct {
	Config        string `short:"c" long:"config" env:"UNITWATCH_CONFIG" description:"path to services.yaml"`
	Socket        string `short:"s" long:"socket" env:"UNITWATCH_SOCKET" description:"unix socket to listen on"`
	Backend       string `long:"backend" choice:"dbus" choice:"systemctl" default:"dbus" description:"how to talk to the user manager"`
	LogLevel      string `long:"log-level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info" description:"log level"`
	NoWatchConfig bool   `long:"no-watch-config" description:"do not reload the config file when it changes"`
	Version       bool   `long:"version" description:"print version and exit"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseOptions(argv []string) (flagOptions, error) {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	parser.Name = "unitwatchd"
	if _, err := parser.ParseArgs(argv); err != nil {
		return opts, err
	}
	if opts.Socket == "" {
		opts.Socket = uds.DefaultSocketPath()
	}
	if opts.Config == "" {
		path, err := config.DefaultPath()
		if err != nil {
			return opts, err
		}
		opts.Config = path
	}
	return opts, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// binding is an init-system backend plus its optional capabilities.
type binding struct {
	backend core.Backend
	catalog core.UnitCatalog
	close   func()
}

func newBinding(name string, logger *slog.Logger) (binding, error) {
	streamer := journald.New(logger)
	switch name {
	case "dbus":
		p := systemd.New(logger)
		return binding{backend: core.NewBackend(p, p, streamer), catalog: p, close: p.Close}, nil
	case "systemctl":
		c := systemctl.New(logger)
		return binding{backend: core.NewBackend(c, c, streamer), catalog: c, close: func() {}}, nil
	}
	return binding{}, fmt.Errorf("unknown backend %q", name)
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	created, err := config.EnsureDefault(path)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("wrote default config", "path", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", path, errors.Join(errs...))
	}
	return cfg, nil
}

func run(argv []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(argv)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, ferr.Message)
			return 0
		}
		fmt.Fprintf(stderr, "unitwatchd: %v\n", err)
		return 2
	}
	if opts.Version {
		fmt.Fprintf(stdout, "unitwatchd %s\n", buildinfo.String())
		return 0
	}

	logger, err := newLogger(stderr, opts.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "unitwatchd: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(opts.Config, logger)
	if err != nil {
		logger.Error("config error", "err", err)
		return 1
	}

	b, err := newBinding(opts.Backend, logger)
	if err != nil {
		logger.Error("backend error", "err", err)
		return 2
	}
	defer b.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng := engine.New(b.backend, cfg.EngineOptions(), logger)
	eng.Reload(cfg.Units())

	d := daemon.New(eng, cfg, b.catalog, daemon.Options{
		SocketPath:  opts.Socket,
		Backend:     opts.Backend,
		Version:     buildinfo.Version,
		WatchConfig: !opts.NoWatchConfig,
	}, logger)
	defer d.Shutdown()

	logger.Info("starting unitwatchd", "version", buildinfo.Version, "backend", opts.Backend,
		"config", opts.Config, "socket", opts.Socket, "units", len(cfg.Services))
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon error", "err", err)
		return 1
	}
	logger.Info("shutting down")
	return 0
}
