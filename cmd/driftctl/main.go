package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func main() {
	flags := &Flags{}

	app := &cli.Command{
		Name:      "driftctl",
		Usage:     "Throw, pick and watch drift bottles",
		UsageText: "driftctl [global options] command [command options]",
		Description: `driftctl talks to a running driftd.

The sea commands (throw, pick, status) use the HTTP API. The realtime
commands (listen, watch) connect to the relay websocket with the app key.`,
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("DRIFT_LOG_LEVEL"),
				Value:       "warn",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "api",
				Usage:       "driftd API endpoint",
				Sources:     cli.EnvVars("DRIFT_API_URL"),
				Value:       "http://127.0.0.1:8080",
				Destination: &flags.API,
			},
			&cli.StringFlag{
				Name:        "relay",
				Usage:       "relay base url, http(s) or ws(s)",
				Sources:     cli.EnvVars("DRIFT_RELAY_WS_URL"),
				Value:       "ws://127.0.0.1:6001",
				Destination: &flags.RelayURL,
			},
			&cli.StringFlag{
				Name:        "key",
				Usage:       "relay app key",
				Sources:     cli.EnvVars("DRIFT_RELAY_KEY"),
				Destination: &flags.RelayKey,
			},
			&cli.BoolFlag{
				Name:        "insecure",
				Usage:       "skip TLS verification",
				Destination: &flags.Insecure,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "HTTP request timeout",
				Value:       10 * time.Second,
				Destination: &flags.Timeout,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger, err := setupLogger(flags.LogLevel)
			if err != nil {
				return ctx, err
			}
			flags.Logger = logger
			return ctx, nil
		},
	}

	app = NewSeaCmd(flags).Register(app)
	app = NewListenCmd(flags).Register(app)
	app = NewWatchCmd(flags).Register(app)
	app = NewStatusCmd(flags).Register(app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func setupLogger(level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "driftctl",
	})
	return slog.New(handler), nil
}
