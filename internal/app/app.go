package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shieldbattery/shieldbattery/internal/app/action"
	"github.com/shieldbattery/shieldbattery/internal/app/logger"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/urfave/cli/v3"
)

const appName = "shieldbattery"

func NewApp(version, commit, buildDate string) {
	revision := vcsRevision(commit, "0000000")
	if len(revision) > 7 {
		revision = revision[:7]
	}

	app := &cli.Command{
		Name:    appName,
		Usage:   "Rally-point relay and active game tooling",
		Version: fmt.Sprintf("%s (revision: %s) built on %s", version, revision, buildDate),
	}

	// Root flags
	app.Flags = append(app.Flags,
		&cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "Log format (text, json)",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "Log file path",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "Disable colors in log output",
		},
	)

	var closers []logger.CleanupFunc
	app.Before = func(ctx context.Context, c *cli.Command) (context.Context, error) {
		closer, err := logger.InitDefaultLogger(c)
		if err != nil {
			return ctx, err
		}
		closers = append(closers, closer)
		return ctx, nil
	}

	app.After = func(_ context.Context, _ *cli.Command) error {
		for _, closer := range closers {
			if err := closer(); err != nil {
				slog.Warn("Could not close the log output", logging.Error(err))
			}
		}
		return nil
	}

	app.Commands = append(app.Commands,
		action.ServerCommand(version),
		action.RelayCommand(),
		action.ClientCommand(),
		action.GameCommand(),
		action.TokenCommand(),
	)

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
