package action

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shieldbattery/shieldbattery/internal/console"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/pinger"
	"github.com/urfave/cli/v3"
)

func ClientCommand() *cli.Command {
	cmd := &cli.Command{
		Name:        "client",
		Description: "Subscribe to the relay server list, measure the latency to each relay and report it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "console-url",
				Value: defaultConsoleURL,
				Usage: "Base URL of the console server",
			},
			&cli.Int64Flag{
				Name:     "user-id",
				Usage:    "User id the session token was issued for",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "Client id, random when not set",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Session token",
				Sources: cli.EnvVars("SB_TOKEN"),
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: defaultPingInterval,
				Usage: "Interval between two rounds of latency probes",
			},
			&cli.DurationFlag{
				Name:  "probe-timeout",
				Value: defaultProbeTimeout,
				Usage: "How long to wait for a single probe answer",
			},
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		token := c.String("token")
		if token == "" {
			return errors.New("--token: session token is required")
		}
		clientID := c.String("client-id")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		p := pinger.New(c.String("console-url"), c.Int64("user-id"), clientID, token,
			pinger.WithInterval(c.Duration("interval")),
			pinger.WithProbeTimeout(c.Duration("probe-timeout")),
		)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			if err := p.WaitForPingResult(runCtx); err == nil {
				slog.Info("Measured the relay servers", "clientId", clientID, "pings", p.Pings())
			}
		}()

		start := func(context.Context) error { return p.Run(runCtx) }
		shutdown := func(context.Context) error {
			cancel()
			return nil
		}
		return console.Graceful(ctx, start, shutdown)
	}

	return cmd
}
