package action

import (
	"context"
	"log/slog"
	"net"

	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/console"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/routecreator"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/servers"
	"github.com/urfave/cli/v3"
)

func ServerCommand(version string) *cli.Command {
	cmd := &cli.Command{
		Name:        "server",
		Description: "Start the console server with the rally-point service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "console-addr",
				Value: defaultConsoleAddr,
				Usage: "Address of the console server",
			},
			&cli.StringSliceFlag{
				Name:  "cors-origin",
				Usage: "Allowed CORS origin, can be repeated",
			},
			&cli.StringFlag{
				Name:  "database-type",
				Value: defaultDatabaseType,
				Usage: "Database type (memory, sqlite)",
			},
			&cli.StringFlag{
				Name:  "sqlite-path",
				Value: defaultDatabasePath,
				Usage: "Path to sqlite database file",
			},
			&cli.StringFlag{
				Name:  "route-creator-addr",
				Value: defaultRouteCreatorAddr,
				Usage: "Local UDP address used to request routes from the relays",
			},
			&cli.DurationFlag{
				Name:  "route-timeout",
				Value: defaultRouteTimeout,
				Usage: "How long to wait for a relay to create a route",
			},
			&cli.StringFlag{
				Name:  "dev-relay-addr",
				Usage: "Run a local relay on this address when no relay server is enabled (" + defaultDevRelayAddr + ")",
			},
			&cli.DurationFlag{
				Name:  "session-ttl",
				Value: defaultSessionTTL,
				Usage: "Lifetime of the session tokens",
			},
			relaySecretFlag(),
			jwtSecretFlag(),
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		relaySecret, err := requiredSecret(c, "relay-secret")
		if err != nil {
			return err
		}
		jwtSecret, err := requiredSecret(c, "jwt-secret")
		if err != nil {
			return err
		}

		db, err := selectDatabaseType(c)
		if err != nil {
			return err
		}
		defer closeDatabase(db)

		creator, err := routecreator.Listen(c.String("route-creator-addr"), relaySecret,
			routecreator.WithTimeout(c.Duration("route-timeout")))
		if err != nil {
			return err
		}
		defer func() {
			if err := creator.Close(); err != nil {
				slog.Error("Failed to close the route creator", logging.Error(err))
			}
		}()

		directory := servers.NewDirectory(db.Store(), servers.NewResolver(net.DefaultResolver))
		hub := console.NewHub()

		var serviceOpts []rallypoint.Option
		if addr := c.String("dev-relay-addr"); addr != "" {
			serviceOpts = append(serviceOpts, rallypoint.WithDevRelay(addr, relaySecret))
		}
		service := rallypoint.NewService(directory, creator, hub, serviceOpts...)
		if err := service.Initialize(ctx); err != nil {
			return err
		}
		defer service.Close()

		consoleOpts := []console.Option{
			console.WithVersion(version),
			console.WithConsoleAddr(c.String("console-addr")),
			console.WithJWTSecret(jwtSecret),
			console.WithSessionTTL(c.Duration("session-ttl")),
		}
		if origins := c.StringSlice("cors-origin"); len(origins) > 0 {
			consoleOpts = append(consoleOpts, console.WithCORSAllowedOrigins(origins))
		}
		con := console.NewConsole(db, hub, service, consoleOpts...)

		start, stop := con.Handlers()
		return con.Graceful(ctx, start, stop)
	}

	return cmd
}
