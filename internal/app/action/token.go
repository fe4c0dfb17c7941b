package action

import (
	"context"
	"fmt"
	"os"

	"github.com/shieldbattery/shieldbattery/internal/console/auth"
	"github.com/urfave/cli/v3"
)

func TokenCommand() *cli.Command {
	cmd := &cli.Command{
		Name:        "token",
		Description: "Issue a session token for development",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "user-id",
				Usage:    "User id to issue the token for",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "admin",
				Usage: "Allow the token to manage the relay servers",
			},
			&cli.DurationFlag{
				Name:  "session-ttl",
				Value: defaultSessionTTL,
				Usage: "Lifetime of the token",
			},
			jwtSecretFlag(),
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		secret, err := requiredSecret(c, "jwt-secret")
		if err != nil {
			return err
		}

		token, err := auth.NewAuthenticator(secret, c.Duration("session-ttl")).NewToken(c.Int64("user-id"), c.Bool("admin"))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, token)
		return err
	}

	return cmd
}
