package action

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/console/database"
	"github.com/urfave/cli/v3"
)

var errMissingSecret = errors.New("secret is required")

func selectDatabaseType(c *cli.Command) (db *database.SQLite, err error) {
	switch c.String("database-type") {
	case "memory":
		db, err = database.NewMemory()
	case "sqlite":
		db, err = database.NewLocal(c.String("sqlite-path"))
	default:
		return nil, fmt.Errorf("unknown database type: %q", c.String("database-type"))
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func closeDatabase(db *database.SQLite) {
	if err := db.Close(); err != nil {
		slog.Error("Failed to close database", logging.Error(err))
	}
}

// requiredSecret reads a secret flag, which may come from the environment.
func requiredSecret(c *cli.Command, name string) ([]byte, error) {
	value := c.String(name)
	if value == "" {
		return nil, fmt.Errorf("--%s: %w", name, errMissingSecret)
	}
	return []byte(value), nil
}

func relaySecretFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "relay-secret",
		Usage:   "Shared secret signing the relay control packets",
		Sources: cli.EnvVars("SB_RELAY_SECRET"),
	}
}

func jwtSecretFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "jwt-secret",
		Usage:   "Secret signing the session tokens",
		Sources: cli.EnvVars("SB_JWT_SECRET"),
	}
}
