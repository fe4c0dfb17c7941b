package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/shieldbattery/shieldbattery/internal/activegame"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/console"
	"github.com/urfave/cli/v3"
)

func GameCommand() *cli.Command {
	cmd := &cli.Command{
		Name:        "game",
		Description: "Start the local active game manager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "game-addr",
				Value: defaultGameAddr,
				Usage: "Address of the local game API, game processes connect to it",
			},
			&cli.IntFlag{
				Name:  "server-port",
				Value: defaultGameServerPort,
				Usage: "Port passed to the game processes to connect back to",
			},
			&cli.StringFlag{
				Name:  "maps-dir",
				Value: defaultMapsDir,
				Usage: "Directory of the downloaded maps",
			},
			&cli.StringFlag{
				Name:  "inject-dll",
				Value: defaultInjectDLL,
				Usage: "Path to the DLL injected into the game",
			},
			&cli.StringFlag{
				Name:  "error-dump-dir",
				Usage: "Directory of the crash dumps written by the game",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Launch a game from this JSON config file right away",
			},
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		var initial *activegame.Config
		if path := c.String("config"); path != "" {
			config, err := readGameConfig(path)
			if err != nil {
				return err
			}
			initial = &config
		}

		opts := []activegame.Option{
			activegame.WithInjectDLL(c.String("inject-dll")),
			activegame.WithServerPort(c.Int("server-port")),
		}
		if dir := c.String("error-dump-dir"); dir != "" {
			opts = append(opts, activegame.WithErrorDumpDir(dir))
		}

		transport := activegame.NewTransport()
		manager := activegame.NewManager(
			activegame.NewNativeLauncher(),
			activegame.NewLocalMapStore(c.String("maps-dir")),
			transport,
			opts...,
		)
		transport.SetHandler(manager)

		if initial != nil {
			id := manager.SetGameConfig(*initial)
			go func() {
				if err := activegame.WaitForActiveGame(ctx, manager, id); err != nil {
					slog.Warn("Game did not start", logging.GameID(id), logging.Error(err))
					return
				}
				slog.Info("Game is running", logging.GameID(id))
			}()
		}

		start, shutdown := activegame.NewServer(c.String("game-addr"), manager, transport).Handlers()
		return console.Graceful(ctx, start, shutdown)
	}

	return cmd
}

func readGameConfig(path string) (activegame.Config, error) {
	var config activegame.Config
	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("invalid game config %s: %w", path, err)
	}
	return config, nil
}
