package action

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/console"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/relay"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func RelayCommand() *cli.Command {
	cmd := &cli.Command{
		Name:        "relay",
		Description: "Start a standalone rally-point relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "relay-addr",
				Value: defaultRelayAddr,
				Usage: "UDP address the relay listens on",
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Value: defaultRouteIdleTimeout,
				Usage: "Routes without traffic for this long are removed",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve prometheus metrics on this address",
			},
			relaySecretFlag(),
		},
	}

	cmd.Action = func(ctx context.Context, c *cli.Command) error {
		secret, err := requiredSecret(c, "relay-secret")
		if err != nil {
			return err
		}

		idle := c.Duration("idle-timeout")
		srv, err := relay.Listen(c.String("relay-addr"), secret, relay.WithIdleTimeout(idle, idle/10))
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var metricsServer *http.Server
		if addr := c.String("metrics-addr"); addr != "" {
			metrics.Init()
			mux := chi.NewRouter()
			mux.Get("/_metrics", promhttp.Handler().ServeHTTP)
			metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		}

		start := func(context.Context) error {
			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				err := srv.Start(gctx)
				if metricsServer != nil {
					_ = metricsServer.Close()
				}
				return err
			})
			if metricsServer != nil {
				g.Go(func() error {
					slog.Info("Serving relay metrics", "addr", metricsServer.Addr)
					if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}
			return g.Wait()
		}
		shutdown := func(ctx context.Context) error {
			slog.Info("Shutting down the relay server")
			cancel()
			if metricsServer != nil {
				if err := metricsServer.Shutdown(ctx); err != nil {
					slog.Error("Failed shutting down the metrics server", logging.Error(err))
					return err
				}
			}
			return nil
		}
		return console.Graceful(ctx, start, shutdown)
	}

	return cmd
}
