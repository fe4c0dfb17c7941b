package console

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/console/auth"
	"github.com/shieldbattery/shieldbattery/internal/console/database"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func init() {
	metrics.Init()
}

// RallyPoint is the part of the rally-point service the API exposes.
type RallyPoint interface {
	RetrieveServers(ctx context.Context) ([]model.RelayServer, error)
	AddServer(ctx context.Context, server model.RelayServer) (model.RelayServer, error)
	UpdateServer(ctx context.Context, server model.RelayServer) (model.RelayServer, error)
	DeleteServer(ctx context.Context, id int64) error
	UpdatePing(client model.ClientKey, serverID int64, pingMs float64)
	ClearPings(client model.ClientKey)
	SendFullUpdate(send func(rallypoint.ServerListMessage))
}

type Console struct {
	Config     *Config
	DB         *database.SQLite
	Hub        *Hub
	RallyPoint RallyPoint
	Auth       *auth.Authenticator
}

// NewConsole wires the hub to the rally-point service: new subscribers get
// the full server list, clients that go away lose their pings.
func NewConsole(db *database.SQLite, hub *Hub, rp RallyPoint, opts ...Option) *Console {
	config := DefaultConfig()
	for _, fn := range opts {
		if err := fn(config); err != nil {
			panic("failed to initialize config: " + err.Error())
		}
	}

	hub.OnConnect(func(sub *Subscriber) {
		rp.SendFullUpdate(func(msg rallypoint.ServerListMessage) {
			sub.Send(rallypoint.ServerListTopic, msg)
		})
	})
	hub.OnDisconnect(rp.ClearPings)

	return &Console{
		Config:     config,
		DB:         db,
		Hub:        hub,
		RallyPoint: rp,
		Auth:       auth.NewAuthenticator(config.JWTSecret, config.SessionTTL),
	}
}

type Option func(*Config) error

type Config struct {
	ConsoleBindAddr    string
	CORSAllowedOrigins []string
	JWTSecret          []byte
	SessionTTL         time.Duration
	Version            string
}

func DefaultConfig() *Config {
	return &Config{
		ConsoleBindAddr:    "localhost:5555",
		CORSAllowedOrigins: []string{"*"},
		SessionTTL:         24 * time.Hour,
		Version:            "dev",
	}
}

func WithCORSAllowedOrigins(allowedOrigins []string) Option {
	return func(c *Config) error {
		c.CORSAllowedOrigins = allowedOrigins
		return nil
	}
}

func WithConsoleAddr(bindAddr string) Option {
	return func(c *Config) error {
		c.ConsoleBindAddr = bindAddr
		return nil
	}
}

func WithJWTSecret(secret []byte) Option {
	return func(c *Config) error {
		if len(secret) == 0 {
			return errors.New("jwt secret must not be empty")
		}
		c.JWTSecret = secret
		return nil
	}
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return errors.New("session ttl must be positive")
		}
		c.SessionTTL = ttl
		return nil
	}
}

func WithVersion(version string) Option {
	return func(c *Config) error {
		c.Version = version
		return nil
	}
}

func (c *Console) HttpRouter() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.Throttle(100))

	{ // Set up meta routes (readiness, liveness, metrics etc.)
		mux.Get("/_health", func(w http.ResponseWriter, r *http.Request) {
			if err := c.DB.Ping(); err != nil {
				withStatus(r, http.StatusServiceUnavailable)
				renderJSON(w, r, map[string]string{
					"status":    "ERROR",
					"component": "database",
					"error":     err.Error(),
				})
				return
			}

			renderJSON(w, r, map[string]string{"status": "OK", "version": c.Config.Version})
		})
		mux.Get("/_metrics", promhttp.Handler().ServeHTTP)
	}

	{ // Set up the pub/sub websocket
		mux.Group(func(r chi.Router) {
			r.Use(c.Auth.Middleware)
			r.Get("/subscribe", c.HandleSubscribe)
		})
	}

	{ // Set up the REST routes
		mux.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(5 * time.Second))
			api.Use(cors.New(cors.Options{
				AllowedOrigins:   c.Config.CORSAllowedOrigins,
				AllowCredentials: false,
				Debug:            false,
				AllowedMethods: []string{
					http.MethodGet,
					http.MethodPost,
					http.MethodPut,
					http.MethodDelete,
				},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAge:         7200,
			}).Handler)
			api.Use(c.Auth.Middleware)

			api.Put("/rally-point/pings/{userId}/{clientId}/batch", c.HandleUpdatePings)

			api.Route("/admin/rally-point", func(admin chi.Router) {
				admin.Use(auth.RequireAdmin)
				admin.Get("/", c.HandleListServers)
				admin.Post("/", c.HandleAddServer)
				admin.Put("/{serverId}", c.HandleUpdateServer)
				admin.Delete("/{serverId}", c.HandleDeleteServer)
			})
		})
	}

	return mux
}

func (c *Console) Handlers() (start GracefulFunc, shutdown GracefulFunc) {
	// Websocket connections outlive http.Server.Shutdown, they are closed
	// by cancelling their base context.
	serveCtx, cancelServe := context.WithCancel(context.Background())

	// Only the headers get a read deadline, a hijacked websocket keeps the
	// deadlines of the request it was upgraded from.
	httpServer := &http.Server{
		Addr:              c.Config.ConsoleBindAddr,
		Handler:           h2c.NewHandler(c.HttpRouter(), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}

	start = func(ctx context.Context) error {
		slog.Info("Configured console server", "addr", c.Config.ConsoleBindAddr)
		return httpServer.ListenAndServe()
	}

	shutdown = func(ctx context.Context) error {
		slog.Info("Started shutting down the console server")
		cancelServe()

		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("Failed shutting down the console server", logging.Error(err))
			return err
		}
		slog.Info("Successfully shut down the console server")
		return nil
	}

	return start, shutdown
}

type GracefulFunc func(context.Context) error

func (c *Console) Graceful(ctx context.Context, start GracefulFunc, shutdown GracefulFunc) error {
	return Graceful(ctx, start, shutdown)
}

// Graceful runs start until SIGINT, SIGTERM or the end of ctx, then calls
// shutdown with a ten second deadline.
func Graceful(ctx context.Context, start GracefulFunc, shutdown GracefulFunc) error {
	var (
		stopChan = make(chan os.Signal, 1)
		errChan  = make(chan error, 1)
	)

	// Set up the graceful shutdown handler (traps SIGINT and SIGTERM)
	go func() {
		signal.Notify(stopChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopChan)

		select {
		case <-stopChan:
		case <-ctx.Done():
		}

		timer, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := shutdown(timer); err != nil {
			errChan <- err
			return
		}

		errChan <- nil
	}()

	// Start the server
	if err := start(ctx); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return <-errChan
}
