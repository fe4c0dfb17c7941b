package activegame

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
)

// Server is the local API of the launcher: the app configures games through
// it and the game processes connect back to it.
type Server struct {
	BindAddr  string
	Manager   *Manager
	Transport *Transport
}

func NewServer(bindAddr string, manager *Manager, transport *Transport) *Server {
	return &Server{BindAddr: bindAddr, Manager: manager, Transport: transport}
}

type configResponse struct {
	GameID *string `json:"gameId"`
}

type routesRequest struct {
	Routes []GameRoute `json:"routes"`
}

func (s *Server) HttpRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/game/{gameId}", s.Transport.HandleGame)

	mux.Route("/active-game", func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))

		r.Put("/config", func(w http.ResponseWriter, r *http.Request) {
			var config Config
			if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			resp := configResponse{}
			if id := s.Manager.SetGameConfig(config); id != "" {
				resp.GameID = &id
			}
			writeJSON(w, http.StatusOK, resp)
		})

		r.Put("/routes/{gameId}", func(w http.ResponseWriter, r *http.Request) {
			var req routesRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			if !s.Manager.SetGameRoutes(chi.URLParam(r, "gameId"), req.Routes) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "game is not active"})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.Manager.Status())
		})
	})

	return mux
}

func (s *Server) Handlers() (start func(context.Context) error, shutdown func(context.Context) error) {
	serveCtx, cancelServe := context.WithCancel(context.Background())

	httpServer := &http.Server{
		Addr:              s.BindAddr,
		Handler:           s.HttpRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}

	start = func(ctx context.Context) error {
		slog.Info("Configured active game server", "addr", s.BindAddr)
		return httpServer.ListenAndServe()
	}

	shutdown = func(ctx context.Context) error {
		cancelServe()
		err := httpServer.Shutdown(ctx)
		if closeErr := s.Manager.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		if err != nil {
			slog.Error("Failed shutting down the active game server", logging.Error(err))
		}
		return err
	}
	return start, shutdown
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
