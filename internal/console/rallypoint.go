package console

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/console/auth"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/servers"
)

// HandleSubscribe upgrades the request to the client's pub/sub socket. The
// socket stays registered as the client's live socket until it closes.
func (c *Console) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	userID, err := claims.UserID()
	if err != nil {
		renderError(w, r, http.StatusUnauthorized, err)
		return
	}
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		renderError(w, r, http.StatusBadRequest, errors.New("clientId is required"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: c.Config.CORSAllowedOrigins,
	})
	if err != nil {
		slog.Warn("Could not accept the websocket connection", logging.Error(err))
		metrics.ConnectionErrs.Inc()
		return
	}
	defer conn.CloseNow()

	key := model.ClientKey{UserID: userID, ClientID: clientID}
	if err := c.Hub.Serve(r.Context(), key, conn); err != nil {
		slog.Debug("Subscriber socket closed with error", logging.ClientID(key.String()), logging.Error(err))
	}
}

// HandleUpdatePings stores a batch of latencies measured by a connected
// client.
func (c *Console) HandleUpdatePings(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("invalid user id: %w", err))
		return
	}
	claims, _ := auth.FromContext(r.Context())
	if sessionUserID, err := claims.UserID(); err != nil || sessionUserID != userID {
		renderError(w, r, http.StatusForbidden, errors.New("session does not match the user"))
		return
	}

	var batch model.PingBatch
	if err := decodeJSON(w, r, &batch); err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	key := model.ClientKey{UserID: userID, ClientID: chi.URLParam(r, "clientId")}
	if !c.Hub.HasClient(key) {
		renderError(w, r, http.StatusNotFound, errors.New("client not found"))
		return
	}

	for _, ping := range batch.Pings {
		c.RallyPoint.UpdatePing(key, ping.ServerID, ping.PingMs)
	}
	w.WriteHeader(http.StatusNoContent)
}

type serversResponse struct {
	Servers []model.RelayServer `json:"servers"`
}

type serverResponse struct {
	Server model.RelayServer `json:"server"`
}

type addServerRequest struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Description string `json:"description"`
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
}

func (c *Console) HandleListServers(w http.ResponseWriter, r *http.Request) {
	list, err := c.RallyPoint.RetrieveServers(r.Context())
	if err != nil {
		slog.Error("Could not list relay servers", logging.Error(err))
		renderError(w, r, http.StatusInternalServerError, errors.New("could not list relay servers"))
		return
	}
	if list == nil {
		list = []model.RelayServer{}
	}
	renderJSON(w, r, serversResponse{Servers: list})
}

func (c *Console) HandleAddServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	server := model.RelayServer{
		Enabled:     req.Enabled == nil || *req.Enabled,
		Description: req.Description,
		Hostname:    req.Hostname,
		Port:        req.Port,
	}
	if err := validateServer(server); err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	stored, err := c.RallyPoint.AddServer(r.Context(), server)
	if err != nil {
		slog.Error("Could not add relay server", logging.Error(err))
		renderError(w, r, http.StatusInternalServerError, errors.New("could not add relay server"))
		return
	}
	withStatus(r, http.StatusCreated)
	renderJSON(w, r, serverResponse{Server: stored})
}

func (c *Console) HandleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "serverId"), 10, 64)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("invalid server id: %w", err))
		return
	}
	var server model.RelayServer
	if err := decodeJSON(w, r, &server); err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	if server.ID != id {
		renderError(w, r, http.StatusBadRequest, errors.New("server id does not match the path"))
		return
	}
	if err := validateServer(server); err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	stored, err := c.RallyPoint.UpdateServer(r.Context(), server)
	switch {
	case errors.Is(err, servers.ErrNotFound):
		renderError(w, r, http.StatusNotFound, err)
	case err != nil:
		slog.Error("Could not update relay server", logging.ServerID(id), logging.Error(err))
		renderError(w, r, http.StatusInternalServerError, errors.New("could not update relay server"))
	default:
		renderJSON(w, r, serverResponse{Server: stored})
	}
}

func (c *Console) HandleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "serverId"), 10, 64)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, fmt.Errorf("invalid server id: %w", err))
		return
	}

	err = c.RallyPoint.DeleteServer(r.Context(), id)
	switch {
	case errors.Is(err, servers.ErrNotFound):
		renderError(w, r, http.StatusNotFound, err)
	case err != nil:
		slog.Error("Could not delete relay server", logging.ServerID(id), logging.Error(err))
		renderError(w, r, http.StatusInternalServerError, errors.New("could not delete relay server"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func validateServer(server model.RelayServer) error {
	switch {
	case server.Description == "":
		return errors.New("description is required")
	case server.Hostname == "":
		return errors.New("hostname is required")
	case server.Port <= 0 || server.Port > 65535:
		return fmt.Errorf("port %d is out of range", server.Port)
	}
	return nil
}
