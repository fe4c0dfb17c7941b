// Package rallypoint selects the relay server two players should be routed
// through, based on the latencies their clients report, and keeps the
// clients informed about the servers they should measure.
package rallypoint

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/pings"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/relay"
	"golang.org/x/sync/errgroup"
)

// ServerListTopic is the pub/sub topic the live server list is published on.
const ServerListTopic = "/rallyPoint/serverList"

// ErrNoRoute is returned by CreateBestRoute when there is no live server to
// route through. It is fatal for the match and has to be reported to both
// players.
var ErrNoRoute = errors.New("no route possible: no relay servers available")

// Directory persists and resolves the relay servers.
type Directory interface {
	RetrieveAll(ctx context.Context) ([]model.RelayServer, error)
	RetrieveEnabled(ctx context.Context) ([]model.RelayServer, error)
	Add(ctx context.Context, server model.RelayServer) (model.RelayServer, error)
	Update(ctx context.Context, server model.RelayServer) (model.RelayServer, error)
	Delete(ctx context.Context, id int64) error
	Resolve(ctx context.Context, server model.RelayServer) (model.ResolvedRelayServer, bool, error)
}

// RouteCreator allocates a route on the relay server at host:port.
type RouteCreator interface {
	CreateRoute(ctx context.Context, host string, port int) (model.Route, error)
}

// Publisher delivers a message to every subscriber of a topic. It must not
// block.
type Publisher interface {
	Publish(topic string, data any)
}

const (
	MessageFullUpdate = "fullUpdate"
	MessageUpsert     = "upsert"
	MessageDelete     = "delete"
)

// ServerListMessage is published on ServerListTopic.
type ServerListMessage struct {
	Type    string                      `json:"type"`
	Servers []model.ResolvedRelayServer `json:"servers,omitempty"`
	Server  *model.ResolvedRelayServer  `json:"server,omitempty"`
	ID      int64                       `json:"id,omitempty"`
}

type Config struct {
	// DevRelayAddr is where a local relay is started when no server is
	// enabled. Empty disables the fallback.
	DevRelayAddr string

	// RelaySecret signs route requests, the local relay needs it too.
	RelaySecret []byte
}

type Option func(*Config)

func WithDevRelay(addr string, secret []byte) Option {
	return func(c *Config) {
		c.DevRelayAddr = addr
		c.RelaySecret = secret
	}
}

type Service struct {
	config    Config
	directory Directory
	creator   RouteCreator
	publisher Publisher
	logger    *slog.Logger

	mu    sync.Mutex
	live  map[int64]model.ResolvedRelayServer
	pings map[model.ClientKey]map[int64]float64
	ready map[model.ClientKey]*pings.Ready

	devRelayStop func()
}

func NewService(directory Directory, creator RouteCreator, publisher Publisher, opts ...Option) *Service {
	config := Config{}
	for _, fn := range opts {
		fn(&config)
	}
	return &Service{
		config:    config,
		directory: directory,
		creator:   creator,
		publisher: publisher,
		logger:    slog.With(slog.String("component", "rally-point")),
		live:      make(map[int64]model.ResolvedRelayServer),
		pings:     make(map[model.ClientKey]map[int64]float64),
		ready:     make(map[model.ClientKey]*pings.Ready),
	}
}

// Initialize loads and resolves the enabled servers and publishes the full
// list. Servers that do not resolve are disabled and left out.
func (s *Service) Initialize(ctx context.Context) error {
	enabled, err := s.directory.RetrieveEnabled(ctx)
	if err != nil {
		return fmt.Errorf("could not load relay servers: %w", err)
	}

	var live []model.ResolvedRelayServer
	if len(enabled) == 0 && s.config.DevRelayAddr != "" {
		server, err := s.startDevRelay(ctx)
		if err != nil {
			return err
		}
		live = append(live, server)
	} else {
		live = s.resolveAll(ctx, enabled)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.live)
	for _, server := range live {
		s.live[server.ID] = server
	}
	metrics.LiveServers.Set(float64(len(s.live)))
	s.logger.Info("Rally-point servers initialized", "live", len(s.live), "enabled", len(enabled))

	s.publisher.Publish(ServerListTopic, s.fullUpdateLocked())
	return nil
}

func (s *Service) resolveAll(ctx context.Context, servers []model.RelayServer) []model.ResolvedRelayServer {
	results := make([]model.ResolvedRelayServer, len(servers))
	var g errgroup.Group
	for i, server := range servers {
		g.Go(func() error {
			resolved, ok, err := s.directory.Resolve(ctx, server)
			if err != nil {
				s.logger.Error("Could not resolve relay server", logging.ServerID(server.ID), logging.Error(err))
				return nil
			}
			if ok {
				results[i] = resolved
			}
			return nil
		})
	}
	_ = g.Wait()

	return slices.DeleteFunc(results, func(server model.ResolvedRelayServer) bool {
		return !server.Usable()
	})
}

func (s *Service) startDevRelay(ctx context.Context) (model.ResolvedRelayServer, error) {
	srv, err := relay.Listen(s.config.DevRelayAddr, s.config.RelaySecret)
	if err != nil {
		return model.ResolvedRelayServer{}, fmt.Errorf("could not start local relay: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(relayCtx); err != nil {
			s.logger.Error("Local relay stopped", logging.Error(err))
		}
	}()
	s.devRelayStop = func() {
		cancel()
		<-done
	}

	_, portStr, _ := net.SplitHostPort(srv.Addr().String())
	port, _ := strconv.Atoi(portStr)
	s.logger.Warn("No relay servers enabled, using a local relay", "addr", srv.Addr())

	return model.ResolvedRelayServer{
		RelayServer: model.RelayServer{
			ID:          0,
			Enabled:     true,
			Description: "Local Server",
			Hostname:    "localhost",
			Port:        port,
		},
		Address4: "127.0.0.1",
		Address6: "::1",
	}, nil
}

// Close stops the local relay, if one was started.
func (s *Service) Close() {
	if s.devRelayStop != nil {
		s.devRelayStop()
		s.devRelayStop = nil
	}
}

// RetrieveServers returns every stored server, including disabled ones.
func (s *Service) RetrieveServers(ctx context.Context) ([]model.RelayServer, error) {
	return s.directory.RetrieveAll(ctx)
}

// LiveServers returns the servers currently used for routing, by id.
func (s *Service) LiveServers() []model.ResolvedRelayServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveServersLocked()
}

func (s *Service) liveServersLocked() []model.ResolvedRelayServer {
	list := make([]model.ResolvedRelayServer, 0, len(s.live))
	for _, server := range s.live {
		list = append(list, server)
	}
	slices.SortFunc(list, func(a, b model.ResolvedRelayServer) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return list
}

// FullUpdate returns the message a new subscriber of the server list gets.
func (s *Service) FullUpdate() ServerListMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullUpdateLocked()
}

// SendFullUpdate hands the full update to send while holding the lock that
// every upsert and delete is published under, so nothing published later
// can be queued ahead of the snapshot.
func (s *Service) SendFullUpdate(send func(ServerListMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	send(s.fullUpdateLocked())
}

func (s *Service) fullUpdateLocked() ServerListMessage {
	return ServerListMessage{Type: MessageFullUpdate, Servers: s.liveServersLocked()}
}

// AddServer stores a new server and, when it is enabled and resolves, adds
// it to the live set.
func (s *Service) AddServer(ctx context.Context, server model.RelayServer) (model.RelayServer, error) {
	stored, err := s.directory.Add(ctx, server)
	if err != nil {
		return model.RelayServer{}, err
	}
	return s.refresh(ctx, stored), nil
}

// UpdateServer stores every field of the server. The hostname is resolved
// again only if it changed or the server was not live.
func (s *Service) UpdateServer(ctx context.Context, server model.RelayServer) (model.RelayServer, error) {
	stored, err := s.directory.Update(ctx, server)
	if err != nil {
		return model.RelayServer{}, err
	}

	s.mu.Lock()
	current, wasLive := s.live[stored.ID]
	if stored.Enabled && wasLive && current.Hostname == stored.Hostname {
		current.RelayServer = stored
		s.upsertLocked(current)
		s.mu.Unlock()
		return stored, nil
	}
	s.mu.Unlock()

	return s.refresh(ctx, stored), nil
}

// DeleteServer removes the server from the store and the live set.
func (s *Service) DeleteServer(ctx context.Context, id int64) error {
	if err := s.directory.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

// refresh brings the live set in line with the stored server and returns
// the server as it is stored afterwards.
func (s *Service) refresh(ctx context.Context, server model.RelayServer) model.RelayServer {
	if !server.Enabled {
		s.mu.Lock()
		s.removeLocked(server.ID)
		s.mu.Unlock()
		return server
	}

	resolved, ok, err := s.directory.Resolve(ctx, server)
	if err != nil {
		s.logger.Error("Could not resolve relay server", logging.ServerID(server.ID), logging.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.removeLocked(server.ID)
		if err != nil {
			return server
		}
		return resolved.RelayServer
	}
	s.upsertLocked(resolved)
	return resolved.RelayServer
}

func (s *Service) upsertLocked(server model.ResolvedRelayServer) {
	if previous, ok := s.live[server.ID]; ok {
		if previous.Address4 != server.Address4 || previous.Address6 != server.Address6 || previous.Port != server.Port {
			s.clearServerPingsLocked(server.ID)
		}
	}
	s.live[server.ID] = server
	metrics.LiveServers.Set(float64(len(s.live)))

	s.publisher.Publish(ServerListTopic, ServerListMessage{Type: MessageUpsert, Server: &server})
}

func (s *Service) removeLocked(id int64) {
	if _, ok := s.live[id]; !ok {
		return
	}
	delete(s.live, id)
	s.clearServerPingsLocked(id)
	metrics.LiveServers.Set(float64(len(s.live)))

	s.publisher.Publish(ServerListTopic, ServerListMessage{Type: MessageDelete, ID: id})
}

func (s *Service) clearServerPingsLocked(id int64) {
	for _, samples := range s.pings {
		delete(samples, id)
	}
}

// UpdatePing stores the latency of the client to a live server. Reports for
// servers that are not live are dropped.
func (s *Service) UpdatePing(client model.ClientKey, serverID int64, pingMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[serverID]; !ok {
		metrics.PingUpdatesIgnored.Inc()
		return
	}

	samples, ok := s.pings[client]
	if !ok {
		samples = make(map[int64]float64)
		s.pings[client] = samples
	}
	samples[serverID] = pingMs
	metrics.PingUpdates.Inc()

	s.readyLocked(client).Resolve()
}

// Pings returns a copy of the samples stored for the client, by server id.
func (s *Service) Pings(client model.ClientKey) map[int64]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int64]float64, len(s.pings[client]))
	for id, ping := range s.pings[client] {
		result[id] = ping
	}
	return result
}

// WaitForPingResult returns once the client has a sample for a live server.
// It fails with pings.ErrClientRemoved if the client disconnects first.
func (s *Service) WaitForPingResult(ctx context.Context, client model.ClientKey) error {
	s.mu.Lock()
	ready := s.readyLocked(client)
	s.mu.Unlock()

	return ready.Wait(ctx)
}

// ClearPings forgets the samples of a disconnected client.
func (s *Service) ClearPings(client model.ClientKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pings, client)
	if ready, ok := s.ready[client]; ok {
		ready.Reject(pings.ErrClientRemoved)
		delete(s.ready, client)
	}
}

func (s *Service) readyLocked(client model.ClientKey) *pings.Ready {
	ready, ok := s.ready[client]
	if ok {
		select {
		case <-ready.Done():
			// Every sample may have been invalidated since; then the client
			// has to report again.
			if len(s.pings[client]) == 0 {
				ready = nil
			}
		default:
		}
	}
	if ready == nil {
		ready = pings.NewReady()
		if len(s.pings[client]) > 0 {
			ready.Resolve()
		}
		s.ready[client] = ready
	}
	return ready
}

// CreateBestRoute creates a route for the two players on the live server
// with the lowest sum of their latencies. A missing sample counts as
// infinite, so an unmeasured server only wins when nothing better exists.
// Ties go to the lowest server id.
func (s *Service) CreateBestRoute(ctx context.Context, p1, p2 model.ClientKey) (model.RouteInfo, error) {
	server, err := s.pickServer(p1, p2)
	if err != nil {
		metrics.RouteFailures.WithLabelValues("no_server").Inc()
		return model.RouteInfo{}, err
	}

	route, err := s.creator.CreateRoute(ctx, server.Address(), server.Port)
	if err != nil {
		metrics.RouteFailures.WithLabelValues("relay").Inc()
		return model.RouteInfo{}, fmt.Errorf("could not create route on relay server %d: %w", server.ID, err)
	}
	metrics.RoutesCreated.WithLabelValues(strconv.FormatInt(server.ID, 10)).Inc()

	s.logger.Info("Route created",
		logging.RouteID(route.RouteID),
		logging.ServerID(server.ID),
		"p1", p1.String(),
		"p2", p2.String())

	return model.RouteInfo{
		PlayerOne: p1,
		PlayerTwo: p2,
		Route:     route,
		Server: model.RouteServer{
			ID:          server.ID,
			Description: server.Description,
			Address4:    server.Address4,
			Address6:    server.Address6,
			Port:        server.Port,
		},
	}, nil
}

func (s *Service) pickServer(p1, p2 model.ClientKey) (model.ResolvedRelayServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.liveServersLocked()
	if len(candidates) == 0 {
		return model.ResolvedRelayServer{}, ErrNoRoute
	}

	best, bestTotal := candidates[0], s.totalPingLocked(p1, p2, candidates[0].ID)
	for _, server := range candidates[1:] {
		if total := s.totalPingLocked(p1, p2, server.ID); total < bestTotal {
			best, bestTotal = server, total
		}
	}
	return best, nil
}

func (s *Service) totalPingLocked(p1, p2 model.ClientKey, serverID int64) float64 {
	return s.pingLocked(p1, serverID) + s.pingLocked(p2, serverID)
}

func (s *Service) pingLocked(client model.ClientKey, serverID int64) float64 {
	if ping, ok := s.pings[client][serverID]; ok {
		return ping
	}
	return math.Inf(1)
}
