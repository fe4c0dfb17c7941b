// Package relay implements a rally-point relay server: it allocates routes
// on request of the route creator and forwards datagrams between the two
// players of each route.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v2"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/protocol"
)

const maxPacketSize = 2048

type Player struct {
	// ID is assigned by the relay when the route is created.
	ID uint32

	// Addr is the address the player joined from, nil until it joins.
	Addr net.Addr

	// LastSeen is the time of the last packet received from the player.
	LastSeen time.Time
}

type Route struct {
	ID        protocol.RouteID
	Players   [2]*Player
	RequestID string
	CreatedAt time.Time
}

func (r *Route) player(id uint32) (self, peer *Player) {
	switch id {
	case r.Players[0].ID:
		return r.Players[0], r.Players[1]
	case r.Players[1].ID:
		return r.Players[1], r.Players[0]
	}
	return nil, nil
}

func (r *Route) ready() bool {
	return r.Players[0].Addr != nil && r.Players[1].Addr != nil
}

func (r *Route) lastSeen() time.Time {
	last := r.CreatedAt
	for _, p := range r.Players {
		if p.LastSeen.After(last) {
			last = p.LastSeen
		}
	}
	return last
}

type Server struct {
	conn   net.PacketConn
	signer *protocol.Signer
	logger *slog.Logger

	mu       sync.Mutex
	routes   map[protocol.RouteID]*Route
	requests map[string]protocol.RouteID

	idleTimeout   time.Duration
	sweepInterval time.Duration
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIdleTimeout sets how long a route may stay silent before it is
// removed, and how often routes are checked.
func WithIdleTimeout(timeout, interval time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = timeout
		s.sweepInterval = interval
	}
}

// Listen binds the relay to a UDP address. secret must match the one used by
// the route creator.
func Listen(addr string, secret []byte, opts ...Option) (*Server, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return NewServer(conn, secret, opts...), nil
}

func NewServer(conn net.PacketConn, secret []byte, opts ...Option) *Server {
	s := &Server{
		conn:          conn,
		signer:        protocol.NewSigner(secret),
		logger:        slog.With(slog.String("component", "relay")),
		routes:        make(map[protocol.RouteID]*Route),
		requests:      make(map[string]protocol.RouteID),
		idleTimeout:   5 * time.Minute,
		sweepInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Start serves packets until ctx is cancelled. The socket is closed on
// return.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Relay server listening", "addr", s.conn.LocalAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = s.conn.Close()
	}()
	go func() {
		defer wg.Done()
		s.cleanupRoutes(ctx)
	}()
	defer wg.Wait()

	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Relay server failed to read", logging.Error(err))
			metrics.RelayErrors.WithLabelValues("read").Inc()
			continue
		}
		metrics.PacketIn.Inc()
		metrics.BytesReceived.Add(float64(n))

		s.handlePacket(buf[:n], from)
	}
}

func (s *Server) handlePacket(packet []byte, from net.Addr) {
	// STUN requests start with a zero byte, which no relay packet type uses.
	if len(packet) > 0 && packet[0] == 0x00 && stun.IsMessage(packet) {
		s.handleStun(packet, from)
		return
	}

	typ, body, err := protocol.Decode(packet)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("short").Inc()
		return
	}

	switch typ {
	case protocol.TypeForward:
		s.handleForward(packet, from)
	case protocol.TypeCreateRoute:
		s.handleCreateRoute(packet, from)
	case protocol.TypeJoinRoute:
		var msg protocol.JoinRoute
		if err := protocol.Unmarshal(body, &msg); err != nil {
			metrics.PacketsDropped.WithLabelValues("malformed").Inc()
			return
		}
		s.handleJoinRoute(msg, from)
	case protocol.TypeKeepAlive:
		var msg protocol.KeepAlive
		if err := protocol.Unmarshal(body, &msg); err != nil {
			metrics.PacketsDropped.WithLabelValues("malformed").Inc()
			return
		}
		s.handleKeepAlive(msg, from)
	default:
		s.logger.Debug("Unhandled packet type", "type", typ.String(), "from", from)
		metrics.PacketsDropped.WithLabelValues("unknown_type").Inc()
	}
}

func (s *Server) handleStun(packet []byte, from net.Addr) {
	req := &stun.Message{Raw: append([]byte(nil), packet...)}
	if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
		metrics.PacketsDropped.WithLabelValues("stun").Inc()
		return
	}

	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port},
		stun.Fingerprint,
	)
	if err != nil {
		s.logger.Warn("Could not build STUN response", logging.Error(err))
		metrics.RelayErrors.WithLabelValues("stun").Inc()
		return
	}
	metrics.StunRequests.Inc()
	s.send(resp.Raw, from)
}

func (s *Server) handleCreateRoute(packet []byte, from net.Addr) {
	_, body, err := s.signer.DecodeSigned(packet)
	if err != nil {
		s.logger.Warn("Rejected route creation request", "from", from, logging.Error(err))
		metrics.PacketsDropped.WithLabelValues("signature").Inc()
		return
	}
	var msg protocol.CreateRoute
	if err := protocol.Unmarshal(body, &msg); err != nil || msg.RequestID == "" {
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return
	}

	route, err := s.createRoute(msg.RequestID)
	if err != nil {
		s.logger.Error("Could not create route", logging.Error(err))
		metrics.RelayErrors.WithLabelValues("create_route").Inc()
		return
	}

	resp, err := s.signer.EncodeSigned(protocol.TypeCreateRouteSuccess, protocol.CreateRouteSuccess{
		RequestID:   msg.RequestID,
		RouteID:     route.ID,
		PlayerOneID: route.Players[0].ID,
		PlayerTwoID: route.Players[1].ID,
	})
	if err != nil {
		s.logger.Error("Could not encode route", logging.Error(err))
		metrics.RelayErrors.WithLabelValues("marshal").Inc()
		return
	}
	s.send(resp, from)
}

// createRoute allocates a route for the request, or returns the route
// already allocated for it when the request is a retransmission.
func (s *Server) createRoute(requestID string) (Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.requests[requestID]; ok {
		if route, ok := s.routes[id]; ok {
			return *route, nil
		}
	}

	id, err := protocol.NewRouteID()
	if err != nil {
		return Route{}, err
	}
	p1, p2, err := newPlayerIDs()
	if err != nil {
		return Route{}, err
	}

	route := &Route{
		ID:        id,
		Players:   [2]*Player{{ID: p1}, {ID: p2}},
		RequestID: requestID,
		CreatedAt: time.Now(),
	}
	s.routes[id] = route
	s.requests[requestID] = id

	s.logger.Info("Route created", logging.RouteID(id.String()))
	metrics.ActiveRoutes.Inc()
	return *route, nil
}

func newPlayerIDs() (uint32, uint32, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, 0, err
		}
		p1 := binary.LittleEndian.Uint32(b[:4])
		p2 := binary.LittleEndian.Uint32(b[4:])
		if p1 != 0 && p2 != 0 && p1 != p2 {
			return p1, p2, nil
		}
	}
}

func (s *Server) handleJoinRoute(msg protocol.JoinRoute, from net.Addr) {
	s.mu.Lock()
	route, ok := s.routes[msg.RouteID]
	var self, peer *Player
	if ok {
		self, peer = route.player(msg.PlayerID)
	}
	if self == nil {
		s.mu.Unlock()
		s.sendUnsigned(protocol.TypeJoinRouteFailure, protocol.JoinRouteFailure{
			RouteID:  msg.RouteID,
			PlayerID: msg.PlayerID,
			Reason:   "route not found",
		}, from)
		return
	}

	wasReady := route.ready()
	self.Addr = from
	self.LastSeen = time.Now()
	ready := route.ready()
	var peerAddr net.Addr
	if peer != nil {
		peerAddr = peer.Addr
	}
	s.mu.Unlock()

	s.logger.Debug("Player joined route", logging.RouteID(msg.RouteID.String()), "player", msg.PlayerID, "from", from)
	s.sendUnsigned(protocol.TypeJoinRouteSuccess, protocol.JoinRouteSuccess{
		RouteID:  msg.RouteID,
		PlayerID: msg.PlayerID,
	}, from)

	if !ready {
		return
	}
	readyMsg := protocol.RouteReady{RouteID: msg.RouteID}
	s.sendUnsigned(protocol.TypeRouteReady, readyMsg, from)
	if !wasReady {
		s.sendUnsigned(protocol.TypeRouteReady, readyMsg, peerAddr)
	}
}

func (s *Server) handleKeepAlive(msg protocol.KeepAlive, from net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[msg.RouteID]
	if !ok {
		return
	}
	if self, _ := route.player(msg.PlayerID); self != nil && sameAddr(self.Addr, from) {
		self.LastSeen = time.Now()
	}
}

func (s *Server) handleForward(packet []byte, from net.Addr) {
	routeID, playerID, payload, err := protocol.DecodeForward(packet)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("short").Inc()
		return
	}

	s.mu.Lock()
	route, ok := s.routes[routeID]
	var target net.Addr
	if ok {
		self, peer := route.player(playerID)
		if self != nil && sameAddr(self.Addr, from) {
			self.LastSeen = time.Now()
			target = peer.Addr
		}
	}
	s.mu.Unlock()

	if target == nil {
		metrics.PacketsDropped.WithLabelValues("no_route").Inc()
		return
	}
	s.send(protocol.EncodeReceive(routeID, payload), target)
}

func (s *Server) cleanupRoutes(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.removeIdleRoutes(now)
		}
	}
}

func (s *Server) removeIdleRoutes(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := now.Add(-s.idleTimeout)
	for id, route := range s.routes {
		if route.lastSeen().After(deadline) {
			continue
		}
		delete(s.routes, id)
		delete(s.requests, route.RequestID)

		s.logger.Info("Route timed out", logging.RouteID(id.String()))
		metrics.ActiveRoutes.Dec()
		metrics.RouteLifetime.Observe(now.Sub(route.CreatedAt).Seconds())
	}
}

// Routes returns the number of allocated routes.
func (s *Server) Routes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

func (s *Server) sendUnsigned(t protocol.MessageType, body any, to net.Addr) {
	packet, err := protocol.Encode(t, body)
	if err != nil {
		s.logger.Error("Could not encode packet", "type", t.String(), logging.Error(err))
		metrics.RelayErrors.WithLabelValues("marshal").Inc()
		return
	}
	s.send(packet, to)
}

func (s *Server) send(packet []byte, to net.Addr) {
	if to == nil {
		return
	}
	if _, err := s.conn.WriteTo(packet, to); err != nil {
		s.logger.Warn("Could not write the packet", "to", to, logging.Error(err))
		metrics.RelayErrors.WithLabelValues("write").Inc()
		return
	}
	metrics.PacketOut.Inc()
	metrics.BytesSent.Add(float64(len(packet)))
}

func sameAddr(a, b net.Addr) bool {
	return a != nil && b != nil && a.String() == b.String()
}
