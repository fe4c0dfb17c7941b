// Package routecreator asks rally-point relay servers to allocate routes.
package routecreator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/rallypoint/protocol"
)

// ErrTimeout is returned when a relay server did not answer a route request
// in time.
var ErrTimeout = errors.New("route creation timed out")

// Creator sends route requests from a single local socket. Requests are
// retransmitted until the relay answers, which is safe because the relay
// deduplicates them by request id.
type Creator struct {
	conn    net.PacketConn
	signer  *protocol.Signer
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan protocol.CreateRouteSuccess

	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*Creator)

// WithTimeout bounds each CreateRoute call, on top of its context.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Creator) { c.timeout = timeout }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Creator) { c.logger = l }
}

// Listen binds the local socket and starts reading responses.
func Listen(addr string, secret []byte, opts ...Option) (*Creator, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not bind route creator socket: %w", err)
	}

	c := &Creator{
		conn:    conn,
		signer:  protocol.NewSigner(secret),
		logger:  slog.With(slog.String("component", "route-creator")),
		timeout: 5 * time.Second,
		pending: make(map[string]chan protocol.CreateRouteSuccess),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	return c, nil
}

func (c *Creator) Addr() net.Addr { return c.conn.LocalAddr() }

// Close stops the read loop and closes the socket.
func (c *Creator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Creator) readLoop() {
	defer close(c.done)

	buf := make([]byte, 2048)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn("Route creator failed to read", logging.Error(err))
			continue
		}

		typ, body, err := c.signer.DecodeSigned(buf[:n])
		if err != nil || typ != protocol.TypeCreateRouteSuccess {
			c.logger.Debug("Dropped unexpected packet", "from", from, "type", typ.String())
			continue
		}
		var msg protocol.CreateRouteSuccess
		if err := protocol.Unmarshal(body, &msg); err != nil {
			c.logger.Debug("Dropped malformed packet", "from", from, logging.Error(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// CreateRoute asks the relay at host:port to allocate a route between two
// players.
func (c *Creator) CreateRoute(ctx context.Context, host string, port int) (model.Route, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return model.Route{}, fmt.Errorf("invalid relay address: %w", err)
	}

	requestID := uuid.New().String()
	packet, err := c.signer.EncodeSigned(protocol.TypeCreateRoute, protocol.CreateRoute{RequestID: requestID})
	if err != nil {
		return model.Route{}, err
	}

	result := make(chan protocol.CreateRouteSuccess, 1)
	c.mu.Lock()
	c.pending[requestID] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	retransmit := backoff.NewExponentialBackOff()
	retransmit.InitialInterval = 100 * time.Millisecond
	retransmit.MaxInterval = time.Second
	retransmit.MaxElapsedTime = 0
	retransmit.Reset()

	for {
		if _, err := c.conn.WriteTo(packet, addr); err != nil {
			c.logger.Warn("Could not send route request", "relay", addr, logging.Error(err))
		}

		timer := time.NewTimer(retransmit.NextBackOff())
		select {
		case msg := <-result:
			timer.Stop()
			metrics.RouteCreationLatency.Observe(time.Since(start).Seconds())
			return model.Route{
				RouteID:     msg.RouteID.String(),
				PlayerOneID: msg.PlayerOneID,
				PlayerTwoID: msg.PlayerTwoID,
			}, nil
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return model.Route{}, fmt.Errorf("%w: relay %s", ErrTimeout, addr)
			}
			return model.Route{}, ctx.Err()
		case <-c.done:
			timer.Stop()
			return model.Route{}, net.ErrClosed
		case <-timer.C:
		}
	}
}
