package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/model"
	"github.com/shieldbattery/shieldbattery/internal/wire"
)

const subscriberQueueSize = 64

// Subscriber is a live client socket. Every client gets every topic.
type Subscriber struct {
	Key         model.ClientKey
	ConnectedAt time.Time

	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(key model.ClientKey) *Subscriber {
	return &Subscriber{
		Key:         key,
		ConnectedAt: time.Now().In(time.UTC),
		queue:       make(chan []byte, subscriberQueueSize),
		done:        make(chan struct{}),
	}
}

// Send queues a message on the topic. It never blocks: when the client
// cannot keep up the message is dropped.
func (s *Subscriber) Send(topic string, data any) {
	payload, err := wire.ComposeEnvelope(topic, data)
	if err != nil {
		slog.Error("Could not encode a message", "topic", topic, logging.Error(err))
		metrics.FailedMessageSends.WithLabelValues("encode_error").Inc()
		return
	}
	s.enqueue(payload)
}

func (s *Subscriber) enqueue(payload []byte) {
	select {
	case s.queue <- payload:
	default:
		metrics.FailedMessageSends.WithLabelValues("queue_full").Inc()
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub keeps track of the connected client sockets and fans published
// messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[model.ClientKey]*Subscriber

	onConnect    func(*Subscriber)
	onDisconnect func(model.ClientKey)
	logger       *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[model.ClientKey]*Subscriber),
		logger:  slog.With(slog.String("component", "pubsub")),
	}
}

// OnConnect registers a callback run for every new subscriber.
func (h *Hub) OnConnect(fn func(*Subscriber)) { h.onConnect = fn }

// OnDisconnect registers a callback run once a client has no socket left.
func (h *Hub) OnDisconnect(fn func(model.ClientKey)) { h.onDisconnect = fn }

// Publish implements rallypoint.Publisher.
func (h *Hub) Publish(topic string, data any) {
	payload, err := wire.ComposeEnvelope(topic, data)
	if err != nil {
		h.logger.Error("Could not encode a message", "topic", topic, logging.Error(err))
		metrics.FailedMessageSends.WithLabelValues("encode_error").Inc()
		return
	}
	metrics.MessagesPublished.WithLabelValues(topic).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.clients {
		sub.enqueue(payload)
	}
}

// HasClient reports whether the client has a live socket.
func (h *Hub) HasClient(key model.ClientKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[key]
	return ok
}

func (h *Hub) register(key model.ClientKey) *Subscriber {
	sub := newSubscriber(key)

	h.mu.Lock()
	previous, replaced := h.clients[key]
	h.clients[key] = sub
	h.mu.Unlock()

	if replaced {
		h.logger.Info("Client reconnected, closing the previous socket", logging.ClientID(key.String()))
		previous.close()
	} else {
		metrics.ConnectedClients.Inc()
	}

	// Registered first, so no update published after the snapshot is missed.
	// onConnect queues its snapshot under the publisher's lock, so an update
	// published meanwhile cannot land ahead of it.
	if h.onConnect != nil {
		h.onConnect(sub)
	}
	return sub
}

// unregister reports whether the client is gone for good, that is the
// subscriber had not been replaced by a newer socket.
func (h *Hub) unregister(sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[sub.Key]; !ok || current != sub {
		return false
	}
	delete(h.clients, sub.Key)
	metrics.ConnectedClients.Dec()
	return true
}

// Serve pumps the queued messages to the socket until the client goes away,
// ctx is done or the client connects again from another socket.
func (h *Hub) Serve(ctx context.Context, key model.ClientKey, conn *websocket.Conn) error {
	sub := h.register(key)
	defer func() {
		sub.close()
		if h.unregister(sub) && h.onDisconnect != nil {
			h.onDisconnect(key)
		}
		h.logger.Debug("Client disconnected", logging.ClientID(key.String()))
	}()
	h.logger.Debug("Client connected", logging.ClientID(key.String()))

	// Clients never send anything, reading only handles the control frames.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.done:
			return conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
		case payload := <-sub.queue:
			if err := writeTimeout(ctx, conn, payload); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				metrics.FailedMessageSends.WithLabelValues("write_error").Inc()
				return err
			}
		}
	}
}

func writeTimeout(ctx context.Context, conn wire.WebSocketWriter, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wire.Write(ctx, conn, payload)
}
