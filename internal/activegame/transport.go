package activegame

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/shieldbattery/shieldbattery/internal/app/logger/logging"
	"github.com/shieldbattery/shieldbattery/internal/metrics"
	"github.com/shieldbattery/shieldbattery/internal/wire"
	"golang.org/x/sync/errgroup"
)

const commandQueueSize = 32

// GameEventHandler receives the messages of the connected game processes.
type GameEventHandler interface {
	HandleGameConnected(id string)
	HandleSetupProgress(id string, info SetupProgress)
	HandleGameStart(id string)
	HandleGameResult(id string, result json.RawMessage)
	HandleResultSent(id string)
	HandleGameFinished(id string)
	HandleReplaySave(id string, path string)
}

type gameConn struct {
	id    string
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *gameConn) close() {
	c.once.Do(func() { close(c.done) })
}

// Transport is the websocket the game processes connect back to, one
// connection per game id.
type Transport struct {
	mu      sync.Mutex
	conns   map[string]*gameConn
	handler GameEventHandler
	logger  *slog.Logger
}

func NewTransport() *Transport {
	return &Transport{
		conns:  make(map[string]*gameConn),
		logger: slog.With(slog.String("component", "game-transport")),
	}
}

// SetHandler has to be called before the first game connects.
func (t *Transport) SetHandler(handler GameEventHandler) {
	t.handler = handler
}

// SendCommand implements CommandSender.
func (t *Transport) SendCommand(gameID, command string, payload any) {
	msg, err := wire.ComposeCommand(command, payload)
	if err != nil {
		t.logger.Error("Could not encode a game command", logging.GameID(gameID), "command", command, logging.Error(err))
		metrics.FailedMessageSends.WithLabelValues("encode_error").Inc()
		return
	}

	t.mu.Lock()
	conn, ok := t.conns[gameID]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("Game is not connected, dropping command", logging.GameID(gameID), "command", command)
		metrics.FailedMessageSends.WithLabelValues("not_connected").Inc()
		return
	}

	select {
	case conn.queue <- msg:
	default:
		t.logger.Warn("Game command queue is full, dropping command", logging.GameID(gameID), "command", command)
		metrics.FailedMessageSends.WithLabelValues("queue_full").Inc()
	}
}

// Connected reports whether the game process has a live connection.
func (t *Transport) Connected(gameID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[gameID]
	return ok
}

func (t *Transport) HandleGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "gameId")
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.logger.Warn("Could not accept the game connection", logging.GameID(id), logging.Error(err))
		metrics.ConnectionErrs.Inc()
		return
	}
	defer ws.CloseNow()

	if err := t.serve(r.Context(), id, ws); err != nil {
		t.logger.Debug("Game connection closed", logging.GameID(id), logging.Error(err))
	}
}

func (t *Transport) register(id string) *gameConn {
	conn := &gameConn{id: id, queue: make(chan []byte, commandQueueSize), done: make(chan struct{})}

	t.mu.Lock()
	previous, replaced := t.conns[id]
	t.conns[id] = conn
	t.mu.Unlock()

	if replaced {
		previous.close()
	} else {
		metrics.GameConnections.Inc()
	}
	return conn
}

func (t *Transport) unregister(conn *gameConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.conns[conn.id]; ok && current == conn {
		delete(t.conns, conn.id)
		metrics.GameConnections.Dec()
	}
}

func (t *Transport) serve(ctx context.Context, id string, ws *websocket.Conn) error {
	conn := t.register(id)
	defer func() {
		conn.close()
		t.unregister(conn)
	}()
	t.logger.Info("Game connected", logging.GameID(id))

	// Registered first, so the commands sent by the handler are queued.
	t.handler.HandleGameConnected(id)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-conn.done:
				return ws.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
			case msg := <-conn.queue:
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := wire.Write(writeCtx, ws, msg)
				cancel()
				if err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		for {
			_, payload, err := ws.Read(ctx)
			if err != nil {
				return err
			}
			var cmd wire.Command
			if err := wire.Decode(payload, &cmd); err != nil {
				t.logger.Warn("Dropping malformed game message", logging.GameID(id), logging.Error(err))
				continue
			}
			t.dispatch(id, cmd)
		}
	})

	err := g.Wait()
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Transport) dispatch(id string, cmd wire.Command) {
	switch cmd.Command {
	case MessageSetupProgress:
		var info SetupProgress
		if err := json.Unmarshal(cmd.Payload, &info); err != nil {
			t.logger.Warn("Invalid setup progress", logging.GameID(id), logging.Error(err))
			return
		}
		t.handler.HandleSetupProgress(id, info)
	case MessageStart:
		t.handler.HandleGameStart(id)
	case MessageResult:
		t.handler.HandleGameResult(id, cmd.Payload)
	case MessageResultSent:
		t.handler.HandleResultSent(id)
	case MessageFinished:
		t.handler.HandleGameFinished(id)
	case MessageReplaySave:
		var replay struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(cmd.Payload, &replay); err != nil {
			t.logger.Warn("Invalid replay save", logging.GameID(id), logging.Error(err))
			return
		}
		t.handler.HandleReplaySave(id, replay.Path)
	default:
		t.logger.Warn("Unhandled game message", logging.GameID(id), "command", cmd.Command)
	}
}
