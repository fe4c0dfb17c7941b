package wire

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

var ProtoVersion = "dev"

// Dial opens a websocket connection, authenticating with the bearer token
// when one is given.
func Dial(ctx context.Context, wsURL string, token string) (*websocket.Conn, error) {
	slog.Debug("Connecting to the websocket server", "url", wsURL)

	// Give 5 seconds to establish WebSocket connection.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	headers := http.Header{}
	headers.Set("X-Version", ProtoVersion)
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

var _ WebSocketWriter = (*websocket.Conn)(nil)

type WebSocketWriter interface {
	Write(ctx context.Context, messageType websocket.MessageType, payload []byte) error
}

func Write(ctx context.Context, wsConn WebSocketWriter, payload []byte) error {
	return wsConn.Write(ctx, websocket.MessageText, payload)
}
