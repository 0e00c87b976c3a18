package rpcserver

import (
	"context"
	"sync"

	"github.com/coderunner/agentd/internal/protocol"
	"github.com/gorilla/websocket"
)

// wsTransport frames one JSON value per WebSocket text message. Binary,
// ping, pong, and close frames are never decoded as RPC (spec §4.1): binary
// messages are skipped, a close frame surfaces as the read error gorilla
// returns, and ping/pong are handled by gorilla's built-in handlers.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadEnvelope(ctx context.Context) (protocol.Envelope, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return decodeEnvelope(data)
	}
}

func (t *wsTransport) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
