package rpcserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coderunner/agentd/internal/protocol"
	"github.com/gorilla/websocket"
)

// Server owns the Router and runs one supervising loop per client
// connection, spawning a child goroutine per in-flight request (spec §5).
type Server struct {
	log    *slog.Logger
	router *Router

	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, router *Router) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeStdio runs the single-client newline-delimited JSON loop until ctx
// is cancelled or the stream closes.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	t := newStdioTransport(r, w, nil)
	return s.serveConn(ctx, t)
}

// ServeWS upgrades one HTTP request to a WebSocket client connection and
// runs it until ctx is cancelled or the socket closes. Many clients may be
// served concurrently by calling this from an http.Handler.
func (s *Server) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	t := newWSTransport(conn)
	return s.serveConn(ctx, t)
}

func (s *Server) serveConn(ctx context.Context, t Transport) error {
	conn := newConn(s.log, t)
	defer func() {
		conn.markClosed()
		_ = t.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := t.ReadEnvelope(ctx)
		if err != nil {
			var fe *FramingError
			if errors.As(err, &fe) {
				// InvalidRequest never closes the transport (spec §4.1).
				_ = t.WriteEnvelope(ctx, protocol.NewError(protocol.NewRequestID(nil), protocol.ErrCodeInvalidRequest, fe.Error(), nil))
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch {
		case env.IsRequest():
			wg.Add(1)
			go func(req protocol.Envelope) {
				defer wg.Done()
				resp := s.router.dispatch(ctx, conn, req)
				if err := t.WriteEnvelope(ctx, resp); err != nil {
					s.log.Warn("write response failed", "error", err)
				}
			}(env)
		case env.IsResponse():
			s.handleInboundResponse(conn, env)
		case env.IsNotification():
			wg.Add(1)
			go func(n protocol.Envelope) {
				defer wg.Done()
				if n.Method == "initialized" {
					return
				}
			}(env)
		default:
			_ = t.WriteEnvelope(ctx, protocol.NewError(protocol.NewRequestID(nil), protocol.ErrCodeInvalidRequest, "malformed envelope", nil))
		}
	}
}

func (s *Server) handleInboundResponse(conn *Conn, env protocol.Envelope) {
	if env.ID == nil {
		return
	}
	id := env.ID.String()
	// RequestID.String() carries the raw JSON (e.g. `"abc"` or `5`); trim
	// the quotes for string ids so it matches the id minted by Elicit.
	unquoted := id
	if len(unquoted) >= 2 && unquoted[0] == '"' && unquoted[len(unquoted)-1] == '"' {
		unquoted = unquoted[1 : len(unquoted)-1]
	}
	if !conn.resolveElicitation(unquoted, env.Result, env.Error) {
		conn.logUnmatchedResponse(id)
	}
}
