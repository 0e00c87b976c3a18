package rpcserver

import (
	"context"
	"encoding/json"

	"github.com/coderunner/agentd/internal/protocol"
)

// Transport is a payload read/write abstraction whose implementations
// encode only framing (spec §9: "the runner layer must be
// transport-agnostic"). Stdio frames one JSON value per line; WebSocket
// frames one JSON value per text message. Both report the same Envelope
// shape to the router.
type Transport interface {
	// ReadEnvelope blocks until one complete message is available, or
	// returns an error (io.EOF on clean close). Framing errors are
	// returned as *FramingError so the caller can reply with
	// InvalidRequest without closing the transport.
	ReadEnvelope(ctx context.Context) (protocol.Envelope, error)
	WriteEnvelope(ctx context.Context, env protocol.Envelope) error
	Close() error
}

// FramingError marks a malformed frame. Per spec §4.1, InvalidRequest never
// closes the transport.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string { return "framing error: " + e.Err.Error() }
func (e *FramingError) Unwrap() error { return e.Err }

func decodeEnvelope(line []byte) (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return protocol.Envelope{}, &FramingError{Err: err}
	}
	if env.JSONRPC != protocol.JSONRPCVersion {
		return protocol.Envelope{}, &FramingError{Err: errNotJSONRPC2}
	}
	return env, nil
}

var errNotJSONRPC2 = jsonrpcVersionError{}

type jsonrpcVersionError struct{}

func (jsonrpcVersionError) Error() string { return `missing or wrong "jsonrpc" version` }
