package rpcserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coderunner/agentd/internal/protocol"
)

// Handler answers one client request. Returning an error with no *RPCError
// wrapping is classified by ClassifyError into the wire taxonomy.
type Handler func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error)

// Router is a static mapping from method name to handler, built once at
// startup (spec §9: "the tool registry... no runtime reflection is
// required once the table is built" — the same shape applies to RPC method
// dispatch).
type Router struct {
	mu            sync.RWMutex
	methods       map[string]Handler
	experimental  map[string]struct{}
}

func NewRouter() *Router {
	return &Router{
		methods:      make(map[string]Handler),
		experimental: make(map[string]struct{}),
	}
}

// Register adds a handler for method. experimental gates the method behind
// the client's initialize.experimental_api capability.
func (r *Router) Register(method string, h Handler, experimental bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = h
	if experimental {
		r.experimental[method] = struct{}{}
	}
}

func (r *Router) lookup(method string) (Handler, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[method]
	_, exp := r.experimental[method]
	return h, ok, exp
}

// dispatch runs the handler for a request envelope and returns the
// envelope to write back (result or error). Never panics outward: a
// handler panic is recovered and reported as InternalError.
func (r *Router) dispatch(ctx context.Context, conn *Conn, req protocol.Envelope) (env protocol.Envelope) {
	id := *req.ID
	h, ok, experimental := r.lookup(req.Method)
	if !ok {
		return protocol.NewError(id, protocol.ErrCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	if experimental && !conn.ExperimentalAPI() {
		return protocol.NewError(id, protocol.ErrCodeMethodNotFound, "method requires experimental_api: "+req.Method, nil)
	}

	defer func() {
		if rec := recover(); rec != nil {
			env = protocol.NewError(id, protocol.ErrCodeInternalError, "internal error", nil)
		}
	}()

	result, err := h(ctx, conn, req.Params)
	if err != nil {
		return errorEnvelope(id, err)
	}
	out, merr := protocol.NewResult(id, result)
	if merr != nil {
		return protocol.NewError(id, protocol.ErrCodeInternalError, "failed to marshal result", nil)
	}
	return out
}

func errorEnvelope(id protocol.RequestID, err error) protocol.Envelope {
	if rpcErr, ok := err.(*protocol.RPCError); ok {
		return protocol.Envelope{JSONRPC: protocol.JSONRPCVersion, ID: &id, Error: rpcErr}
	}
	code, msg := ClassifyError(err)
	return protocol.NewError(id, code, msg, nil)
}
