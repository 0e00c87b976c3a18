package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coderunner/agentd/internal/protocol"
	"github.com/google/uuid"
)

// Conn is one client connection: a transport plus the per-client state
// spec §4.1 requires — outstanding server->client elicitations, the
// notification opt-out set, and the experimental_api gate. A close of the
// transport cancels every turn registered against this Conn (spec §4.1,
// §5).
type Conn struct {
	log       *slog.Logger
	transport Transport

	mu               sync.Mutex
	elicitations     map[string]chan elicitationReply
	optOut           map[string]struct{}
	experimentalAPI  bool
	clientName       string
	closed           bool

	onClose   []func()
	nextSeq   atomic.Int64
}

type elicitationReply struct {
	result json.RawMessage
	err    *protocol.RPCError
}

func newConn(log *slog.Logger, t Transport) *Conn {
	return &Conn{
		log:          log,
		transport:    t,
		elicitations: make(map[string]chan elicitationReply),
		optOut:       make(map[string]struct{}),
	}
}

func (c *Conn) SetInitializeCaps(experimentalAPI bool, optOutMethods []string, clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.experimentalAPI = experimentalAPI
	c.clientName = clientName
	for _, m := range optOutMethods {
		c.optOut[m] = struct{}{}
	}
}

func (c *Conn) ExperimentalAPI() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.experimentalAPI
}

// OriginatorName is the client.name forwarded on every upstream model HTTP
// request (spec §6 "Originator header").
func (c *Conn) OriginatorName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientName
}

// NextSeq returns a monotonically increasing sequence number for
// notifications within this client session (spec §3).
func (c *Conn) NextSeq() int64 { return c.nextSeq.Add(1) }

// Notify sends a fire-and-forget notification, unless the client opted out
// of this method at initialize time (spec §4.1, testable property 3).
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	_, skip := c.optOut[method]
	closed := c.closed
	c.mu.Unlock()
	if skip || closed {
		return nil
	}
	env, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.transport.WriteEnvelope(ctx, env)
}

// Elicit sends a server-initiated request and blocks until the client
// replies or ctx is cancelled. A reply whose id no longer matches an
// outstanding elicitation is a protocol error on the caller's side (spec
// §5); this function only ever resolves outstanding ones it registered.
func (c *Conn) Elicit(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan elicitationReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	c.elicitations[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.elicitations, id)
		c.mu.Unlock()
	}()

	reqID := protocol.NewRequestID(id)
	env, err := protocol.NewRequest(reqID, method, params)
	if err != nil {
		return nil, err
	}
	if err := c.transport.WriteEnvelope(ctx, env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	}
}

// resolveElicitation delivers an inbound Response to its waiting Elicit
// call. Returns false (a protocol error, per spec §5) when no elicitation
// with that id is outstanding.
func (c *Conn) resolveElicitation(id string, result json.RawMessage, rpcErr *protocol.RPCError) bool {
	c.mu.Lock()
	ch, ok := c.elicitations[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- elicitationReply{result: result, err: rpcErr}:
	default:
	}
	return true
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	handlers := append([]func(){}, c.onClose...)
	c.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// OnClose registers a callback run once when the connection's transport is
// torn down; the turn engine uses this to cancel outstanding turns owned
// by this client (spec §4.1: "A close of any transport cancels all
// outstanding turns that belong to that client.").
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *Conn) logUnmatchedResponse(id string) {
	if c.log != nil {
		c.log.Warn("discarding unmatched rpc response", "id", fmt.Sprintf("%v", id))
	}
}
