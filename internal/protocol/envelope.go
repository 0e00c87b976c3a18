// Package protocol defines the wire shapes shared by the JSON-RPC server and
// the turn engine: the envelope itself, thread/turn/item identifiers, and the
// v2 thread/turn API payloads. Everything here is a plain data type; framing
// and transport live in internal/rpcserver.
package protocol

import "encoding/json"

// RequestID is the opaque correlation id carried by requests and their
// responses. The wire form is string|int; both are preserved verbatim so a
// round-tripped message re-serializes identically.
type RequestID struct {
	raw json.RawMessage
}

func NewRequestID(v any) RequestID {
	b, _ := json.Marshal(v)
	return RequestID{raw: b}
}

func (id RequestID) IsZero() bool { return len(id.raw) == 0 }

func (id RequestID) String() string {
	return string(id.raw)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(b []byte) error {
	cp := make(json.RawMessage, len(b))
	copy(cp, b)
	id.raw = cp
	return nil
}

const JSONRPCVersion = "2.0"

// Envelope is the bit-exact JSON-RPC 2.0 shape used on every transport.
// Exactly one of Method+Params (request/notification) or Result or Error is
// set; ID is present on requests and their responses, absent on
// notifications.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Error codes per the JSON-RPC 2.0 spec plus the taxonomy in spec §7.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

func NewRequest(id RequestID, method string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: raw}, nil
}

func NewNotification(method string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

func NewResult(id RequestID, result any) (Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{JSONRPC: JSONRPCVersion, ID: &id, Result: raw}, nil
}

func NewError(id RequestID, code int, message string, data any) Envelope {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return Envelope{JSONRPC: JSONRPCVersion, ID: &id, Error: &RPCError{Code: code, Message: message, Data: raw}}
}

func (e Envelope) IsRequest() bool      { return e.ID != nil && e.Method != "" }
func (e Envelope) IsNotification() bool { return e.ID == nil && e.Method != "" }
func (e Envelope) IsResponse() bool     { return e.ID != nil && e.Method == "" }
