package rpcserver

import (
	"errors"
	"strings"

	"github.com/coderunner/agentd/internal/protocol"
)

// Sentinel errors handlers return so ClassifyError can map them onto the
// wire taxonomy without string matching wherever possible. Grounded on the
// teacher's toAIRPCError: typed checks first, a fallback string scan
// second.
var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrTurnNotFound    = errors.New("run not found")
	ErrThreadBusy      = errors.New("thread already has a non-terminal turn")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidParams   = errors.New("invalid params")
)

// ClassifyError maps an internal error to a JSON-RPC error code and
// message per spec §7's InvalidInput/InternalError wire surface.
func ClassifyError(err error) (int, string) {
	if err == nil {
		return protocol.ErrCodeInternalError, "unknown error"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "request failed"
	}

	switch {
	case errors.Is(err, ErrInvalidParams):
		return protocol.ErrCodeInvalidParams, msg
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrTurnNotFound):
		return 404, msg
	case errors.Is(err, ErrThreadBusy):
		return 409, msg
	case errors.Is(err, ErrPermissionDenied):
		return 403, msg
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "thread not found"), strings.Contains(lower, "run not found"), strings.Contains(lower, "turn not found"):
		return 404, msg
	case strings.Contains(lower, "permission denied"):
		return 403, msg
	case strings.Contains(lower, "busy"):
		return 409, msg
	default:
		return protocol.ErrCodeInternalError, msg
	}
}
