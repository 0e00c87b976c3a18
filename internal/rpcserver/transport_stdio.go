package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/coderunner/agentd/internal/protocol"
)

// stdioTransport frames one complete JSON value per line, matching the
// teacher's sidecar IPC framing (bufio.Scanner over a newline-delimited
// stream, json.Encoder with html-escaping disabled so shell-ish argv
// strings round-trip byte for byte).
type stdioTransport struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	enc     *json.Encoder
	closer  io.Closer
}

func newStdioTransport(r io.Reader, w io.Writer, closer io.Closer) *stdioTransport {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &stdioTransport{scanner: sc, enc: enc, closer: closer}
}

func (t *stdioTransport) ReadEnvelope(ctx context.Context) (protocol.Envelope, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return protocol.Envelope{}, err
		}
		return protocol.Envelope{}, io.EOF
	}
	line := strings.TrimSpace(t.scanner.Text())
	if line == "" {
		return protocol.Envelope{}, &FramingError{Err: errEmptyFrame}
	}
	return decodeEnvelope([]byte(line))
}

func (t *stdioTransport) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(env)
}

func (t *stdioTransport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

type emptyFrameError struct{}

func (emptyFrameError) Error() string { return "empty stdio frame" }

var errEmptyFrame = emptyFrameError{}
