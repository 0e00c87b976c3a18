package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coderunner/agentd/internal/auth"
	"github.com/coderunner/agentd/internal/protocol"
)

// loginCallbackTimeout bounds how long a loginChatGpt call waits for the
// browser redirect before giving up and tearing down its loopback listener.
const loginCallbackTimeout = 5 * time.Minute

// loginServer runs the one-shot loopback HTTP listener that catches the
// OAuth redirect for loginChatGpt, grounded on the same net/http.Server
// pattern the local UI uses for its own loopback endpoint.
type loginServer struct {
	log  *slog.Logger
	auth *auth.Manager
	cfg  auth.OAuthConfig
}

type loginCallback struct {
	state string
	code  string
	err   error
}

func newLoginServer(log *slog.Logger, mgr *auth.Manager, cfg auth.OAuthConfig) *loginServer {
	return &loginServer{log: log, auth: mgr, cfg: cfg}
}

// beginAndAwait starts (lazily) the loopback listener on the configured
// redirect URL's port, returns the browser-facing authorize URL, and
// notifies loginChatGptComplete on conn once the redirect arrives or the
// flow times out. The RPC call itself returns immediately with the URL;
// completion is asynchronous (spec: loginChatGptComplete notification).
func (s *loginServer) beginAndAwait(ctx context.Context, conn *Conn) (string, error) {
	if s.auth == nil {
		return "", &protocol.RPCError{Code: protocol.ErrCodeInternalError, Message: "auth is not configured"}
	}
	ln, _, err := s.listen()
	if err != nil {
		return "", &protocol.RPCError{Code: protocol.ErrCodeInternalError, Message: fmt.Sprintf("open login callback listener: %v", err)}
	}

	handle := s.auth.BeginLogin(s.cfg)
	resultCh := make(chan loginCallback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		select {
		case resultCh <- loginCallback{state: q.Get("state"), code: q.Get("code")}:
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Sign-in complete. You may close this tab.</body></html>")
	})
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()

	go func() {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		select {
		case cb := <-resultCh:
			if cb.err != nil {
				s.notifyFailure(ctx, conn, cb.err)
				return
			}
			completeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.auth.CompleteLogin(completeCtx, handle, cb.state, cb.code); err != nil {
				s.notifyFailure(ctx, conn, err)
				return
			}
			_ = conn.Notify(context.Background(), protocol.NotifyLoginChatGptComplete, struct {
				Success bool `json:"success"`
			}{Success: true})
			_ = conn.Notify(context.Background(), protocol.NotifyAuthStatusChange, s.auth.State())
		case <-time.After(loginCallbackTimeout):
			s.notifyFailure(ctx, conn, fmt.Errorf("login: timed out waiting for browser redirect"))
		}
	}()

	return handle.AuthURL, nil
}

func (s *loginServer) notifyFailure(ctx context.Context, conn *Conn, err error) {
	if s.log != nil {
		s.log.Warn("loginChatGpt failed", "error", err)
	}
	_ = conn.Notify(context.Background(), protocol.NotifyLoginChatGptComplete, struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}{Success: false, Error: err.Error()})
}

// listen opens the loopback listener on the port named in the configured
// redirect URL (e.g. "http://127.0.0.1:1455/auth/callback" -> "127.0.0.1:1455").
func (s *loginServer) listen() (net.Listener, string, error) {
	host := "127.0.0.1:1455"
	if s.cfg.RedirectURL != "" {
		if u := strings.TrimPrefix(strings.TrimPrefix(s.cfg.RedirectURL, "https://"), "http://"); u != "" {
			if i := strings.IndexByte(u, '/'); i >= 0 {
				u = u[:i]
			}
			host = u
		}
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, "", err
	}
	return ln, host, nil
}
