// Package auth holds the single source of truth for credentials (spec
// §4.8): the in-memory AuthState, token refresh against the OAuth token
// endpoint, and the unauthorized-recovery state machine invoked per 401.
//
// Grounded on codex-rs/core/src/auth.rs: the refresh staleness horizon,
// the failure classification taxonomy, and the recovery state machine are
// ported from there. The concrete OAuth endpoint and client id are real
// external identifiers in the original and are not copied verbatim — both
// are config-supplied here with a placeholder default.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenRefreshInterval is the staleness horizon: tokens older than this are
// refreshed lazily on use (codex-rs TOKEN_REFRESH_INTERVAL = 8 days).
const TokenRefreshInterval = 8 * 24 * time.Hour

type Mode string

const (
	ModeNone                 Mode = "none"
	ModeAPIKey               Mode = "api_key"
	ModeChatGPT              Mode = "chatgpt"
	ModeChatGPTExternalTokens Mode = "chatgpt_external_tokens"
)

// Tokens is spec §3's Chatgpt{tokens, last_refresh} payload.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	AccountID    string
	Plan         string
}

// State is spec §3's AuthState: exactly one of
// {None, ApiKey{key}, Chatgpt{tokens,last_refresh}, ChatgptExternalTokens{tokens}}.
// Invariant: LastRefresh is always present when Tokens is present.
type State struct {
	Mode        Mode
	APIKey      string
	Tokens      *Tokens
	LastRefresh time.Time
}

func (s State) IsChatGPTAuth() bool {
	return s.Mode == ModeChatGPT || s.Mode == ModeChatGPTExternalTokens
}

func (s State) IsExternalChatGPTTokens() bool {
	return s.Mode == ModeChatGPTExternalTokens
}

func (s State) Stale(now time.Time) bool {
	if s.Tokens == nil {
		return false
	}
	return now.Sub(s.LastRefresh) > TokenRefreshInterval
}

// RefreshFailureKind classifies an OAuth refresh failure from the
// error.code field of the token response (codex-rs classify_refresh_token_failure).
type RefreshFailureKind string

const (
	RefreshExpired  RefreshFailureKind = "expired"
	RefreshExhausted RefreshFailureKind = "exhausted"
	RefreshRevoked  RefreshFailureKind = "revoked"
	RefreshOther    RefreshFailureKind = "other"
)

var refreshFailureMessages = map[RefreshFailureKind]string{
	RefreshExpired:   "Your session has expired. Please sign in again.",
	RefreshExhausted: "Your refresh token has been reused too many times. Please sign in again.",
	RefreshRevoked:   "Your session was revoked. Please sign in again.",
	RefreshOther:     "Failed to refresh credentials.",
}

func ClassifyRefreshFailure(errorCode string) RefreshFailureKind {
	switch errorCode {
	case "invalid_grant", "expired_token":
		return RefreshExpired
	case "refresh_token_reused":
		return RefreshExhausted
	case "revoked_token":
		return RefreshRevoked
	default:
		return RefreshOther
	}
}

func (k RefreshFailureKind) Message() string { return refreshFailureMessages[k] }

// ExternalRefresher is the injected callback for ChatgptExternalTokens mode
// (spec §4.8: "refreshed by calling out to an injected refresher callback
// rather than hitting the OAuth endpoint directly").
type ExternalRefresher interface {
	RefreshExternalTokens(ctx context.Context, reason ExternalRefreshReason) (Tokens, error)
}

type ExternalRefreshReason string

const (
	ExternalRefreshReasonStale        ExternalRefreshReason = "stale"
	ExternalRefreshReasonUnauthorized ExternalRefreshReason = "unauthorized"
)

// TokenExchanger performs the actual HTTP exchange against the OAuth token
// endpoint (internal/auth/oauth.go implements this on golang.org/x/oauth2).
type TokenExchanger interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

var ErrNoCredentials = errors.New("no credentials loaded")

// Manager holds the cached auth state under a read/write lock (spec §5:
// "external refresher callbacks are invoked without holding the lock").
type Manager struct {
	mu       sync.RWMutex
	state    State
	exchange TokenExchanger
	external ExternalRefresher
	onDiskAccountID func() (string, bool)
	reload          func() (State, error)
}

func NewManager(exchange TokenExchanger, external ExternalRefresher) *Manager {
	return &Manager{exchange: exchange, external: external}
}

func (m *Manager) SetReload(accountID func() (string, bool), reload func() (State, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDiskAccountID = accountID
	m.reload = reload
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Manager) HasExternalAuthRefresher() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.external != nil
}

// RefreshToken refreshes Chatgpt-mode tokens against the OAuth endpoint.
func (m *Manager) RefreshToken(ctx context.Context) error {
	m.mu.Lock()
	st := m.state
	exchange := m.exchange
	m.mu.Unlock()

	if st.Tokens == nil {
		return ErrNoCredentials
	}
	if exchange == nil {
		return errors.New("no token exchanger configured")
	}
	newTokens, err := exchange.Refresh(ctx, st.Tokens.RefreshToken)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.state.Tokens = &newTokens
	m.state.LastRefresh = time.Now()
	m.mu.Unlock()
	return nil
}

// LoginHandle is the in-flight state the authorization_code+PKCE flow needs
// between BeginLogin and CompleteLogin (spec's loginChatGpt/loginChatGptComplete).
type LoginHandle struct {
	AuthURL  string
	state    string
	verifier string
	cfg      OAuthConfig
}

// BeginLogin builds the browser-facing authorize URL for ChatGPT login. The
// returned LoginHandle must be kept (by the caller, keyed by thread/conn) and
// passed back into CompleteLogin once the redirect delivers an authorization
// code.
func (m *Manager) BeginLogin(cfg OAuthConfig) LoginHandle {
	verifier := oauth2.GenerateVerifier()
	state := oauth2.GenerateVerifier()
	oc := cfg.endpoint()
	authURL := oc.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return LoginHandle{AuthURL: authURL, state: state, verifier: verifier, cfg: cfg}
}

// CompleteLogin exchanges the authorization code for tokens and flips the
// manager into Chatgpt mode. Returns an error if state does not match the
// handle BeginLogin produced (CSRF/replay protection).
func (m *Manager) CompleteLogin(ctx context.Context, h LoginHandle, state, code string) error {
	if state != h.state {
		return errors.New("auth: login state mismatch")
	}
	oc := h.cfg.endpoint()
	tok, err := oc.Exchange(ctx, code, oauth2.VerifierOption(h.verifier))
	if err != nil {
		return fmt.Errorf("auth: exchange authorization code: %w", err)
	}
	idToken, _ := tok.Extra("id_token").(string)

	m.mu.Lock()
	m.state = State{
		Mode: ModeChatGPT,
		Tokens: &Tokens{
			IDToken:      idToken,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
		},
		LastRefresh: time.Now(),
	}
	m.mu.Unlock()
	return nil
}

// RefreshExternalAuth invokes the injected refresher without holding the
// state lock.
func (m *Manager) RefreshExternalAuth(ctx context.Context, reason ExternalRefreshReason) error {
	m.mu.RLock()
	refresher := m.external
	m.mu.RUnlock()
	if refresher == nil {
		return errors.New("no external auth refresher configured")
	}
	newTokens, err := refresher.RefreshExternalTokens(ctx, reason)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state.Tokens = &newTokens
	m.state.LastRefresh = time.Now()
	m.mu.Unlock()
	return nil
}

// ReloadOutcome mirrors codex-rs's Reload step outcome.
type ReloadOutcome string

const (
	ReloadOutcomeReloaded ReloadOutcome = "reloaded"
	ReloadOutcomeSkipped  ReloadOutcome = "skipped"
)

// ReloadIfAccountIDMatches re-reads credentials from disk only if the
// on-disk account id matches expectedAccountID (spec §4.8).
func (m *Manager) ReloadIfAccountIDMatches(expectedAccountID string) (ReloadOutcome, error) {
	m.mu.RLock()
	getID := m.onDiskAccountID
	reload := m.reload
	m.mu.RUnlock()

	if getID == nil || reload == nil {
		return ReloadOutcomeSkipped, nil
	}
	id, ok := getID()
	if !ok || id != expectedAccountID {
		return ReloadOutcomeSkipped, nil
	}
	st, err := reload()
	if err != nil {
		return ReloadOutcomeSkipped, err
	}
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	return ReloadOutcomeReloaded, nil
}
