package auth

import (
	"context"
	"errors"
)

type recoveryStep string

const (
	stepReload         recoveryStep = "reload"
	stepRefreshToken   recoveryStep = "refresh_token"
	stepExternalRefresh recoveryStep = "external_refresh"
	stepDone           recoveryStep = "done"
)

type RecoveryMode string

const (
	RecoveryModeManaged  RecoveryMode = "managed"
	RecoveryModeExternal RecoveryMode = "external"
)

var ErrNoRecoverySteps = errors.New("no more recovery steps available")

// UnauthorizedRecovery handles a 401 from the inference service (spec §4.8).
// The caller invokes Next once per retry; HasNext reports whether another
// recovery attempt is worth making before giving up and surfacing the error.
//
// For API-key auth there is nothing to recover: HasNext is always false and
// the 401 bubbles straight to the caller.
//
// For Chatgpt auth: first reload auth.json from disk in case another
// process already refreshed it (only if the on-disk account id still
// matches this process's), then fall back to an OAuth token refresh.
//
// For ChatgptExternalTokens auth, disk and the OAuth endpoint are never
// touched; the injected ExternalRefresher is asked for new tokens once.
type UnauthorizedRecovery struct {
	manager            *Manager
	step               recoveryStep
	expectedAccountID  string
	mode               RecoveryMode
}

func NewUnauthorizedRecovery(m *Manager) *UnauthorizedRecovery {
	st := m.State()
	var expected string
	if st.Tokens != nil {
		expected = st.Tokens.AccountID
	}
	mode := RecoveryModeManaged
	if st.IsExternalChatGPTTokens() {
		mode = RecoveryModeExternal
	}
	step := stepReload
	if mode == RecoveryModeExternal {
		step = stepExternalRefresh
	}
	return &UnauthorizedRecovery{
		manager:           m,
		step:              step,
		expectedAccountID: expected,
		mode:              mode,
	}
}

func (r *UnauthorizedRecovery) HasNext() bool {
	st := r.manager.State()
	if !st.IsChatGPTAuth() {
		return false
	}
	if r.mode == RecoveryModeExternal && !r.manager.HasExternalAuthRefresher() {
		return false
	}
	return r.step != stepDone
}

func (r *UnauthorizedRecovery) Next(ctx context.Context) error {
	if !r.HasNext() {
		return ErrNoRecoverySteps
	}

	switch r.step {
	case stepReload:
		outcome, err := r.manager.ReloadIfAccountIDMatches(r.expectedAccountID)
		if err != nil {
			return err
		}
		if outcome == ReloadOutcomeReloaded {
			r.step = stepRefreshToken
			return nil
		}
		if err := r.manager.RefreshToken(ctx); err != nil {
			return err
		}
		r.step = stepDone
		return nil

	case stepRefreshToken:
		if err := r.manager.RefreshToken(ctx); err != nil {
			return err
		}
		r.step = stepDone
		return nil

	case stepExternalRefresh:
		if err := r.manager.RefreshExternalAuth(ctx, ExternalRefreshReasonUnauthorized); err != nil {
			return err
		}
		r.step = stepDone
		return nil

	default:
		return nil
	}
}
