package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// OAuthConfig is the config-supplied (never hardcoded) OAuth endpoints and
// client id. The original implementation this is grounded on bakes in its
// own production issuer and client id; both are injected here instead so
// this module carries no real-world OAuth identifiers.
type OAuthConfig struct {
	TokenURL     string
	AuthorizeURL string
	RedirectURL  string
	ClientID     string
	Scopes       []string
}

func (cfg OAuthConfig) endpoint() oauth2.Config {
	return oauth2.Config{
		ClientID:    cfg.ClientID,
		RedirectURL: cfg.RedirectURL,
		Scopes:      cfg.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizeURL, TokenURL: cfg.TokenURL},
	}
}

// HTTPExchanger implements TokenExchanger against a standard OAuth2
// refresh_token grant using golang.org/x/oauth2's token-response decoding.
type HTTPExchanger struct {
	cfg    OAuthConfig
	client *http.Client
}

func NewHTTPExchanger(cfg OAuthConfig, client *http.Client) *HTTPExchanger {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExchanger{cfg: cfg, client: client}
}

type tokenErrorBody struct {
	Error string `json:"error"`
}

func (e *HTTPExchanger) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	oc := &oauth2.Config{
		ClientID: e.cfg.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: e.cfg.TokenURL},
	}
	src := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		var body tokenErrorBody
		if re, ok := err.(*oauth2.RetrieveError); ok {
			_ = json.Unmarshal(re.Body, &body)
			kind := ClassifyRefreshFailure(body.Error)
			return Tokens{}, &RefreshTokenError{Kind: kind, Err: err}
		}
		return Tokens{}, &RefreshTokenError{Kind: RefreshOther, Err: err}
	}

	idToken, _ := tok.Extra("id_token").(string)

	return Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: firstNonEmpty(tok.RefreshToken, refreshToken),
		IDToken:      idToken,
	}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// RefreshTokenError is returned by TokenExchanger.Refresh and carries the
// classified failure kind alongside the underlying transport/decode error.
type RefreshTokenError struct {
	Kind RefreshFailureKind
	Err  error
}

func (e *RefreshTokenError) Error() string {
	return fmt.Sprintf("refresh token failed (%s): %v", e.Kind, e.Err)
}

func (e *RefreshTokenError) Unwrap() error { return e.Err }
