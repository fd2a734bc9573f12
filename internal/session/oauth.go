package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"lifeshot.org/internal/audit"
)

// NewOAuthConfig builds the hosted-UI client configuration. It returns nil when
// clientID or tokenURL is empty.
func NewOAuthConfig(clientID, authURL, tokenURL, redirectURL string, scopes []string) *oauth2.Config {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(tokenURL) == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURL,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthRequest is one authorization-code attempt. Verifier must be kept until the
// code comes back and passed to ExchangeCode.
type AuthRequest struct {
	URL      string
	State    string
	Verifier string
}

// NewAuthRequest builds a hosted-UI authorize URL with a PKCE (S256) challenge and
// a random state.
func (m *Manager) NewAuthRequest() (AuthRequest, error) {
	if m.oauth == nil {
		return AuthRequest{}, ErrOAuthDisabled
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	return AuthRequest{
		URL:      m.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:    state,
		Verifier: verifier,
	}, nil
}

// ExchangeCode trades an authorization code for tokens and stores them.
func (m *Manager) ExchangeCode(ctx context.Context, code, verifier string) (Session, error) {
	if m.oauth == nil {
		return Session{}, ErrOAuthDisabled
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Session{}, fmt.Errorf("%w: authorization code is required", ErrLoginFailed)
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := m.oauth.Exchange(m.oauthContext(ctx), code, opts...)
	if err != nil {
		return Session{}, fmt.Errorf("%w: exchange code: %w", ErrLoginFailed, err)
	}
	sess := fillFromClaims(sessionFromToken(tok))
	if err := m.replace(ctx, sess); err != nil {
		return Session{}, err
	}
	_ = audit.LogEvent(audit.WithUser(ctx, sess.Username, string(sess.Role)), "session.login", map[string]any{"flow": "authorization_code"})
	return sess, nil
}

// Refresh runs the refresh_token grant and stores the new tokens. The stored
// refresh token is kept when the provider does not rotate it.
func (m *Manager) Refresh(ctx context.Context) (Session, error) {
	if m.oauth == nil {
		return Session{}, ErrOAuthDisabled
	}
	cur, err := m.Load(ctx)
	if err != nil {
		return Session{}, err
	}
	if cur.RefreshToken == "" {
		return Session{}, ErrNoRefreshToken
	}
	tok, err := m.oauth.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken}).Token()
	if err != nil {
		return Session{}, fmt.Errorf("session: refresh: %w", err)
	}
	next := sessionFromToken(tok)
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.IDToken == "" {
		next.IDToken = cur.IDToken
	}
	next.Username = cur.Username
	next.Role = cur.Role
	next = fillFromClaims(next)
	if next.ExpiresAt.IsZero() {
		if err := m.store.Delete(ctx, KeyExpiresAt); err != nil {
			return Session{}, err
		}
	}
	if err := m.save(ctx, next); err != nil {
		return Session{}, err
	}
	return next, nil
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func sessionFromToken(tok *oauth2.Token) Session {
	s := Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		s.IDToken = id
	}
	return s
}
