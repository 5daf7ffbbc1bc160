// ABOUTME: Browser-side QR login session against the root authority
// ABOUTME: Begins a session, then completes it after the owner approves

package flows

import (
	"context"

	"github.com/adaos/authority/internal/backend"
	"github.com/adaos/authority/internal/store"
)

// BrowserTokens is the session material a completed login hands the browser.
type BrowserTokens struct {
	DeviceID      string   `json:"device_id"`
	SubnetID      string   `json:"subnet_id"`
	GrantedScopes []string `json:"granted_scopes"`
	AccessToken   string   `json:"access_token"`
	RefreshToken  string   `json:"refresh_token"`
	ExpiresIn     int      `json:"expires_in"`
}

// BrowserSession drives one QR login from the browser side.
type BrowserSession struct {
	authority *backend.Backend
	newKey    func() string

	sessionID string
	qrToken   string
}

// NewBrowserSession creates an unstarted browser login session.
func NewBrowserSession(authority *backend.Backend, newKey func() string) *BrowserSession {
	return &BrowserSession{authority: authority, newKey: newKey}
}

// SessionID returns the session identifier an owner device approves.
func (s *BrowserSession) SessionID() string {
	return s.sessionID
}

// QRToken returns the secret the browser renders as a QR code.
func (s *BrowserSession) QRToken() string {
	return s.qrToken
}

// Begin opens the session and records the token to render.
func (s *BrowserSession) Begin(ctx context.Context, scopes []store.Scope) error {
	resp, err := s.authority.QRBegin(ctx, backend.Caller{PrincipalID: "anon"}, s.newKey(), backend.QRBeginParams{
		Scopes: scopes,
	})
	if err != nil {
		return err
	}

	var out struct {
		SessionID string `json:"session_id"`
		QRToken   string `json:"qr_token"`
	}
	if err := decodeResponse(resp, &out); err != nil {
		return err
	}
	s.sessionID = out.SessionID
	s.qrToken = out.QRToken
	return nil
}

// Complete finalizes an approved session and returns the browser's
// tokens. Callers poll this until the owner has approved; a pending
// session surfaces as an APIError with code consent_pending.
func (s *BrowserSession) Complete(ctx context.Context, aliases []string) (*BrowserTokens, error) {
	resp, err := s.authority.QRComplete(ctx, backend.Caller{PrincipalID: "anon"}, s.newKey(), backend.QRCompleteParams{
		SessionID: s.sessionID,
		QRToken:   s.qrToken,
		Aliases:   aliases,
	})
	if err != nil {
		return nil, err
	}

	var tokens BrowserTokens
	if err := decodeResponse(resp, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}
