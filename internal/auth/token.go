// ABOUTME: JWT session token issuance and verification for finished flows
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adaos/authority/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongUse     = errors.New("token used for wrong purpose")
)

// TokenUse distinguishes access tokens from refresh tokens.
type TokenUse string

const (
	UseAccess  TokenUse = "access"
	UseRefresh TokenUse = "refresh"
)

// Session is the verified content of a token.
type Session struct {
	DeviceID string
	SubnetID string
	Scopes   []store.Scope
	Use      TokenUse
}

// TokenIssuer mints and verifies HS256 session tokens for devices that
// completed a provisioning flow.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a token issuer with the given secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Issue creates a token for a device with the given use and lifetime.
func (i *TokenIssuer) Issue(deviceID, subnetID string, scopes []store.Scope, use TokenUse, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    deviceID,
		"subnet": subnetID,
		"scopes": store.ScopeStrings(scopes),
		"use":    string(use),
		"iat":    now.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify validates a token and returns its session, rejecting tokens
// minted for a different use.
func (i *TokenIssuer) Verify(tokenString string, use TokenUse) (*Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	gotUse, _ := claims["use"].(string)
	if gotUse != string(use) {
		return nil, ErrWrongUse
	}
	subnet, _ := claims["subnet"].(string)

	var scopes []store.Scope
	if raw, ok := claims["scopes"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				scopes = append(scopes, store.Scope(s))
			}
		}
	}

	return &Session{
		DeviceID: sub,
		SubnetID: subnet,
		Scopes:   scopes,
		Use:      TokenUse(gotUse),
	}, nil
}
