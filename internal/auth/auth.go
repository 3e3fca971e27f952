// Package auth supplies the authentication state consumed by the engine and
// verifies the tokens presented to the sync server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// State is what the engine needs to know about the current user.
type State struct {
	Account   string
	UserID    string
	IsValid   bool
	ExpiresAt time.Time
	Token     string
}

// ValidAt reports whether the state can be used for a networked session at now.
func (s State) ValidAt(now time.Time) bool {
	if !s.IsValid {
		return false
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return false
	}
	return true
}

type Provider interface {
	Current(ctx context.Context) (State, error)
}

// Claims is the token layout shared with the sync server.
type Claims struct {
	UserID  string `json:"user_id"`
	Account string `json:"account"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Account == "" {
		return nil, fmt.Errorf("%w: missing account", ErrInvalidToken)
	}
	return claims, nil
}

// Issue signs a token for account valid for ttl.
func (v *Verifier) Issue(userID, account string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:  userID,
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// JWTProvider derives the auth state from a bearer token. A bad token yields an
// invalid state, not an error.
type JWTProvider struct {
	mu       sync.RWMutex
	verifier *Verifier
	token    string
}

func NewJWTProvider(verifier *Verifier, token string) *JWTProvider {
	return &JWTProvider{verifier: verifier, token: token}
}

// SetToken replaces the token, e.g. after the user re-authenticates.
func (p *JWTProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

func (p *JWTProvider) Current(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()

	if token == "" {
		return State{}, nil
	}
	claims, err := p.verifier.Verify(token)
	if err != nil {
		return State{Token: token}, nil
	}
	st := State{
		Account: claims.Account,
		UserID:  claims.UserID,
		IsValid: true,
		Token:   token,
	}
	if claims.ExpiresAt != nil {
		st.ExpiresAt = claims.ExpiresAt.Time
	}
	return st, nil
}

// Static always returns the same state.
type Static struct {
	State State
}

func (s Static) Current(ctx context.Context) (State, error) {
	return s.State, ctx.Err()
}
