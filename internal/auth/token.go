// Package auth issues and verifies the signed collaboration tokens that
// gate access to live editing rooms.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingUserClaim     = errors.New("auth: user claim required")
	ErrMissingRoomClaims    = errors.New("auth: workspace and note claims required")
)

// CollabClaims identifies which room a connection may join and as whom.
type CollabClaims struct {
	WorkspaceID  string `json:"workspace_id"`
	NoteID       string `json:"note_id"`
	NotePublicID string `json:"note_public_id"`
	UserID       string `json:"user_id"`
	jwt.RegisteredClaims
}

// CollabTokensConfig describes how collaboration tokens are signed.
type CollabTokensConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// CollabTokens issues and verifies HS256 collaboration tokens.
type CollabTokens struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewCollabTokens constructs a token manager with the provided configuration.
func NewCollabTokens(cfg CollabTokensConfig) (*CollabTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CollabTokens{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      strings.TrimSpace(cfg.Audience),
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed token granting claims access to one room.
func (t *CollabTokens) Issue(claims CollabClaims) (string, error) {
	if strings.TrimSpace(claims.UserID) == "" {
		return "", ErrMissingUserClaim
	}
	if strings.TrimSpace(claims.WorkspaceID) == "" || strings.TrimSpace(claims.NoteID) == "" || strings.TrimSpace(claims.NotePublicID) == "" {
		return "", ErrMissingRoomClaims
	}

	now := t.clock().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    t.issuer,
		Audience:  []string{t.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.signingSecret)
}

// Verify validates a token string and returns its claims.
func (t *CollabTokens) Verify(tokenString string) (CollabClaims, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return CollabClaims{}, ErrMissingToken
	}

	options := []jwt.ParserOption{
		jwt.WithTimeFunc(t.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
	}
	if t.audience != "" {
		options = append(options, jwt.WithAudience(t.audience))
	}

	claims := &CollabClaims{}
	parsed, err := jwt.ParseWithClaims(
		trimmed,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return t.signingSecret, nil
		},
		options...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return CollabClaims{}, ErrExpiredToken
		}
		return CollabClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return CollabClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return CollabClaims{}, ErrMissingUserClaim
	}
	if strings.TrimSpace(claims.WorkspaceID) == "" || strings.TrimSpace(claims.NoteID) == "" || strings.TrimSpace(claims.NotePublicID) == "" {
		return CollabClaims{}, ErrMissingRoomClaims
	}
	return *claims, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header
// or, for browser websocket clients that cannot set headers, the `token`
// query parameter.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
