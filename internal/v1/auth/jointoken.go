package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Join modes a token can be minted for.
const (
	JoinModeMeeting         = "meeting"
	JoinModeWebinarAttendee = "webinar_attendee"
)

// JoinClaims bind one WebSocket session to the identity and room the HTTP
// join endpoint resolved. The socket handshake trusts these over anything
// the client sends later; a joinRoom with a different session id is rejected.
type JoinClaims struct {
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName,omitempty"`
	ClientID    string `json:"clientId"`
	SessionID   string `json:"sessionId"`
	RoomID      string `json:"roomId"`
	JoinMode    string `json:"joinMode"`
	IsHost      bool   `json:"isHost,omitempty"`
	IsGuest     bool   `json:"isGuest,omitempty"`
	LinkVersion int    `json:"linkVersion,omitempty"`
	jwt.RegisteredClaims
}

// Minter issues and validates the short-lived HS256 join tokens handed out
// by the HTTP join endpoint.
type Minter struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewMinter creates a Minter. The ttl bounds how long a handed-out token can
// be used to open a socket; reconnects within a call re-use the same token,
// so it should comfortably exceed the reconnect window.
func NewMinter(secret string, ttl time.Duration) *Minter {
	return &Minter{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: "voxhall",
	}
}

// MintJoinToken signs the given claims. Registered claims are filled in here
// so callers only populate the domain fields.
func (m *Minter) MintJoinToken(claims *JoinClaims) (string, error) {
	if claims.UserKey == "" {
		return "", errors.New("join claims missing user key")
	}
	if claims.SessionID == "" {
		return "", errors.New("join claims missing session id")
	}

	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   claims.UserKey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign join token: %w", err)
	}
	return signed, nil
}

// ValidateJoinToken verifies the signature, issuer and expiry of a join
// token and returns its claims.
func (m *Minter) ValidateJoinToken(tokenString string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse join token: %w", err)
	}

	claims, ok := token.Claims.(*JoinClaims)
	if !ok || !token.Valid {
		return nil, errors.New("join token is invalid")
	}

	return claims, nil
}
