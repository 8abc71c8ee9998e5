// Package webinar handles attendee link minting and validation. A link
// embeds a signed proof bound to the room, tenant and link version, so
// rotating the version invalidates every previously shared link at once.
package webinar

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxhall/voxhall/internal/v1/types"
)

var (
	ErrLinkInvalid = errors.New("webinar link is not valid")
	ErrLinkStale   = errors.New("webinar link was superseded by a newer one")
)

// LinkClaims is the signed content of an attendee link token.
type LinkClaims struct {
	RoomID      string `json:"roomId"`
	ClientID    string `json:"clientId"`
	LinkVersion int    `json:"linkVersion"`
	jwt.RegisteredClaims
}

// LinkSigner mints and validates attendee link tokens.
type LinkSigner struct {
	secret []byte
	base   string
	issuer string
}

// NewLinkSigner builds a signer. base is the public origin links point at,
// e.g. "https://meet.example.com"; empty disables BuildLink.
func NewLinkSigner(secret string, base string) *LinkSigner {
	return &LinkSigner{
		secret: []byte(secret),
		base:   base,
		issuer: "voxhall",
	}
}

// Mint signs a link token for the given room at the given link version.
// Link tokens deliberately carry no expiry; rotation is the invalidation
// mechanism.
func (s *LinkSigner) Mint(channelID types.ChannelID, clientID string, linkVersion int) (string, error) {
	claims := LinkClaims{
		RoomID:      string(channelID.RoomID()),
		ClientID:    clientID,
		LinkVersion: linkVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign webinar link: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and issuer of a link proof and returns its
// claims. The HTTP join endpoint uses it to copy the proof into the join
// token; version currency is re-checked by the room at admission time.
func (s *LinkSigner) Parse(tokenString string) (*LinkClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LinkClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLinkInvalid, err)
	}

	claims, ok := token.Claims.(*LinkClaims)
	if !ok || !token.Valid {
		return nil, ErrLinkInvalid
	}
	return claims, nil
}

// Validate checks a link proof against the room's current identity and link
// version. A version mismatch is reported as ErrLinkStale so callers can
// distinguish "old link" from "forged link".
func (s *LinkSigner) Validate(tokenString string, channelID types.ChannelID, clientID string, currentVersion int) error {
	claims, err := s.Parse(tokenString)
	if err != nil {
		return err
	}

	if claims.RoomID != string(channelID.RoomID()) || claims.ClientID != clientID {
		return ErrLinkInvalid
	}
	if claims.LinkVersion != currentVersion {
		return ErrLinkStale
	}
	return nil
}

// BuildLink renders the canonical attendee URL: <base>/w/<roomId>?wt=<token>.
func (s *LinkSigner) BuildLink(channelID types.ChannelID, clientID string, linkVersion int) (string, error) {
	if s.base == "" {
		return "", errors.New("webinar link base is not configured")
	}

	token, err := s.Mint(channelID, clientID, linkVersion)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/w/%s?wt=%s",
		s.base,
		url.PathEscape(string(channelID.RoomID())),
		url.QueryEscape(token),
	), nil
}
