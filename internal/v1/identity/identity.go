// Package identity normalizes who a session belongs to. Authenticated
// principals keep a stable key across tabs; guests get a key derived from
// their session so policy can tell the two apart.
package identity

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/types"
)

var (
	ErrMissingPrincipal = errors.New("auth payload has neither email nor subject")
	ErrMissingSession   = errors.New("session id is required")
)

var titleCaser = cases.Title(language.English)

// FromBearer builds the identity of an authenticated principal. The key is
// the sanitized email when present, else the token subject.
func FromBearer(claims *auth.CustomClaims, sessionID types.SessionID, clientID string, maxNameLen int) (*types.Identity, error) {
	if claims == nil {
		return nil, ErrMissingPrincipal
	}
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	principal := claims.Email
	if principal == "" {
		principal = claims.Subject
	}
	if principal == "" {
		return nil, ErrMissingPrincipal
	}

	key := types.UserKey(sanitizeKeyPart(principal))

	name := claims.Name
	if name == "" {
		name = claims.Email
	}
	display := SanitizeDisplayName(name, fallbackName(key), maxNameLen)

	return &types.Identity{
		UserKey:     key,
		UserID:      types.NewUserID(key, sessionID),
		SessionID:   sessionID,
		DisplayName: display,
		ClientID:    clientID,
		IsGuest:     false,
	}, nil
}

// FromGuest builds a guest identity keyed by the session itself.
func FromGuest(requestedName string, sessionID types.SessionID, clientID string, maxNameLen int) (*types.Identity, error) {
	if sessionID == "" {
		return nil, ErrMissingSession
	}

	key := types.UserKey(types.GuestKeyPrefix + sanitizeKeyPart(string(sessionID)))
	display := SanitizeDisplayName(requestedName, "Guest", maxNameLen)

	return &types.Identity{
		UserKey:     key,
		UserID:      types.NewUserID(key, sessionID),
		SessionID:   sessionID,
		DisplayName: display,
		ClientID:    clientID,
		IsGuest:     true,
	}, nil
}

// FromJoinClaims rehydrates the identity bound into a join token at socket
// attach time. The claims were minted by us, but the name is normalized
// again so the room never stores an unsanitized string.
func FromJoinClaims(claims *auth.JoinClaims, socketID types.SocketID, maxNameLen int) (*types.Identity, error) {
	if claims == nil || claims.UserKey == "" {
		return nil, ErrMissingPrincipal
	}
	if claims.SessionID == "" {
		return nil, ErrMissingSession
	}

	key := types.UserKey(claims.UserKey)
	sessionID := types.SessionID(claims.SessionID)

	return &types.Identity{
		UserKey:     key,
		UserID:      types.NewUserID(key, sessionID),
		SessionID:   sessionID,
		SocketID:    socketID,
		DisplayName: SanitizeDisplayName(claims.DisplayName, fallbackName(key), maxNameLen),
		ClientID:    claims.ClientID,
		IsGuest:     claims.IsGuest,
	}, nil
}

// SanitizeDisplayName normalizes a user-supplied name: NFC form, control
// characters stripped, whitespace collapsed, truncated to maxLen runes.
// Empty results fall back to the identity-derived name.
func SanitizeDisplayName(raw string, fallback string, maxLen int) types.DisplayName {
	cleaned := norm.NFC.String(raw)

	// Names that are email addresses get the institution treatment: drop
	// the domain and title-case the local part.
	if looksLikeEmail(cleaned) {
		cleaned = nameFromEmail(cleaned)
	}

	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)

	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if runes := []rune(cleaned); maxLen > 0 && len(runes) > maxLen {
		cleaned = strings.TrimSpace(string(runes[:maxLen]))
	}

	if cleaned == "" {
		return types.DisplayName(fallback)
	}
	return types.DisplayName(cleaned)
}

// sanitizeKeyPart makes a principal string safe for use inside UserID and
// ChannelID composites: lowercase, with '#', '/' and anything else outside
// [a-z0-9@._-] folded to '-'.
func sanitizeKeyPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '@' || r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	return at > 0 && strings.Contains(s[at:], ".") && !strings.ContainsAny(s, " \t")
}

// nameFromEmail turns "jane.doe@university.edu" into "Jane Doe".
func nameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, p := range parts {
		parts[i] = titleCaser.String(p)
	}
	return strings.Join(parts, " ")
}

// fallbackName derives a presentable default from the user key.
func fallbackName(key types.UserKey) string {
	s := string(key)
	if strings.HasPrefix(s, types.GuestKeyPrefix) {
		return "Guest"
	}
	if looksLikeEmail(s) {
		return nameFromEmail(s)
	}
	if s == "" {
		return "Guest"
	}
	return titleCaser.String(s)
}
