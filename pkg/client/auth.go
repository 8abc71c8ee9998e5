package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/voxhall/voxhall/pkg/signal"
)

// joinGrant is the response of POST /api/sfu/join: the socket credential and
// where to dial with it.
type joinGrant struct {
	Token  string `json:"token"`
	SFUUrl string `json:"sfuUrl"`
}

// grantRequest is the join-grant request body. Field names follow the HTTP
// contract of the signaling server.
type grantRequest struct {
	RoomID             string `json:"roomId"`
	SessionID          string `json:"sessionId"`
	User               string `json:"user,omitempty"`
	DisplayName        string `json:"displayName,omitempty"`
	ClientID           string `json:"clientId,omitempty"`
	IsHost             bool   `json:"isHost,omitempty"`
	JoinMode           string `json:"joinMode,omitempty"`
	WebinarSignedToken string `json:"webinarSignedToken,omitempty"`
}

// fetchJoinGrant trades the caller's identity for a join token and the
// socket endpoint. Error messages stay opaque; the server logs the details.
func fetchJoinGrant(ctx context.Context, hc *http.Client, authURL string, ts oauth2.TokenSource, body grantRequest) (joinGrant, error) {
	var grant joinGrant
	raw, err := json.Marshal(body)
	if err != nil {
		return grant, fmt.Errorf("encode join request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(raw))
	if err != nil {
		return grant, fmt.Errorf("build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ts != nil {
		tok, terr := ts.Token()
		if terr != nil {
			return grant, signal.WrapError(signal.KindConnectionFailed, "could not obtain credentials", terr)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return grant, signal.WrapError(signal.KindConnectionFailed, "could not reach the join endpoint", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return grant, signal.Errorf(signal.KindPermissionDenied, "join request was rejected")
	default:
		return grant, signal.Errorf(signal.KindConnectionFailed, "join authorization failed")
	}

	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return grant, signal.WrapError(signal.KindConnectionFailed, "unexpected join response", err)
	}
	if grant.Token == "" || grant.SFUUrl == "" {
		return grant, signal.Errorf(signal.KindConnectionFailed, "join response is incomplete")
	}
	return grant, nil
}
