package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/voxhall/voxhall/pkg/signal"
)

type grantCapture struct {
	mu     sync.Mutex
	method string
	path   string
	ctype  string
	auth   string
	body   grantRequest
}

// startGrantServer serves the join endpoint with a fixed status and body,
// capturing the last request for assertions.
func startGrantServer(t *testing.T, status int, respBody string) (*httptest.Server, *grantCapture) {
	t.Helper()
	seen := &grantCapture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.mu.Lock()
		seen.method = r.Method
		seen.path = r.URL.Path
		seen.ctype = r.Header.Get("Content-Type")
		seen.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&seen.body)
		seen.mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestFetchJoinGrantSendsContract(t *testing.T) {
	srv, seen := startGrantServer(t, http.StatusOK, `{"token":"tok-1","sfuUrl":"wss://sfu.example.com"}`)

	grant, err := fetchJoinGrant(context.Background(), srv.Client(), srv.URL+"/api/sfu/join", nil, grantRequest{
		RoomID:      "standup",
		SessionID:   "sess-1",
		User:        "alice@example.com",
		DisplayName: "Alice",
		ClientID:    "acme",
		IsHost:      true,
		JoinMode:    JoinModeMeeting,
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", grant.Token)
	assert.Equal(t, "wss://sfu.example.com", grant.SFUUrl)

	seen.mu.Lock()
	defer seen.mu.Unlock()
	assert.Equal(t, http.MethodPost, seen.method)
	assert.Equal(t, "/api/sfu/join", seen.path)
	assert.Equal(t, "application/json", seen.ctype)
	assert.Empty(t, seen.auth, "no token source means no Authorization header")
	assert.Equal(t, "standup", seen.body.RoomID)
	assert.Equal(t, "sess-1", seen.body.SessionID)
	assert.Equal(t, "alice@example.com", seen.body.User)
	assert.Equal(t, "Alice", seen.body.DisplayName)
	assert.Equal(t, "acme", seen.body.ClientID)
	assert.True(t, seen.body.IsHost)
	assert.Equal(t, JoinModeMeeting, seen.body.JoinMode)
}

func TestFetchJoinGrantBearer(t *testing.T) {
	srv, seen := startGrantServer(t, http.StatusOK, `{"token":"t","sfuUrl":"wss://x"}`)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-abc"})
	_, err := fetchJoinGrant(context.Background(), srv.Client(), srv.URL, ts, grantRequest{
		RoomID:    "standup",
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	seen.mu.Lock()
	defer seen.mu.Unlock()
	assert.Equal(t, "Bearer tok-abc", seen.auth)
}

func TestFetchJoinGrantRejection(t *testing.T) {
	srv, _ := startGrantServer(t, http.StatusForbidden, `{"error":"invalid watch link"}`)

	_, err := fetchJoinGrant(context.Background(), srv.Client(), srv.URL, nil, grantRequest{RoomID: "r", SessionID: "s"})
	require.Error(t, err)
	assert.Equal(t, signal.KindPermissionDenied, signal.AsError(err).Kind)
}

func TestFetchJoinGrantServerFailure(t *testing.T) {
	srv, _ := startGrantServer(t, http.StatusInternalServerError, ``)

	_, err := fetchJoinGrant(context.Background(), srv.Client(), srv.URL, nil, grantRequest{RoomID: "r", SessionID: "s"})
	require.Error(t, err)
	assert.Equal(t, signal.KindConnectionFailed, signal.AsError(err).Kind)
}

func TestFetchJoinGrantIncompleteResponse(t *testing.T) {
	srv, _ := startGrantServer(t, http.StatusOK, `{"token":"t"}`)

	_, err := fetchJoinGrant(context.Background(), srv.Client(), srv.URL, nil, grantRequest{RoomID: "r", SessionID: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete")
}

func TestFetchJoinGrantTokenSourceFailure(t *testing.T) {
	srv, seen := startGrantServer(t, http.StatusOK, `{"token":"t","sfuUrl":"wss://x"}`)

	failing := failingTokenSource{err: errors.New("refresh expired")}
	_, err := fetchJoinGrant(context.Background(), srv.Client(), srv.URL, failing, grantRequest{RoomID: "r", SessionID: "s"})
	require.Error(t, err)
	assert.Equal(t, signal.KindConnectionFailed, signal.AsError(err).Kind)

	seen.mu.Lock()
	defer seen.mu.Unlock()
	assert.Empty(t, seen.method, "request must not be sent without credentials")
}

type failingTokenSource struct{ err error }

func (f failingTokenSource) Token() (*oauth2.Token, error) { return nil, f.err }
