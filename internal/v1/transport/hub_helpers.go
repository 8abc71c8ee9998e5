package transport

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// tokenSubprotocol is the marker browsers send alongside the join token when
// they smuggle it through Sec-WebSocket-Protocol. The handshake response must
// echo it or the browser aborts the connection.
const tokenSubprotocol = "access_token"

// tokenExtraction is the outcome of locating the join token in a handshake
// request.
type tokenExtraction struct {
	Token string

	// Subprotocol is what to echo back in the upgrade response when the
	// token came in via Sec-WebSocket-Protocol; empty otherwise.
	Subprotocol string
}

// extractToken finds the join token. The query parameter wins; the
// Sec-WebSocket-Protocol header is the fallback for browser WebSocket
// clients, which cannot set arbitrary headers.
func extractToken(r *http.Request) tokenExtraction {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tokenExtraction{Token: tok}
	}

	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return tokenExtraction{}
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == tokenSubprotocol {
			continue
		}
		return tokenExtraction{Token: part, Subprotocol: tokenSubprotocol}
	}
	return tokenExtraction{}
}

// originAllowed checks the Origin header against the allow list by scheme and
// host. Requests without an Origin header are non-browser clients and pass.
func originAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if strings.EqualFold(originURL.Scheme, allowedURL.Scheme) &&
			strings.EqualFold(originURL.Host, allowedURL.Host) {
			return true
		}
	}
	return false
}

// writeBufferPool is shared across upgrades so per-connection write buffers
// are reused instead of held for the socket's lifetime.
var writeBufferPool = &sync.Pool{
	New: func() any {
		return make([]byte, 4096)
	},
}

// upgradeConnection performs the WebSocket upgrade. subprotocol, when set, is
// echoed back so token-in-protocol handshakes complete.
func upgradeConnection(w http.ResponseWriter, r *http.Request, allowedOrigins []string, subprotocol string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferPool: writeBufferPool,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, allowedOrigins)
		},
	}

	var responseHeader http.Header
	if subprotocol != "" {
		responseHeader = http.Header{}
		responseHeader.Set("Sec-WebSocket-Protocol", subprotocol)
	}

	return upgrader.Upgrade(w, r, responseHeader)
}
