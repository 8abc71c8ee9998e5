package config

import (
	"context"
	"os"
	"strings"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/logging"
)

// defaultSTUN keeps media negotiable when no ICE servers are configured.
const defaultSTUN = "stun:stun.l.google.com:19302"

// ICEServersFromEnv builds the process-global ICE server list from
// ICE_SERVERS (comma-separated URLs) plus TURN_USERNAME / TURN_CREDENTIAL.
// Misconfigurations degrade with a warning rather than failing startup:
// partial credentials and credential-less turn(s): URLs are both legal, just
// usually wrong.
func ICEServersFromEnv() []webrtc.ICEServer {
	return parseICEServers(
		os.Getenv("ICE_SERVERS"),
		os.Getenv("TURN_USERNAME"),
		os.Getenv("TURN_CREDENTIAL"),
	)
}

func parseICEServers(csv, turnUser, turnCred string) []webrtc.ICEServer {
	ctx := context.Background()

	if (turnUser == "") != (turnCred == "") {
		logging.Warn(ctx, "partial TURN credentials: both TURN_USERNAME and TURN_CREDENTIAL are needed; relay will likely fail auth")
	}

	var stunURLs, turnURLs []string
	for _, raw := range strings.Split(csv, ",") {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		switch {
		case strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:"):
			stunURLs = append(stunURLs, u)
		case strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:"):
			if turnUser == "" && turnCred == "" {
				logging.Warn(ctx, "TURN URL configured without credentials", zap.String("url", u))
			}
			turnURLs = append(turnURLs, u)
		default:
			logging.Warn(ctx, "ignoring ICE server URL with unknown scheme", zap.String("url", u))
		}
	}

	if len(stunURLs) == 0 && len(turnURLs) == 0 {
		return []webrtc.ICEServer{{URLs: []string{defaultSTUN}}}
	}

	var servers []webrtc.ICEServer
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 {
		turn := webrtc.ICEServer{URLs: turnURLs}
		if turnUser != "" && turnCred != "" {
			turn.Username = turnUser
			turn.Credential = turnCred
		}
		servers = append(servers, turn)
	}
	return servers
}
