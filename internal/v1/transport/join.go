package transport

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voxhall/voxhall/internal/v1/auth"
	"github.com/voxhall/voxhall/internal/v1/identity"
	"github.com/voxhall/voxhall/internal/v1/logging"
	"github.com/voxhall/voxhall/internal/v1/types"
	"github.com/voxhall/voxhall/internal/v1/webinar"
)

// JoinRequest is the body of POST /api/sfu/join.
type JoinRequest struct {
	RoomID      string `json:"roomId" binding:"required"`
	SessionID   string `json:"sessionId" binding:"required"`
	User        string `json:"user"`
	DisplayName string `json:"displayName"`
	ClientID    string `json:"clientId"`
	IsHost      bool   `json:"isHost"`
	JoinMode    string `json:"joinMode"`

	// WebinarSignedToken is the watch-link proof, required when JoinMode is
	// webinar_attendee.
	WebinarSignedToken string `json:"webinarSignedToken"`
}

// JoinResponse hands back the socket credential and where to dial.
type JoinResponse struct {
	Token  string `json:"token"`
	SFUUrl string `json:"sfuUrl"`
}

// JoinHandler terminates POST /api/sfu/join: it authenticates the caller,
// resolves tenant policy, verifies webinar watch links, and mints the join
// token the WebSocket handshake requires. Failure responses are deliberately
// opaque; details go to the log only.
type JoinHandler struct {
	// Bearer validates Authorization tokens. Nil disables bearer
	// authentication, leaving guest joins only.
	Bearer auth.BearerValidator

	Minter   *auth.Minter
	Links    *webinar.LinkSigner
	Policies *identity.PolicyResolver

	// SFUPublicURL is handed to clients verbatim as the media endpoint.
	SFUPublicURL string

	MaxDisplayNameLength int
}

func (h *JoinHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId and sessionId are required"})
		return
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = "default"
	}
	sessionID := types.SessionID(req.SessionID)

	var (
		id  *types.Identity
		err error
	)
	if bearer := bearerToken(c.Request); bearer != "" {
		if h.Bearer == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bearer authentication is not available"})
			return
		}
		claims, verr := h.Bearer.ValidateToken(bearer)
		if verr != nil {
			logging.Warn(ctx, "Bearer token rejected", zap.Error(verr))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		id, err = identity.FromBearer(claims, sessionID, clientID, h.MaxDisplayNameLength)
	} else {
		name := req.DisplayName
		if name == "" {
			name = req.User
		}
		id, err = identity.FromGuest(name, sessionID, clientID, h.MaxDisplayNameLength)
	}
	if err != nil {
		logging.Warn(ctx, "Join identity rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not resolve identity"})
		return
	}

	joinMode := req.JoinMode
	if joinMode == "" {
		joinMode = auth.JoinModeMeeting
	}

	policy := h.Policies.Resolve(clientID)

	claims := &auth.JoinClaims{
		UserKey:     string(id.UserKey),
		DisplayName: string(id.DisplayName),
		ClientID:    clientID,
		SessionID:   string(sessionID),
		RoomID:      req.RoomID,
		JoinMode:    joinMode,
		IsHost:      req.IsHost && policy.AllowHostJoin,
		IsGuest:     id.IsGuest,
	}

	switch joinMode {
	case auth.JoinModeMeeting:
		// Admission re-checks the host claim against room state.

	case auth.JoinModeWebinarAttendee:
		if h.Links == nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "webinar links are not enabled"})
			return
		}
		link, perr := h.Links.Parse(req.WebinarSignedToken)
		if perr != nil {
			logging.Warn(ctx, "Watch link rejected", zap.Error(perr))
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid watch link"})
			return
		}
		if link.RoomID != req.RoomID || link.ClientID != clientID {
			logging.Warn(ctx, "Watch link does not match requested room",
				zap.String("linkRoomId", link.RoomID),
				zap.String("requestedRoomId", req.RoomID))
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid watch link"})
			return
		}
		// The room re-checks version currency at admission; a rotation
		// between mint and join still bounces stale links.
		claims.LinkVersion = link.LinkVersion
		claims.IsHost = false

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown joinMode"})
		return
	}

	token, err := h.Minter.MintJoinToken(claims)
	if err != nil {
		logging.Error(ctx, "Failed to mint join token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue join token"})
		return
	}

	c.JSON(http.StatusOK, JoinResponse{Token: token, SFUUrl: h.SFUPublicURL})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
