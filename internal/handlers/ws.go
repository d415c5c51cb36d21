package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/instantcall"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/registry"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/rooms"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Client-originated and server-originated frame types.
const (
	typeJoin                 = "join"
	typeCreatedRoom          = "createdRoom"
	typeJoinedRoom           = "joinedRoom"
	typeNewUser              = "newUser"
	typeRemoveUser           = "removeUser"
	typePeerDisconnected     = "peerDisconnected"
	typeKickUser             = "kickUser"
	typeConnected            = "connected"
	typeError                = "error"
	typeSessionWarning       = "session-warning"
	typeSessionEnded         = "session-ended"
	typeInstantCallInvite    = "instant-call-invite"
	typeInstantCallResponse  = "instant-call-response"
	typeInstantCallTimeout   = "instant-call-timeout"
	typeInstantCallCancelled = "instant-call-cancelled"
)

// wsFrame is the single envelope for every message on the connection.
// Unused fields are omitted per type; Payload stays opaque.
type wsFrame struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId,omitempty"`
	To           string          `json:"toId,omitempty"`
	From         string          `json:"fromId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	CallID       string          `json:"callId,omitempty"`
	CallerID     string          `json:"callerId,omitempty"`
	CalleeID     string          `json:"calleeId,omitempty"`
	Decision     string          `json:"decision,omitempty"`
	Message      string          `json:"message,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Error        string          `json:"error,omitempty"`
	RemainingMs  int64           `json:"remainingMs,omitempty"`
	TimeoutAt    int64           `json:"timeoutAt,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// HandleWebSocket upgrades the connection after verifying the upstream
// identity token, then runs the per-connection dispatch loop.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID, role, err := h.verifyIdentity(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	connectionID, err := gonanoid.New(16)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &wsClient{
		conn:         conn,
		send:         make(chan []byte, 32),
		connectionID: connectionID,
		userID:       userID,
	}
	h.hub.Add(client)
	h.registry.Add(&registry.Connection{
		ID:          connectionID,
		UserID:      userID,
		Role:        role,
		ConnectedAt: h.nowFn(),
	})
	h.logger.Debug("ws connected", "connection_id", connectionID, "user_id", userID, "role", role)

	// The client needs its own connection id for initiator election.
	client.trySend(marshalFrame(wsFrame{Type: typeConnected, ConnectionID: connectionID}))

	go h.writePump(client)
	h.readPump(client)
}

// verifyIdentity parses the upstream-issued token. Authentication happens
// before the core; we only extract the verified identity it carries.
func (h *Handlers) verifyIdentity(tokenString string) (userID, role string, err error) {
	if tokenString == "" {
		return "", "", errors.New("missing token")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(h.config.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", "", errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("invalid token claims")
	}
	userID, _ = claims["user_id"].(string)
	role, _ = claims["role"].(string)
	if userID == "" {
		return "", "", errors.New("token carries no user id")
	}
	return userID, role, nil
}

func (h *Handlers) readPump(client *wsClient) {
	defer h.disconnect(client)

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("ws read closed", "connection_id", client.connectionID, "error", err)
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.sendError(client, "", "malformed message")
			continue
		}
		if frame.Type == "ping" {
			continue
		}

		// Payload bodies can carry SDP with addresses; log type and size only.
		h.logger.Debug("ws recv", "connection_id", client.connectionID, "type", frame.Type, "to", frame.To, "payload_bytes", len(frame.Payload))
		h.dispatch(client, frame)
	}
}

// dispatch routes one inbound frame. Validation failures go back to the
// sender only; nothing is mutated first.
func (h *Handlers) dispatch(client *wsClient, frame wsFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch frame.Type {
	case typeJoin:
		h.handleJoin(ctx, client, frame)
	case signaling.TypeOffer:
		if frame.To == "" {
			h.sendError(client, frame.Type, "toId is required")
			return
		}
		h.relay.RelayOffer(client.connectionID, frame.To, frame.Payload)
	case signaling.TypeAnswer:
		if frame.To == "" {
			h.sendError(client, frame.Type, "toId is required")
			return
		}
		h.relay.RelayAnswer(client.connectionID, frame.To, frame.Payload)
	case signaling.TypeIceCandidate:
		if frame.To == "" {
			h.sendError(client, frame.Type, "toId is required")
			return
		}
		h.relay.RelayCandidate(client.connectionID, frame.To, frame.Payload)
	case typeKickUser:
		h.handleKick(ctx, client, frame)
	case typeInstantCallInvite:
		h.handleInstantCallInvite(ctx, client, frame)
	case typeInstantCallResponse:
		h.handleInstantCallResponse(ctx, client, frame)
	default:
		h.sendError(client, frame.Type, "unknown message type")
	}
}

func (h *Handlers) handleJoin(ctx context.Context, client *wsClient, frame wsFrame) {
	if frame.RoomID == "" {
		h.sendError(client, typeJoin, "roomId is required")
		return
	}

	result, err := h.rooms.Join(ctx, frame.RoomID, client.connectionID, client.userID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomFull) {
			h.sendError(client, typeJoin, "room is full")
			return
		}
		h.sendError(client, typeJoin, "join failed, try again")
		h.logger.Warn("join failed", "room_id", frame.RoomID, "connection_id", client.connectionID, "error", err)
		return
	}
	h.registry.SetRoom(client.connectionID, frame.RoomID)

	ack := typeJoinedRoom
	if result.Role == models.RoleInitiator {
		ack = typeCreatedRoom
	}
	client.trySend(marshalFrame(wsFrame{Type: ack, RoomID: frame.RoomID}))

	// Both sides need the other's connection id: each compares it against
	// its own under the same total order, so the offer side is elected
	// without any coordination message.
	newUser := marshalFrame(wsFrame{Type: typeNewUser, RoomID: frame.RoomID, ConnectionID: client.connectionID})
	for _, p := range result.Existing {
		h.fanout.Send(p.ConnectionID, newUser)
		client.trySend(marshalFrame(wsFrame{Type: typeNewUser, RoomID: frame.RoomID, ConnectionID: p.ConnectionID}))
	}

	if len(result.Room.Participants) == 2 {
		if err := h.timer.Start(ctx, frame.RoomID); err != nil {
			h.logger.Warn("session timer start failed", "room_id", frame.RoomID, "error", err)
		}
	}
}

func (h *Handlers) handleKick(ctx context.Context, client *wsClient, frame wsFrame) {
	conn, ok := h.registry.Get(client.connectionID)
	if !ok || conn.RoomID == "" {
		h.sendError(client, typeKickUser, "not in a room")
		return
	}
	if frame.ConnectionID == "" {
		h.sendError(client, typeKickUser, "targetConnectionId is required")
		return
	}

	remaining, err := h.relay.Kick(ctx, conn.RoomID, client.connectionID, frame.ConnectionID)
	if err != nil {
		if errors.Is(err, signaling.ErrNotInitiator) {
			h.sendError(client, typeKickUser, "only the room initiator may kick")
			return
		}
		h.sendError(client, typeKickUser, "kick failed")
		return
	}

	removed := marshalFrame(wsFrame{Type: typeRemoveUser, RoomID: conn.RoomID, ConnectionID: frame.ConnectionID})
	h.fanout.Send(frame.ConnectionID, removed)
	for _, p := range remaining {
		h.fanout.Send(p.ConnectionID, removed)
	}
	h.fanout.CloseConnection(frame.ConnectionID)

	if len(remaining) == 0 {
		if err := h.timer.Cancel(ctx, conn.RoomID); err != nil {
			h.logger.Warn("timer cancel after kick failed", "room_id", conn.RoomID, "error", err)
		}
	}
}

func (h *Handlers) handleInstantCallInvite(ctx context.Context, client *wsClient, frame wsFrame) {
	if frame.CalleeID == "" {
		h.sendError(client, typeInstantCallInvite, "calleeId is required")
		return
	}
	if frame.CalleeID == client.userID {
		h.sendError(client, typeInstantCallInvite, "cannot call yourself")
		return
	}

	invitation, err := h.calls.Initiate(ctx, client.userID, frame.CalleeID)
	if err != nil {
		h.sendError(client, typeInstantCallInvite, "could not create invitation")
		h.logger.Warn("instant call initiate failed", "caller_id", client.userID, "error", err)
		return
	}

	// Ack to the caller with the ids it will need.
	client.trySend(marshalFrame(wsFrame{
		Type:      typeInstantCallInvite,
		CallID:    invitation.CallID,
		RoomID:    invitation.RoomID,
		CalleeID:  invitation.CalleeID,
		TimeoutAt: invitation.TimeoutAt.UnixMilli(),
	}))
}

func (h *Handlers) handleInstantCallResponse(ctx context.Context, client *wsClient, frame wsFrame) {
	if frame.CallID == "" {
		h.sendError(client, typeInstantCallResponse, "callId is required")
		return
	}
	decision := instantcall.DecisionReject
	if frame.Decision == "accepted" || frame.Decision == "accept" {
		decision = instantcall.DecisionAccept
	}

	invitation, err := h.calls.Respond(ctx, frame.CallID, client.userID, decision, frame.Message)
	if err != nil {
		switch {
		case errors.Is(err, instantcall.ErrInvitationExpired):
			h.sendError(client, typeInstantCallResponse, "invitation expired")
		case errors.Is(err, instantcall.ErrInvitationResolved):
			h.sendError(client, typeInstantCallResponse, "invitation already resolved")
		case errors.Is(err, instantcall.ErrInvitationNotFound):
			h.sendError(client, typeInstantCallResponse, "invitation not found")
		default:
			h.sendError(client, typeInstantCallResponse, "respond failed")
		}
		return
	}

	// Echo the terminal state back so the callee UI can settle.
	client.trySend(marshalFrame(wsFrame{
		Type:     typeInstantCallResponse,
		CallID:   invitation.CallID,
		RoomID:   invitation.RoomID,
		Decision: string(invitation.Status),
	}))
}

// disconnect tears down everything a dropped socket owned on this
// instance: registry entry, hub slot, room membership and, if the room had
// a live session, its timer.
func (h *Handlers) disconnect(client *wsClient) {
	_ = client.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _ := h.registry.Get(client.connectionID)
	h.registry.Remove(client.connectionID)
	h.hub.Remove(client.connectionID)

	// Pending invitations and their armed deadlines live on the instance
	// that accepted the caller's socket, so they are resolved here once the
	// caller's last connection is gone.
	if !h.registry.UserOnline(client.userID) {
		h.calls.Abandon(ctx, client.userID)
	}

	if conn == nil || conn.RoomID == "" {
		return
	}

	remaining, err := h.rooms.Leave(ctx, conn.RoomID, client.connectionID)
	if err != nil {
		h.logger.Warn("leave on disconnect failed", "room_id", conn.RoomID, "connection_id", client.connectionID, "error", err)
		return
	}

	// removeUser tears the peer connection down; peerDisconnected lets the
	// UI distinguish a dropped socket (which may rejoin within the grace
	// window) from a deliberate removal.
	removed := marshalFrame(wsFrame{Type: typeRemoveUser, RoomID: conn.RoomID, ConnectionID: client.connectionID})
	notice := marshalFrame(wsFrame{Type: typePeerDisconnected, RoomID: conn.RoomID, ConnectionID: client.connectionID})
	for _, p := range remaining {
		h.fanout.Send(p.ConnectionID, removed)
		h.fanout.Send(p.ConnectionID, notice)
	}

	// The session timer survives participant churn; it is torn down only
	// with the room itself. A rejoin resumes against the same deadline.
	if len(remaining) == 0 {
		if err := h.timer.Cancel(ctx, conn.RoomID); err != nil {
			h.logger.Warn("timer cancel on disconnect failed", "room_id", conn.RoomID, "error", err)
		}
	}
	h.logger.Debug("ws disconnected", "connection_id", client.connectionID, "room_id", conn.RoomID)
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) sendError(client *wsClient, about, message string) {
	client.trySend(marshalFrame(wsFrame{Type: typeError, Reason: about, Error: message}))
}
