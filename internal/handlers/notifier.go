package handlers

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/push"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/registry"
)

// EventNotifier turns timer and instant-call events into client frames.
// It backs the Notifier interfaces of the session and instantcall packages.
type EventNotifier struct {
	fanout   *Fanout
	pusher   *push.Notifier
	registry *registry.Registry
	logger   *slog.Logger
}

func NewEventNotifier(fanout *Fanout, pusher *push.Notifier, reg *registry.Registry, logger *slog.Logger) *EventNotifier {
	return &EventNotifier{fanout: fanout, pusher: pusher, registry: reg, logger: logger}
}

func (n *EventNotifier) SessionWarning(roomID string, remaining time.Duration, participants []models.Participant) {
	frame := marshalFrame(wsFrame{
		Type:        typeSessionWarning,
		RoomID:      roomID,
		RemainingMs: remaining.Milliseconds(),
	})
	for _, p := range participants {
		n.fanout.Send(p.ConnectionID, frame)
	}
}

func (n *EventNotifier) SessionEnded(roomID, reason string, participants []models.Participant) {
	frame := marshalFrame(wsFrame{
		Type:   typeSessionEnded,
		RoomID: roomID,
		Reason: reason,
	})
	for _, p := range participants {
		n.fanout.Send(p.ConnectionID, frame)
	}
}

func (n *EventNotifier) InviteDelivered(inv *models.Invitation) {
	frame := marshalFrame(wsFrame{
		Type:      typeInstantCallInvite,
		CallID:    inv.CallID,
		RoomID:    inv.RoomID,
		CallerID:  inv.CallerID,
		TimeoutAt: inv.TimeoutAt.UnixMilli(),
	})
	reached := n.fanout.SendToUser(inv.CalleeID, frame)

	// A callee with no socket here may still hear about it via Web Push.
	if !reached && n.pusher != nil {
		if err := n.pusher.Notify(inv.CalleeID, "Incoming call", "You have an instant call invitation", map[string]any{
			"call_id": inv.CallID,
			"room_id": inv.RoomID,
		}); err != nil {
			n.logger.Warn("invite push failed", "call_id", inv.CallID, "callee_id", inv.CalleeID, "error", err)
		}
	}
}

func (n *EventNotifier) InviteResolved(inv *models.Invitation) {
	frame := marshalFrame(wsFrame{
		Type:     typeInstantCallResponse,
		CallID:   inv.CallID,
		RoomID:   inv.RoomID,
		Decision: string(inv.Status),
		Message:  inv.ResponseMessage,
	})
	n.fanout.SendToUser(inv.CallerID, frame)
}

// InviteCancelled tells the callee the caller withdrew (went offline)
// before any decision landed.
func (n *EventNotifier) InviteCancelled(inv *models.Invitation) {
	frame := marshalFrame(wsFrame{
		Type:   typeInstantCallCancelled,
		CallID: inv.CallID,
		RoomID: inv.RoomID,
	})
	n.fanout.SendToUser(inv.CalleeID, frame)
}

func (n *EventNotifier) InviteTimedOut(inv *models.Invitation) {
	frame := marshalFrame(wsFrame{
		Type:   typeInstantCallTimeout,
		CallID: inv.CallID,
		RoomID: inv.RoomID,
	})
	n.fanout.SendToUser(inv.CallerID, frame)
}

func marshalFrame(frame wsFrame) []byte {
	raw, _ := json.Marshal(frame)
	return raw
}
