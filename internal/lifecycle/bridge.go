package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/registry"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

// Sender delivers a frame to one connection on this instance.
type Sender interface {
	Send(connectionID string, payload []byte) bool
}

// notification is the frame pushed to clients for a bridged meeting event.
type notification struct {
	Type           string         `json:"type"`
	MeetingID      string         `json:"meeting_id"`
	ParticipantIDs []string       `json:"participant_ids"`
	Details        map[string]any `json:"details,omitempty"`
}

// Bridge subscribes once to the meeting lifecycle channels and fans each
// event out to the participants connected to this instance. Delivery is
// best effort: disconnected users learn of the change through the external
// notification system.
type Bridge struct {
	store    store.Store
	registry *registry.Registry
	sender   Sender
	logger   *slog.Logger

	stop func()
}

func NewBridge(st store.Store, reg *registry.Registry, sender Sender, logger *slog.Logger) *Bridge {
	return &Bridge{store: st, registry: reg, sender: sender, logger: logger}
}

// Run subscribes and consumes until the subscription closes or ctx ends.
// Call it once at startup.
func (b *Bridge) Run(ctx context.Context) error {
	messages, stop, err := b.store.Subscribe(ctx,
		store.ChannelMeetingCreated,
		store.ChannelMeetingRescheduled,
		store.ChannelMeetingCanceled,
	)
	if err != nil {
		return fmt.Errorf("lifecycle subscribe: %w", err)
	}
	b.stop = stop
	b.logger.Info("lifecycle bridge subscribed")

	for {
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.handle(msg)
		}
	}
}

func (b *Bridge) Close() {
	if b.stop != nil {
		b.stop()
	}
}

func (b *Bridge) handle(msg store.Message) {
	var event models.LifecycleEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		b.logger.Warn("lifecycle event undecodable", "channel", msg.Channel, "error", err)
		return
	}

	msgType, ok := messageType(msg.Channel)
	if !ok {
		return
	}

	frame, err := json.Marshal(notification{
		Type:           msgType,
		MeetingID:      event.MeetingID,
		ParticipantIDs: event.ParticipantIDs,
		Details:        event.Payload,
	})
	if err != nil {
		return
	}

	delivered := 0
	for _, userID := range event.ParticipantIDs {
		for _, connID := range b.registry.ConnectionsForUser(userID) {
			if b.sender.Send(connID, frame) {
				delivered++
			}
		}
	}
	b.logger.Debug("lifecycle event bridged", "channel", msg.Channel, "meeting_id", event.MeetingID, "delivered", delivered)
}

func messageType(channel string) (string, bool) {
	switch channel {
	case store.ChannelMeetingCreated:
		return "meeting-created", true
	case store.ChannelMeetingRescheduled:
		return "meeting-rescheduled", true
	case store.ChannelMeetingCanceled:
		return "meeting-canceled", true
	default:
		return "", false
	}
}
