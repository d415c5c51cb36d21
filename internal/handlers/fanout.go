package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/registry"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

// channelEvents carries frames between instances. Each instance delivers
// to whichever targets hold a websocket with it; everyone else ignores the
// message. This is the pub/sub half of the shared store.
const channelEvents = "talktime.events"

type fanoutFrame struct {
	Origin        string   `json:"origin"`
	ConnectionIDs []string `json:"connection_ids,omitempty"`
	UserIDs       []string `json:"user_ids,omitempty"`
	CloseIDs      []string `json:"close_ids,omitempty"`
	Payload       []byte   `json:"payload,omitempty"`
}

// Fanout routes frames to connections wherever they live: local sockets
// directly, everything else via the store's pub/sub so the owning instance
// delivers. Satisfies the Sender interfaces of signaling and lifecycle.
type Fanout struct {
	store      store.Store
	hub        *Hub
	registry   *registry.Registry
	instanceID string
	logger     *slog.Logger
}

func NewFanout(st store.Store, hub *Hub, reg *registry.Registry, instanceID string, logger *slog.Logger) *Fanout {
	return &Fanout{store: st, hub: hub, registry: reg, instanceID: instanceID, logger: logger}
}

// Send delivers to one connection. Local delivery is attempted first; a
// miss publishes for the instance that owns the connection. Cross-instance
// delivery is best effort and reports success once published.
func (f *Fanout) Send(connectionID string, payload []byte) bool {
	if f.hub.Send(connectionID, payload) {
		return true
	}
	return f.publish(fanoutFrame{
		Origin:        f.instanceID,
		ConnectionIDs: []string{connectionID},
		Payload:       payload,
	}) == nil
}

// SendToUser delivers to every connection of a user, on this instance and
// everywhere else. Reports whether at least one local socket took it.
func (f *Fanout) SendToUser(userID string, payload []byte) bool {
	delivered := false
	for _, connID := range f.registry.ConnectionsForUser(userID) {
		if f.hub.Send(connID, payload) {
			delivered = true
		}
	}
	_ = f.publish(fanoutFrame{
		Origin:  f.instanceID,
		UserIDs: []string{userID},
		Payload: payload,
	})
	return delivered
}

// CloseConnection clears the connection's room and force-closes its
// socket wherever it lives. The owning instance's disconnect teardown
// finishes the job.
func (f *Fanout) CloseConnection(connectionID string) {
	f.registry.SetRoom(connectionID, "")
	if f.hub.CloseConnection(connectionID) {
		return
	}
	_ = f.publish(fanoutFrame{
		Origin:   f.instanceID,
		CloseIDs: []string{connectionID},
	})
}

func (f *Fanout) publish(frame fanoutFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.store.Publish(ctx, channelEvents, raw); err != nil {
		f.logger.Warn("fanout publish failed", "error", err)
		return fmt.Errorf("fanout publish: %w", err)
	}
	return nil
}

// Run consumes the cluster event channel and hands frames to local
// sockets. Frames published by this instance for user targets were already
// delivered locally, so they are skipped.
func (f *Fanout) Run(ctx context.Context) error {
	messages, stop, err := f.store.Subscribe(ctx, channelEvents)
	if err != nil {
		return fmt.Errorf("fanout subscribe: %w", err)
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var frame fanoutFrame
			if err := json.Unmarshal(msg.Payload, &frame); err != nil {
				continue
			}
			for _, connID := range frame.ConnectionIDs {
				f.hub.Send(connID, frame.Payload)
			}
			if frame.Origin == f.instanceID {
				continue
			}
			for _, connID := range frame.CloseIDs {
				f.registry.SetRoom(connID, "")
				f.hub.CloseConnection(connID)
			}
			for _, userID := range frame.UserIDs {
				for _, connID := range f.registry.ConnectionsForUser(userID) {
					f.hub.Send(connID, frame.Payload)
				}
			}
		}
	}
}
