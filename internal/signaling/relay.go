package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/rooms"
)

var ErrNotInitiator = errors.New("only the room initiator may kick")

// Message types relayed between peers.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeIceCandidate = "iceCandidate"
)

// Envelope is the wire frame for relayed negotiation payloads. Data is
// opaque; the relay never inspects SDP or candidate contents.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"fromId,omitempty"`
	To   string          `json:"toId,omitempty"`
	Data json.RawMessage `json:"payload,omitempty"`
}

// Sender delivers a payload to a connection on this instance. Send reports
// false when the target is not registered here.
type Sender interface {
	Send(connectionID string, payload []byte) bool
}

// OfferInitiator elects which of two connections sends the first offer.
// Both sides compare the identifiers under the same total order, so the
// election needs no coordination messages and cannot glare.
func OfferInitiator(a, b string) string {
	if a < b {
		return a
	}
	return b
}

// Relay forwards negotiation payloads between the two connections of a
// room. Delivery is not queued or retried; a missing target means the peer
// will renegotiate with a fresh offer once both sides are present.
type Relay struct {
	sender Sender
	rooms  *rooms.Manager
	logger *slog.Logger
}

func NewRelay(sender Sender, roomManager *rooms.Manager, logger *slog.Logger) *Relay {
	return &Relay{sender: sender, rooms: roomManager, logger: logger}
}

func (r *Relay) RelayOffer(from, to string, payload json.RawMessage) {
	r.forward(TypeOffer, from, to, payload)
}

func (r *Relay) RelayAnswer(from, to string, payload json.RawMessage) {
	r.forward(TypeAnswer, from, to, payload)
}

func (r *Relay) RelayCandidate(from, to string, payload json.RawMessage) {
	r.forward(TypeIceCandidate, from, to, payload)
}

func (r *Relay) forward(msgType, from, to string, payload json.RawMessage) {
	frame, err := json.Marshal(Envelope{Type: msgType, From: from, Data: payload})
	if err != nil {
		return
	}
	if !r.sender.Send(to, frame) {
		// Expected during reconnects; renegotiation restarts cleanly.
		r.logger.Debug("relay target unreachable", "type", msgType, "from", from, "to", to, "payload_bytes", len(payload))
	}
}

// Kick removes target from the room. Only the room initiator may kick.
// The caller is responsible for completing the leave and closing the
// target's socket.
func (r *Relay) Kick(ctx context.Context, roomID, byConnection, target string) ([]models.Participant, error) {
	room, err := r.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	initiator, ok := room.Initiator()
	if !ok || initiator.ConnectionID != byConnection {
		return nil, ErrNotInitiator
	}
	if _, ok := room.Participant(target); !ok {
		return nil, nil
	}

	remaining, err := r.rooms.Leave(ctx, roomID, target)
	if err != nil {
		return nil, err
	}
	r.logger.Info("participant kicked", "room_id", roomID, "by", byConnection, "target", target)
	return remaining, nil
}
