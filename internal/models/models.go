package models

import "time"

// Role of a participant inside a room. The first joiner becomes the
// initiator and controls created-vs-joined client semantics plus kicks.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Participant is one connection's membership in a room.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Room is the shared context uniting the connections of one call. It lives
// in the shared store so every instance sees the same view.
type Room struct {
	ID           string        `json:"room_id"`
	MeetingID    string        `json:"meeting_id,omitempty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (r *Room) Participant(connectionID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ConnectionID == connectionID {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Room) Initiator() (Participant, bool) {
	for _, p := range r.Participants {
		if p.Role == RoleInitiator {
			return p, true
		}
	}
	return Participant{}, false
}

// TimerStatus is the lifecycle state of a session timer.
// Keep values stable because they are part of the public API.
type TimerStatus string

const (
	TimerStatusRunning   TimerStatus = "running"
	TimerStatusExpired   TimerStatus = "expired"
	TimerStatusCancelled TimerStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TimerStatus) Terminal() bool {
	return s == TimerStatusExpired || s == TimerStatusCancelled
}

// SessionTimerState is the persisted countdown for a room's live session.
// Deadlines are absolute wall-clock times so a recovered timer behaves as
// if it had run continuously.
type SessionTimerState struct {
	RoomID         string      `json:"room_id"`
	StartedAt      time.Time   `json:"started_at"`
	Deadline       time.Time   `json:"deadline"`
	WarningOffsets []int64     `json:"warning_offsets_ms"`
	FiredWarnings  []int64     `json:"fired_warnings_ms"`
	Status         TimerStatus `json:"status"`
	Owner          string      `json:"owner,omitempty"`
}

func (t *SessionTimerState) WarningFired(offsetMs int64) bool {
	for _, fired := range t.FiredWarnings {
		if fired == offsetMs {
			return true
		}
	}
	return false
}

// InvitationStatus is the lifecycle state of an instant-call invitation.
type InvitationStatus string

const (
	InvitationPending    InvitationStatus = "pending"
	InvitationAccepted   InvitationStatus = "accepted"
	InvitationRejected   InvitationStatus = "rejected"
	InvitationTimeout    InvitationStatus = "timeout"
	InvitationNoResponse InvitationStatus = "no_response"
)

func (s InvitationStatus) Terminal() bool {
	return s != InvitationPending
}

// Invitation is an unscheduled-call request awaiting the callee's live
// decision. Status is terminal once set.
type Invitation struct {
	CallID          string           `json:"call_id"`
	CallerID        string           `json:"caller_id"`
	CalleeID        string           `json:"callee_id"`
	RoomID          string           `json:"room_id"`
	Status          InvitationStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	TimeoutAt       time.Time        `json:"timeout_at"`
	ResponseMessage string           `json:"response_message,omitempty"`
}

// LifecycleEventType identifies a change published by the external
// meeting-record system.
type LifecycleEventType string

const (
	MeetingCreated     LifecycleEventType = "created"
	MeetingRescheduled LifecycleEventType = "rescheduled"
	MeetingCanceled    LifecycleEventType = "canceled"
)

// LifecycleEvent is consumed once from the shared store's pub/sub and
// fanned out to connected participants. The external store is the source
// of truth; nothing here is persisted.
type LifecycleEvent struct {
	Type           LifecycleEventType `json:"type"`
	MeetingID      string             `json:"meeting_id"`
	ParticipantIDs []string           `json:"participant_ids"`
	Payload        map[string]any     `json:"payload,omitempty"`
}
