package instantcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

var (
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationExpired  = errors.New("invitation expired")
	ErrInvitationResolved = errors.New("invitation already resolved")
)

const casAttempts = 5

// Decision is the callee's answer to an invitation.
type Decision string

const (
	DecisionAccept Decision = "accepted"
	DecisionReject Decision = "rejected"
)

// Notifier pushes invitation lifecycle events to the parties. Implemented
// by the websocket layer; delivery is best effort.
type Notifier interface {
	InviteDelivered(invitation *models.Invitation)
	InviteResolved(invitation *models.Invitation)
	InviteTimedOut(invitation *models.Invitation)
	InviteCancelled(invitation *models.Invitation)
}

// Archiver receives terminal invitations for out-of-band record keeping.
type Archiver interface {
	ArchiveInvitation(invitation *models.Invitation)
}

// Coordinator runs the short-lived request/response state machine for
// unscheduled calls. Every transition out of pending goes through one
// conditional-write path, so a decline racing the deadline resolves to a
// single terminal status: first writer wins.
type Coordinator struct {
	store    store.Store
	notifier Notifier
	archiver Archiver
	deadline time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu        sync.Mutex
	scheduled map[string]*time.Timer
	callers   map[string]string // callID -> callerID while pending here
}

func NewCoordinator(st store.Store, notifier Notifier, archiver Archiver, deadline time.Duration, logger *slog.Logger) *Coordinator {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Coordinator{
		store:     st,
		notifier:  notifier,
		archiver:  archiver,
		deadline:  deadline,
		logger:    logger,
		nowFn:     time.Now,
		scheduled: make(map[string]*time.Timer),
		callers:   make(map[string]string),
	}
}

// Initiate creates a pending invitation, notifies the callee and arms the
// deadline. The returned room id is where both parties meet on accept.
func (c *Coordinator) Initiate(ctx context.Context, callerID, calleeID string) (*models.Invitation, error) {
	callID, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}
	roomID, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}

	now := c.nowFn()
	invitation := &models.Invitation{
		CallID:    callID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		RoomID:    roomID,
		Status:    models.InvitationPending,
		CreatedAt: now,
		TimeoutAt: now.Add(c.deadline),
	}

	value, err := json.Marshal(invitation)
	if err != nil {
		return nil, fmt.Errorf("encode invitation: %w", err)
	}
	if err := store.Retry(ctx, func() error {
		_, err := c.store.Put(ctx, store.InstantCallKeyPrefix+callID, value, 0)
		return err
	}); err != nil {
		return nil, err
	}

	c.logger.Info("instant call initiated", "call_id", callID, "caller_id", callerID, "callee_id", calleeID, "timeout_at", invitation.TimeoutAt)
	c.notifier.InviteDelivered(invitation)

	c.mu.Lock()
	c.scheduled[callID] = time.AfterFunc(invitation.TimeoutAt.Sub(now), func() {
		c.Expire(callID)
	})
	c.callers[callID] = callerID
	c.mu.Unlock()

	return invitation, nil
}

// Respond records the callee's decision. Valid only while the invitation is
// pending and before its deadline.
func (c *Coordinator) Respond(ctx context.Context, callID, responderID string, decision Decision, message string) (*models.Invitation, error) {
	target := models.InvitationAccepted
	if decision == DecisionReject {
		target = models.InvitationRejected
	}

	invitation, err := c.transitionIfPending(ctx, callID, func(inv *models.Invitation) error {
		if inv.CalleeID != responderID {
			return fmt.Errorf("responder %s is not the callee", responderID)
		}
		if !c.nowFn().Before(inv.TimeoutAt) {
			return ErrInvitationExpired
		}
		inv.Status = target
		inv.ResponseMessage = message
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.cancelDeadline(callID)
	c.logger.Info("instant call resolved", "call_id", callID, "status", invitation.Status)
	c.notifier.InviteResolved(invitation)
	c.archive(invitation)
	return invitation, nil
}

// Expire is the deadline path: a still-pending invitation transitions to
// timeout and the caller is notified. Losing the race to Respond is normal.
func (c *Coordinator) Expire(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	invitation, err := c.transitionIfPending(ctx, callID, func(inv *models.Invitation) error {
		inv.Status = models.InvitationTimeout
		return nil
	})
	c.cancelDeadline(callID)
	if err != nil {
		return
	}
	c.logger.Info("instant call timed out", "call_id", callID, "caller_id", invitation.CallerID)
	c.notifier.InviteTimedOut(invitation)
	c.archive(invitation)
}

// CancelPending removes the armed deadline for a call without resolving
// it. Used for teardown in tests and shutdown paths.
func (c *Coordinator) CancelPending(callID string) {
	c.cancelDeadline(callID)
}

// Abandon resolves every invitation this instance holds pending for the
// caller to no_response and removes the armed deadlines. Called when the
// caller goes offline: the callee's answer would have nowhere to land.
func (c *Coordinator) Abandon(ctx context.Context, callerID string) {
	c.mu.Lock()
	var callIDs []string
	for callID, caller := range c.callers {
		if caller == callerID {
			callIDs = append(callIDs, callID)
		}
	}
	c.mu.Unlock()

	for _, callID := range callIDs {
		invitation, err := c.transitionIfPending(ctx, callID, func(inv *models.Invitation) error {
			inv.Status = models.InvitationNoResponse
			return nil
		})
		c.cancelDeadline(callID)
		if err != nil {
			continue
		}
		c.logger.Info("instant call abandoned", "call_id", callID, "caller_id", callerID)
		c.notifier.InviteCancelled(invitation)
		c.archive(invitation)
	}
}

// Get returns the invitation for introspection.
func (c *Coordinator) Get(ctx context.Context, callID string) (*models.Invitation, error) {
	invitation, _, err := c.load(ctx, callID)
	return invitation, err
}

// transitionIfPending is the single atomic pending-to-terminal path shared
// by Respond and Expire. mutate runs on a pending snapshot; a conditional
// write commits it. A version race means someone else resolved first.
func (c *Coordinator) transitionIfPending(ctx context.Context, callID string, mutate func(*models.Invitation) error) (*models.Invitation, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		invitation, ver, err := c.load(ctx, callID)
		if err != nil {
			return nil, err
		}
		if invitation.Status.Terminal() {
			return nil, ErrInvitationResolved
		}
		if err := mutate(invitation); err != nil {
			return nil, err
		}

		value, err := json.Marshal(invitation)
		if err != nil {
			return nil, fmt.Errorf("encode invitation %s: %w", callID, err)
		}
		if _, err := c.store.Put(ctx, store.InstantCallKeyPrefix+callID, value, ver); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				continue
			}
			return nil, err
		}
		return invitation, nil
	}
	return nil, ErrInvitationResolved
}

func (c *Coordinator) load(ctx context.Context, callID string) (*models.Invitation, int64, error) {
	value, ver, err := c.store.Get(ctx, store.InstantCallKeyPrefix+callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrInvitationNotFound
		}
		return nil, 0, err
	}
	var invitation models.Invitation
	if err := json.Unmarshal(value, &invitation); err != nil {
		return nil, 0, fmt.Errorf("decode invitation %s: %w", callID, err)
	}
	return &invitation, ver, nil
}

func (c *Coordinator) cancelDeadline(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handle, ok := c.scheduled[callID]; ok {
		handle.Stop()
		delete(c.scheduled, callID)
	}
	delete(c.callers, callID)
}

func (c *Coordinator) archive(invitation *models.Invitation) {
	if c.archiver != nil {
		c.archiver.ArchiveInvitation(invitation)
	}
}
