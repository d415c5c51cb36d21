package instantcall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []string
	resolved  []models.InvitationStatus
	timedOut  []string
	cancelled []string
}

func (f *fakeNotifier) InviteDelivered(inv *models.Invitation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, inv.CallID)
}

func (f *fakeNotifier) InviteResolved(inv *models.Invitation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, inv.Status)
}

func (f *fakeNotifier) InviteTimedOut(inv *models.Invitation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timedOut = append(f.timedOut, inv.CallID)
}

func (f *fakeNotifier) InviteCancelled(inv *models.Invitation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, inv.CallID)
}

func (f *fakeNotifier) timedOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timedOut)
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []*models.Invitation
}

func (f *fakeArchiver) ArchiveInvitation(inv *models.Invitation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, inv)
}

func newTestCoordinator(deadline time.Duration) (*Coordinator, *fakeNotifier, *fakeArchiver) {
	notifier := &fakeNotifier{}
	archiver := &fakeArchiver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(store.NewMemory(), notifier, archiver, deadline, logger)
	return c, notifier, archiver
}

func TestInitiateCreatesPendingWithDeadline(t *testing.T) {
	c, notifier, _ := newTestCoordinator(30 * time.Second)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	c.nowFn = func() time.Time { return base }

	inv, err := c.Initiate(ctx, "caller-1", "callee-2")
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	defer c.CancelPending(inv.CallID)

	if inv.Status != models.InvitationPending {
		t.Fatalf("expected pending, got %s", inv.Status)
	}
	if inv.RoomID == "" || inv.CallID == "" {
		t.Fatalf("expected ids assigned, got %+v", inv)
	}
	if !inv.TimeoutAt.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("unexpected deadline %v", inv.TimeoutAt)
	}
	if len(notifier.delivered) != 1 {
		t.Fatalf("expected callee notified once, got %d", len(notifier.delivered))
	}
}

func TestRespondAccept(t *testing.T) {
	c, notifier, archiver := newTestCoordinator(30 * time.Second)
	ctx := context.Background()

	inv, _ := c.Initiate(ctx, "caller-1", "callee-2")
	resolved, err := c.Respond(ctx, inv.CallID, "callee-2", DecisionAccept, "on my way")
	if err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if resolved.Status != models.InvitationAccepted {
		t.Fatalf("expected accepted, got %s", resolved.Status)
	}
	if resolved.RoomID != inv.RoomID {
		t.Fatalf("room id must survive accept")
	}
	if resolved.ResponseMessage != "on my way" {
		t.Fatalf("message lost: %q", resolved.ResponseMessage)
	}
	if len(notifier.resolved) != 1 || notifier.resolved[0] != models.InvitationAccepted {
		t.Fatalf("caller not notified of accept: %v", notifier.resolved)
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.archived) != 1 {
		t.Fatalf("terminal invitation must be archived, got %d", len(archiver.archived))
	}
}

func TestRespondTwiceFails(t *testing.T) {
	c, _, _ := newTestCoordinator(30 * time.Second)
	ctx := context.Background()

	inv, _ := c.Initiate(ctx, "caller-1", "callee-2")
	if _, err := c.Respond(ctx, inv.CallID, "callee-2", DecisionReject, ""); err != nil {
		t.Fatalf("first respond failed: %v", err)
	}
	if _, err := c.Respond(ctx, inv.CallID, "callee-2", DecisionAccept, ""); !errors.Is(err, ErrInvitationResolved) {
		t.Fatalf("expected ErrInvitationResolved, got %v", err)
	}
}

func TestRespondAfterDeadlineFails(t *testing.T) {
	c, _, _ := newTestCoordinator(30 * time.Second)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	c.nowFn = func() time.Time { return base }
	inv, _ := c.Initiate(ctx, "caller-1", "callee-2")
	defer c.CancelPending(inv.CallID)

	c.nowFn = func() time.Time { return base.Add(31 * time.Second) }
	if _, err := c.Respond(ctx, inv.CallID, "callee-2", DecisionAccept, ""); !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("expected ErrInvitationExpired, got %v", err)
	}
}

func TestDeadlineFiresTimeout(t *testing.T) {
	c, notifier, _ := newTestCoordinator(30 * time.Millisecond)
	ctx := context.Background()

	inv, _ := c.Initiate(ctx, "caller-1", "callee-2")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && notifier.timedOutCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if notifier.timedOutCount() != 1 {
		t.Fatalf("expected caller notified of timeout, got %d", notifier.timedOutCount())
	}

	got, err := c.Get(ctx, inv.CallID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.InvitationTimeout {
		t.Fatalf("expected timeout status, got %s", got.Status)
	}
}

func TestRespondVsExpireSingleTerminalStatus(t *testing.T) {
	c, notifier, _ := newTestCoordinator(time.Minute)
	ctx := context.Background()

	inv, _ := c.Initiate(ctx, "caller-1", "callee-2")
	defer c.CancelPending(inv.CallID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.Respond(ctx, inv.CallID, "callee-2", DecisionReject, "busy")
	}()
	go func() {
		defer wg.Done()
		c.Expire(inv.CallID)
	}()
	wg.Wait()

	got, err := c.Get(ctx, inv.CallID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.InvitationRejected && got.Status != models.InvitationTimeout {
		t.Fatalf("unexpected terminal status %s", got.Status)
	}

	notifier.mu.Lock()
	total := len(notifier.resolved) + len(notifier.timedOut)
	notifier.mu.Unlock()
	if total != 1 {
		t.Fatalf("expected exactly one terminal notification, got %d", total)
	}
}

func TestAbandonResolvesPendingCallsToNoResponse(t *testing.T) {
	c, notifier, archiver := newTestCoordinator(time.Minute)
	ctx := context.Background()

	inv, _ := c.Initiate(ctx, "caller-1", "callee-2")
	other, _ := c.Initiate(ctx, "caller-9", "callee-2")
	defer c.CancelPending(other.CallID)

	c.Abandon(ctx, "caller-1")

	got, err := c.Get(ctx, inv.CallID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.InvitationNoResponse {
		t.Fatalf("expected no_response, got %s", got.Status)
	}

	c.mu.Lock()
	_, armed := c.scheduled[inv.CallID]
	c.mu.Unlock()
	if armed {
		t.Fatalf("abandoned call must have its deadline removed")
	}

	notifier.mu.Lock()
	cancelled := len(notifier.cancelled)
	notifier.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("expected callee notified of cancellation once, got %d", cancelled)
	}

	if _, err := c.Respond(ctx, inv.CallID, "callee-2", DecisionAccept, ""); !errors.Is(err, ErrInvitationResolved) {
		t.Fatalf("expected ErrInvitationResolved after abandon, got %v", err)
	}

	stillPending, _ := c.Get(ctx, other.CallID)
	if stillPending.Status != models.InvitationPending {
		t.Fatalf("abandon must only touch that caller's invitations, got %s", stillPending.Status)
	}

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	if len(archiver.archived) != 1 {
		t.Fatalf("abandoned invitation must be archived, got %d", len(archiver.archived))
	}
}

func TestOnlyCalleeMayRespond(t *testing.T) {
	c, _, _ := newTestCoordinator(time.Minute)
	ctx := context.Background()

	inv, _ := c.Initiate(ctx, "caller-1", "callee-2")
	defer c.CancelPending(inv.CallID)

	if _, err := c.Respond(ctx, inv.CallID, "stranger-3", DecisionAccept, ""); err == nil {
		t.Fatalf("expected error for non-callee responder")
	}

	got, _ := c.Get(ctx, inv.CallID)
	if got.Status != models.InvitationPending {
		t.Fatalf("failed respond must not mutate, got %s", got.Status)
	}
}
