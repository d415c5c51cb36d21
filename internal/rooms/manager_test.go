package rooms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

func newTestManager(capacity int, grace time.Duration) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(store.NewMemory(), capacity, grace, logger)
	m.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return m
}

func TestFirstJoinerIsInitiator(t *testing.T) {
	m := newTestManager(2, 0)
	ctx := context.Background()

	res, err := m.Join(ctx, "r1", "conn-a", "user-7")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if res.Role != models.RoleInitiator {
		t.Fatalf("expected initiator, got %s", res.Role)
	}
	if len(res.Existing) != 0 {
		t.Fatalf("expected empty room, got %v", res.Existing)
	}

	res2, err := m.Join(ctx, "r1", "conn-b", "user-9")
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if res2.Role != models.RoleJoiner {
		t.Fatalf("expected joiner, got %s", res2.Role)
	}
	if len(res2.Existing) != 1 || res2.Existing[0].ConnectionID != "conn-a" {
		t.Fatalf("expected conn-a visible to joiner, got %v", res2.Existing)
	}
}

func TestCapacityEnforced(t *testing.T) {
	m := newTestManager(2, 0)
	ctx := context.Background()

	if _, err := m.Join(ctx, "r1", "conn-a", "u1"); err != nil {
		t.Fatalf("join a failed: %v", err)
	}
	if _, err := m.Join(ctx, "r1", "conn-b", "u2"); err != nil {
		t.Fatalf("join b failed: %v", err)
	}
	if _, err := m.Join(ctx, "r1", "conn-c", "u3"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}

	// The failed join must not mutate the room.
	room, err := m.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("expected 2 participants after rejected join, got %d", len(room.Participants))
	}
}

func TestRejoinSameConnectionIdempotent(t *testing.T) {
	m := newTestManager(2, 0)
	ctx := context.Background()

	first, _ := m.Join(ctx, "r1", "conn-a", "u1")
	again, err := m.Join(ctx, "r1", "conn-a", "u1")
	if err != nil {
		t.Fatalf("re-join failed: %v", err)
	}
	if again.Role != first.Role {
		t.Fatalf("expected stable role on re-join, got %s then %s", first.Role, again.Role)
	}

	room, _ := m.Get(ctx, "r1")
	if len(room.Participants) != 1 {
		t.Fatalf("expected no duplicate participant, got %d", len(room.Participants))
	}
}

func TestConcurrentJoinNoDuplicates(t *testing.T) {
	// Two managers over one store stand in for two racing instances.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shared := store.NewMemory()
	m1 := NewManager(shared, 2, 0, logger)
	m2 := NewManager(shared, 2, 0, logger)
	ctx := context.Background()

	done := make(chan error, 2)
	go func() {
		_, err := m1.Join(ctx, "r1", "conn-a", "u1")
		done <- err
	}()
	go func() {
		_, err := m2.Join(ctx, "r1", "conn-b", "u2")
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("racing join failed: %v", err)
		}
	}

	room, err := m1.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(room.Participants) != 2 {
		t.Fatalf("expected exactly 2 participants, got %d", len(room.Participants))
	}
	seen := map[string]bool{}
	for _, p := range room.Participants {
		if seen[p.ConnectionID] {
			t.Fatalf("duplicate participant %s", p.ConnectionID)
		}
		seen[p.ConnectionID] = true
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	m := newTestManager(2, 0)
	ctx := context.Background()

	_, _ = m.Join(ctx, "r1", "conn-a", "u1")
	remaining, err := m.Leave(ctx, "r1", "conn-a")
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty remaining, got %v", remaining)
	}
	if _, err := m.Get(ctx, "r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room deleted, got %v", err)
	}
}

func TestLeaveGraceWindowToleratesRejoin(t *testing.T) {
	m := newTestManager(2, 50*time.Millisecond)
	ctx := context.Background()

	_, _ = m.Join(ctx, "r1", "conn-a", "u1")
	if _, err := m.Leave(ctx, "r1", "conn-a"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	// Rejoin inside the window keeps the room alive.
	if _, err := m.Join(ctx, "r1", "conn-a", "u1"); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, err := m.Get(ctx, "r1"); err != nil {
		t.Fatalf("room should survive grace after rejoin: %v", err)
	}
}

func TestLeaveGraceWindowExpires(t *testing.T) {
	m := newTestManager(2, 20*time.Millisecond)
	ctx := context.Background()

	_, _ = m.Join(ctx, "r1", "conn-a", "u1")
	_, _ = m.Leave(ctx, "r1", "conn-a")

	time.Sleep(100 * time.Millisecond)
	if _, err := m.Get(ctx, "r1"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected room deleted after grace, got %v", err)
	}
}

func TestListActiveSkipsEmptyRooms(t *testing.T) {
	m := newTestManager(2, time.Minute)
	ctx := context.Background()

	_, _ = m.Join(ctx, "r1", "conn-a", "u1")
	_, _ = m.Join(ctx, "r2", "conn-b", "u2")
	_, _ = m.Leave(ctx, "r2", "conn-b") // empty but inside grace window

	active, err := m.ListActive(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "r1" {
		t.Fatalf("expected only r1 active, got %+v", active)
	}
}
