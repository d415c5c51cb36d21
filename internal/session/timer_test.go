package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/rooms"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

type recordedWarning struct {
	roomID    string
	remaining time.Duration
}

type recordedEnd struct {
	roomID string
	reason string
}

type fakeNotifier struct {
	mu       sync.Mutex
	warnings []recordedWarning
	ended    []recordedEnd
}

func (f *fakeNotifier) SessionWarning(roomID string, remaining time.Duration, _ []models.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, recordedWarning{roomID: roomID, remaining: remaining})
}

func (f *fakeNotifier) SessionEnded(roomID, reason string, _ []models.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, recordedEnd{roomID: roomID, reason: reason})
}

func (f *fakeNotifier) warningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.warnings)
}

func (f *fakeNotifier) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ended)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) (store.Store, *rooms.Manager, *fakeNotifier, *Timer) {
	t.Helper()
	shared := store.NewMemory()
	manager := rooms.NewManager(shared, 2, 0, testLogger())
	notifier := &fakeNotifier{}
	timer := NewTimer(shared, manager, notifier, "instance-1", testLogger())
	return shared, manager, notifier, timer
}

func joinBoth(t *testing.T, manager *rooms.Manager, roomID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := manager.Join(ctx, roomID, "conn-a", "u1"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := manager.Join(ctx, roomID, "conn-b", "u2"); err != nil {
		t.Fatalf("join b: %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	_, manager, _, timer := newFixture(t)
	defer timer.unschedule("r1")
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	if err := timer.Start(ctx, "r1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	first, err := timer.Status(ctx, "r1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	if err := timer.Start(ctx, "r1"); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	second, _ := timer.Status(ctx, "r1")
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("second start must not restart the countdown")
	}
	if second.Status != models.TimerStatusRunning {
		t.Fatalf("expected running, got %s", second.Status)
	}
}

func TestWarningFiresOnce(t *testing.T) {
	_, manager, notifier, timer := newFixture(t)
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	now := time.Now()
	state := &models.SessionTimerState{
		RoomID:         "r1",
		StartedAt:      now,
		Deadline:       now.Add(time.Hour),
		WarningOffsets: []int64{300000, 60000},
		Status:         models.TimerStatusRunning,
	}
	if err := timer.save(ctx, state, 0); err != nil {
		t.Fatalf("seed timer: %v", err)
	}

	timer.fireWarning("r1", 300000)
	timer.fireWarning("r1", 300000) // redelivery after recovery
	if notifier.warningCount() != 1 {
		t.Fatalf("expected exactly one warning, got %d", notifier.warningCount())
	}

	got, _ := timer.Status(ctx, "r1")
	if len(got.FiredWarnings) != 1 || got.FiredWarnings[0] != 300000 {
		t.Fatalf("unexpected fired warnings %v", got.FiredWarnings)
	}
}

func TestWarningRemainingTime(t *testing.T) {
	_, manager, notifier, timer := newFixture(t)
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	now := time.Now()
	state := &models.SessionTimerState{
		RoomID:         "r1",
		StartedAt:      now,
		Deadline:       now.Add(5 * time.Minute),
		WarningOffsets: []int64{300000},
		Status:         models.TimerStatusRunning,
	}
	if err := timer.save(ctx, state, 0); err != nil {
		t.Fatalf("seed timer: %v", err)
	}

	timer.fireWarning("r1", 300000)
	if notifier.warningCount() != 1 {
		t.Fatalf("expected warning, got %d", notifier.warningCount())
	}
	notifier.mu.Lock()
	remaining := notifier.warnings[0].remaining
	notifier.mu.Unlock()
	if remaining > 5*time.Minute || remaining < 4*time.Minute {
		t.Fatalf("remaining %v not close to 5 minutes", remaining)
	}
}

func TestExpireForcesLeaveAndDeletesTimer(t *testing.T) {
	_, manager, notifier, timer := newFixture(t)
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	now := time.Now()
	state := &models.SessionTimerState{
		RoomID:    "r1",
		StartedAt: now.Add(-time.Hour),
		Deadline:  now.Add(-time.Minute),
		Status:    models.TimerStatusRunning,
	}
	if err := timer.save(ctx, state, 0); err != nil {
		t.Fatalf("seed timer: %v", err)
	}

	timer.expire("r1")
	timer.expire("r1") // second firer must stay quiet

	if notifier.endedCount() != 1 {
		t.Fatalf("expected exactly one session-ended, got %d", notifier.endedCount())
	}
	notifier.mu.Lock()
	reason := notifier.ended[0].reason
	notifier.mu.Unlock()
	if reason != EndReasonExpired {
		t.Fatalf("unexpected reason %s", reason)
	}

	if _, err := manager.Get(ctx, "r1"); !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("expected room destroyed, got %v", err)
	}
	if _, err := timer.Status(ctx, "r1"); !errors.Is(err, ErrTimerNotFound) {
		t.Fatalf("expected timer destroyed, got %v", err)
	}
}

func TestCancelRemovesTimer(t *testing.T) {
	_, manager, notifier, timer := newFixture(t)
	defer timer.unschedule("r1")
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	if err := timer.Start(ctx, "r1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := timer.Cancel(ctx, "r1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := timer.Status(ctx, "r1"); !errors.Is(err, ErrTimerNotFound) {
		t.Fatalf("expected timer removed, got %v", err)
	}
	if notifier.endedCount() != 0 {
		t.Fatalf("cancel must not notify, got %d", notifier.endedCount())
	}
}

func TestRecoverPastDeadlineEndsImmediately(t *testing.T) {
	shared, manager, notifier, _ := newFixture(t)
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	now := time.Now()
	state := &models.SessionTimerState{
		RoomID:    "r1",
		StartedAt: now.Add(-time.Hour),
		Deadline:  now.Add(-10 * time.Minute),
		Status:    models.TimerStatusRunning,
	}
	seed, _ := json.Marshal(state)
	if _, err := shared.Put(ctx, store.TimerKeyPrefix+"r1", seed, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A fresh instance picks up the orphaned timer.
	recovered := NewTimer(shared, manager, notifier, "instance-2", testLogger())
	if err := recovered.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if notifier.endedCount() != 1 {
		t.Fatalf("expected immediate session-ended, got %d", notifier.endedCount())
	}
}

func TestRecoverFutureDeadlineReschedulesRemaining(t *testing.T) {
	shared, manager, notifier, _ := newFixture(t)
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	// Deadline 150ms out; one warning already fired, one due in ~50ms.
	now := time.Now()
	state := &models.SessionTimerState{
		RoomID:         "r1",
		StartedAt:      now.Add(-time.Minute),
		Deadline:       now.Add(150 * time.Millisecond),
		WarningOffsets: []int64{5000, 100},
		FiredWarnings:  []int64{5000},
		Status:         models.TimerStatusRunning,
	}
	seed, _ := json.Marshal(state)
	if _, err := shared.Put(ctx, store.TimerKeyPrefix+"r1", seed, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	recovered := NewTimer(shared, manager, notifier, "instance-2", testLogger())
	if err := recovered.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if notifier.warningCount() == 1 && notifier.endedCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Exactly the unfired warning plus expiry; the already-fired offset
	// must not be replayed.
	if notifier.warningCount() != 1 {
		t.Fatalf("expected 1 rescheduled warning, got %d", notifier.warningCount())
	}
	if notifier.endedCount() != 1 {
		t.Fatalf("expected expiry to fire, got %d", notifier.endedCount())
	}
}

func TestConfigFallsBackToDefaults(t *testing.T) {
	_, manager, _, timer := newFixture(t)
	defer timer.unschedule("r1")
	ctx := context.Background()
	joinBoth(t, manager, "r1")

	if err := timer.Start(ctx, "r1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	state, _ := timer.Status(ctx, "r1")
	wantDuration := time.Duration(DefaultConfig().DurationMs) * time.Millisecond
	if got := state.Deadline.Sub(state.StartedAt); got != wantDuration {
		t.Fatalf("expected default duration %v, got %v", wantDuration, got)
	}
	if len(state.WarningOffsets) != 2 {
		t.Fatalf("expected default warning offsets, got %v", state.WarningOffsets)
	}
}

func TestConfigReadFromStore(t *testing.T) {
	shared, manager, notifier, _ := newFixture(t)
	_ = notifier
	ctx := context.Background()
	joinBoth(t, manager, "r2")

	cfg, _ := json.Marshal(Config{DurationMs: 10 * 60 * 1000, WarningOffsetsMs: []int64{120000}})
	if _, err := shared.Put(ctx, configKey, cfg, 0); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	timer := NewTimer(shared, manager, &fakeNotifier{}, "instance-1", testLogger())
	defer timer.unschedule("r2")
	if err := timer.Start(ctx, "r2"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	state, _ := timer.Status(ctx, "r2")
	if got := state.Deadline.Sub(state.StartedAt); got != 10*time.Minute {
		t.Fatalf("expected configured duration, got %v", got)
	}
	if len(state.WarningOffsets) != 1 || state.WarningOffsets[0] != 120000 {
		t.Fatalf("expected configured offsets, got %v", state.WarningOffsets)
	}
}
