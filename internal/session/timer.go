package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nellylemmy/talktime-video-app-sub004/internal/models"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/rooms"
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

var ErrTimerNotFound = errors.New("timer not found")

const (
	// EndReasonExpired is sent with session-ended when the clock runs out.
	EndReasonExpired = "time-expired"

	configKey      = "config:session"
	configCacheTTL = 30 * time.Second
	casAttempts    = 5
)

// Notifier delivers timer events to a room's participants. Implemented by
// the websocket layer; delivery is best effort.
type Notifier interface {
	SessionWarning(roomID string, remaining time.Duration, participants []models.Participant)
	SessionEnded(roomID, reason string, participants []models.Participant)
}

// Config is the externally adjustable session timing, read from the shared
// store and cached briefly. Defaults apply when the key is absent or the
// store is unreachable.
type Config struct {
	DurationMs       int64   `json:"duration_ms"`
	WarningOffsetsMs []int64 `json:"warning_offsets_ms"`
}

func DefaultConfig() Config {
	return Config{
		DurationMs:       40 * 60 * 1000,
		WarningOffsetsMs: []int64{5 * 60 * 1000, 60 * 1000},
	}
}

// Timer runs the per-room session countdown. All state that matters lives
// in the shared store under absolute wall-clock deadlines; the in-process
// time.Timer handles are only the scheduling mechanism, so any instance can
// resume a countdown after a restart and behave as if it never stopped.
// Each firing is guarded by a conditional write, which keeps notifications
// at-most-once even if two instances schedule the same room.
type Timer struct {
	store      store.Store
	rooms      *rooms.Manager
	notifier   Notifier
	instanceID string
	logger     *slog.Logger
	nowFn      func() time.Time

	mu        sync.Mutex
	scheduled map[string][]*time.Timer

	cfgMu        sync.Mutex
	cachedConfig Config
	cfgFetchedAt time.Time
}

func NewTimer(st store.Store, roomManager *rooms.Manager, notifier Notifier, instanceID string, logger *slog.Logger) *Timer {
	return &Timer{
		store:      st,
		rooms:      roomManager,
		notifier:   notifier,
		instanceID: instanceID,
		logger:     logger,
		nowFn:      time.Now,
		scheduled:  make(map[string][]*time.Timer),
	}
}

// Start begins the countdown for a room on two-party presence. Starting an
// already running timer is a no-op, so both join paths may call it.
func (t *Timer) Start(ctx context.Context, roomID string) error {
	cfg := t.config(ctx)
	now := t.nowFn()
	state := &models.SessionTimerState{
		RoomID:         roomID,
		StartedAt:      now,
		Deadline:       now.Add(time.Duration(cfg.DurationMs) * time.Millisecond),
		WarningOffsets: cfg.WarningOffsetsMs,
		Status:         models.TimerStatusRunning,
		Owner:          t.instanceID,
	}

	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode timer %s: %w", roomID, err)
	}
	if _, err := t.store.Put(ctx, store.TimerKeyPrefix+roomID, value, 0); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return nil // already running
		}
		return err
	}

	t.logger.Info("session timer started", "room_id", roomID, "deadline", state.Deadline, "duration_ms", cfg.DurationMs)
	t.schedule(state)
	return nil
}

// Cancel stops the countdown and removes its scheduled firings. Called when
// the room empties; terminal states are left untouched.
func (t *Timer) Cancel(ctx context.Context, roomID string) error {
	t.unschedule(roomID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		state, ver, err := t.load(ctx, roomID)
		if err != nil {
			if errors.Is(err, ErrTimerNotFound) {
				return nil
			}
			return err
		}
		if state.Status.Terminal() {
			return nil
		}
		if err := t.store.Delete(ctx, store.TimerKeyPrefix+roomID, ver); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				continue
			}
			return err
		}
		t.logger.Info("session timer cancelled", "room_id", roomID)
		return nil
	}
	return fmt.Errorf("cancel timer %s: %w", roomID, store.ErrVersionMismatch)
}

// Status returns the persisted timer state for introspection.
func (t *Timer) Status(ctx context.Context, roomID string) (*models.SessionTimerState, error) {
	state, _, err := t.load(ctx, roomID)
	return state, err
}

// Recover rescans persisted timers at startup. Running timers with a future
// deadline are re-claimed and rescheduled for exactly their remaining
// firings; timers already past their deadline are expired immediately.
func (t *Timer) Recover(ctx context.Context) error {
	keys, err := t.store.Keys(ctx, store.TimerKeyPrefix)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	for _, key := range keys {
		roomID := strings.TrimPrefix(key, store.TimerKeyPrefix)
		state, ver, err := t.load(ctx, roomID)
		if err != nil {
			continue
		}
		if state.Status.Terminal() {
			_ = t.store.Delete(ctx, key, ver)
			continue
		}

		if !t.nowFn().Before(state.Deadline) {
			t.logger.Info("recovered timer already past deadline", "room_id", roomID)
			t.expire(roomID)
			continue
		}

		// Claim ownership so orphaned rooms get exactly one firer. Losing
		// the claim race is fine: the winner schedules instead.
		state.Owner = t.instanceID
		if err := t.save(ctx, state, ver); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				continue
			}
			return err
		}
		t.logger.Info("recovered session timer", "room_id", roomID, "deadline", state.Deadline)
		t.schedule(state)
	}
	return nil
}

// schedule arms in-process timers for every unfired warning plus the
// deadline. Offsets whose absolute time already elapsed fire immediately.
func (t *Timer) schedule(state *models.SessionTimerState) {
	t.unschedule(state.RoomID)

	t.mu.Lock()
	defer t.mu.Unlock()

	var handles []*time.Timer
	now := t.nowFn()
	for _, offsetMs := range state.WarningOffsets {
		if state.WarningFired(offsetMs) {
			continue
		}
		offset := offsetMs
		fireAt := state.Deadline.Add(-time.Duration(offsetMs) * time.Millisecond)
		handles = append(handles, time.AfterFunc(fireAt.Sub(now), func() {
			t.fireWarning(state.RoomID, offset)
		}))
	}
	handles = append(handles, time.AfterFunc(state.Deadline.Sub(now), func() {
		t.expire(state.RoomID)
	}))
	t.scheduled[state.RoomID] = handles
}

func (t *Timer) unschedule(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, handle := range t.scheduled[roomID] {
		handle.Stop()
	}
	delete(t.scheduled, roomID)
}

// fireWarning records the offset and notifies participants. The record
// step is a conditional write: whichever firer lands first wins, and every
// other path observes the offset as fired and stays quiet.
func (t *Timer) fireWarning(roomID string, offsetMs int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for attempt := 0; attempt < casAttempts; attempt++ {
		state, ver, err := t.load(ctx, roomID)
		if err != nil {
			return
		}
		if state.Status.Terminal() || state.WarningFired(offsetMs) {
			return
		}
		state.FiredWarnings = append(state.FiredWarnings, offsetMs)
		if err := t.save(ctx, state, ver); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				continue
			}
			return
		}

		room, err := t.rooms.Get(ctx, roomID)
		if err != nil {
			return
		}
		remaining := time.Until(state.Deadline)
		t.logger.Info("session warning", "room_id", roomID, "offset_ms", offsetMs, "remaining_ms", remaining.Milliseconds())
		t.notifier.SessionWarning(roomID, remaining, room.Participants)
		return
	}
}

// expire transitions the timer to its terminal state, notifies both sides
// and force-leaves every participant. Exactly one firer wins the
// transition; everyone else backs off.
func (t *Timer) expire(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for attempt := 0; attempt < casAttempts; attempt++ {
		state, ver, err := t.load(ctx, roomID)
		if err != nil {
			return
		}
		if state.Status.Terminal() {
			return
		}
		state.Status = models.TimerStatusExpired
		if err := t.save(ctx, state, ver); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				continue
			}
			return
		}

		var participants []models.Participant
		if room, err := t.rooms.Get(ctx, roomID); err == nil {
			participants = room.Participants
		}
		t.logger.Info("session expired", "room_id", roomID, "participants", len(participants))
		t.notifier.SessionEnded(roomID, EndReasonExpired, participants)

		for _, p := range participants {
			if _, err := t.rooms.Leave(ctx, roomID, p.ConnectionID); err != nil {
				t.logger.Warn("force-leave failed", "room_id", roomID, "connection_id", p.ConnectionID, "error", err)
			}
		}

		// The timer record dies with the room.
		if _, ver, err := t.load(ctx, roomID); err == nil {
			_ = t.store.Delete(ctx, store.TimerKeyPrefix+roomID, ver)
		}
		t.unschedule(roomID)
		return
	}
}

func (t *Timer) load(ctx context.Context, roomID string) (*models.SessionTimerState, int64, error) {
	value, ver, err := t.store.Get(ctx, store.TimerKeyPrefix+roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrTimerNotFound
		}
		return nil, 0, err
	}
	var state models.SessionTimerState
	if err := json.Unmarshal(value, &state); err != nil {
		return nil, 0, fmt.Errorf("decode timer %s: %w", roomID, err)
	}
	return &state, ver, nil
}

func (t *Timer) save(ctx context.Context, state *models.SessionTimerState, prev int64) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode timer %s: %w", state.RoomID, err)
	}
	_, err = t.store.Put(ctx, store.TimerKeyPrefix+state.RoomID, value, prev)
	return err
}

// config returns the session timing, re-reading the store key at most once
// per cache interval and falling back to defaults when it is missing or
// unreadable.
func (t *Timer) config(ctx context.Context) Config {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()

	now := t.nowFn()
	if !t.cfgFetchedAt.IsZero() && now.Sub(t.cfgFetchedAt) < configCacheTTL {
		return t.cachedConfig
	}

	cfg := DefaultConfig()
	if value, _, err := t.store.Get(ctx, configKey); err == nil {
		var loaded Config
		if err := json.Unmarshal(value, &loaded); err == nil {
			if loaded.DurationMs > 0 {
				cfg.DurationMs = loaded.DurationMs
			}
			if len(loaded.WarningOffsetsMs) > 0 {
				cfg.WarningOffsetsMs = loaded.WarningOffsetsMs
			}
		}
	}
	t.cachedConfig = cfg
	t.cfgFetchedAt = now
	return cfg
}
