package rooms

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
	"github.com/nellylemmy/talktime-video-app-sub004/internal/store"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
)

const casAttempts = 5

// JoinResult tells the caller which side of the call it is and who was
// already there.
type JoinResult struct {
	Role     models.Role
	Existing []models.Participant
	Room     *models.Room
}

// Manager owns the canonical room records in the shared store. Every
// mutation is a read-modify-write guarded by the record version, retried a
// bounded number of times, so two instances racing on the same room never
// produce duplicate participants or exceed capacity.
type Manager struct {
	store    store.Store
	capacity int
	grace    time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer // empty rooms awaiting grace deletion
}

func NewManager(st store.Store, capacity int, grace time.Duration, logger *slog.Logger) *Manager {
	if capacity <= 0 {
		capacity = 2
	}
	return &Manager{
		store:    st,
		capacity: capacity,
		grace:    grace,
		logger:   logger,
		nowFn:    time.Now,
		pending:  make(map[string]*time.Timer),
	}
}

// Join adds a participant to the room, creating it on first join. The first
// joiner becomes the initiator. Re-join by the same connection id is
// idempotent and returns the previously assigned role.
func (m *Manager) Join(ctx context.Context, roomID string, connectionID, userID string) (*JoinResult, error) {
	m.cancelPendingDelete(roomID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		room, ver, err := m.load(ctx, roomID)
		if err != nil && !errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}

		now := m.nowFn()
		if room == nil {
			room = &models.Room{ID: roomID, CreatedAt: now}
		}

		if existing, ok := room.Participant(connectionID); ok {
			return &JoinResult{
				Role:     existing.Role,
				Existing: others(room, connectionID),
				Room:     room,
			}, nil
		}

		if len(room.Participants) >= m.capacity {
			return nil, ErrRoomFull
		}

		role := models.RoleJoiner
		if len(room.Participants) == 0 {
			role = models.RoleInitiator
		}
		before := others(room, connectionID)
		room.Participants = append(room.Participants, models.Participant{
			ConnectionID: connectionID,
			UserID:       userID,
			Role:         role,
			JoinedAt:     now,
		})

		if err := m.save(ctx, room, ver); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				continue
			}
			return nil, err
		}

		m.logger.Debug("room join", "room_id", roomID, "connection_id", connectionID, "role", role, "participants", len(room.Participants))
		return &JoinResult{Role: role, Existing: before, Room: room}, nil
	}
	return nil, fmt.Errorf("join %s: %w", roomID, store.ErrVersionMismatch)
}

// Leave removes a connection from the room and returns the remaining
// participants. When the room empties it is deleted, after the configured
// grace window if one is set.
func (m *Manager) Leave(ctx context.Context, roomID, connectionID string) ([]models.Participant, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		room, ver, err := m.load(ctx, roomID)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				return nil, nil
			}
			return nil, err
		}

		kept := room.Participants[:0:0]
		for _, p := range room.Participants {
			if p.ConnectionID != connectionID {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(room.Participants) {
			return others(room, connectionID), nil
		}
		room.Participants = kept

		if len(kept) == 0 {
			if m.grace <= 0 {
				err := store.Retry(ctx, func() error {
					return m.store.Delete(ctx, store.RoomKeyPrefix+roomID, ver)
				})
				if err != nil {
					if errors.Is(err, store.ErrVersionMismatch) {
						continue
					}
					if !errors.Is(err, store.ErrNotFound) {
						return nil, err
					}
				}
			} else {
				if err := m.save(ctx, room, ver); err != nil {
					if errors.Is(err, store.ErrVersionMismatch) {
						continue
					}
					return nil, err
				}
				m.scheduleDelete(roomID)
			}
			m.logger.Debug("room emptied", "room_id", roomID, "grace_ms", m.grace.Milliseconds())
			return nil, nil
		}

		if err := m.save(ctx, room, ver); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				continue
			}
			return nil, err
		}
		m.logger.Debug("room leave", "room_id", roomID, "connection_id", connectionID, "remaining", len(kept))
		return kept, nil
	}
	return nil, fmt.Errorf("leave %s: %w", roomID, store.ErrVersionMismatch)
}

func (m *Manager) Get(ctx context.Context, roomID string) (*models.Room, error) {
	room, _, err := m.load(ctx, roomID)
	return room, err
}

func (m *Manager) ListActive(ctx context.Context) ([]*models.Room, error) {
	keys, err := m.store.Keys(ctx, store.RoomKeyPrefix)
	if err != nil {
		return nil, err
	}
	rooms := make([]*models.Room, 0, len(keys))
	for _, key := range keys {
		room, _, err := m.load(ctx, strings.TrimPrefix(key, store.RoomKeyPrefix))
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				continue
			}
			return nil, err
		}
		if len(room.Participants) > 0 {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

func (m *Manager) load(ctx context.Context, roomID string) (*models.Room, int64, error) {
	value, ver, err := m.store.Get(ctx, store.RoomKeyPrefix+roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrRoomNotFound
		}
		return nil, 0, err
	}
	var room models.Room
	if err := json.Unmarshal(value, &room); err != nil {
		return nil, 0, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &room, ver, nil
}

func (m *Manager) save(ctx context.Context, room *models.Room, prev int64) error {
	value, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room.ID, err)
	}
	// Version-guarded, so retrying a transient store failure is safe.
	return store.Retry(ctx, func() error {
		_, err := m.store.Put(ctx, store.RoomKeyPrefix+room.ID, value, prev)
		return err
	})
}

// scheduleDelete arms the grace window for a just-emptied room. A rejoin
// within the window cancels it.
func (m *Manager) scheduleDelete(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.pending[roomID]; ok {
		t.Stop()
	}
	m.pending[roomID] = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		delete(m.pending, roomID)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		room, ver, err := m.load(ctx, roomID)
		if err != nil || len(room.Participants) > 0 {
			return
		}
		if err := m.store.Delete(ctx, store.RoomKeyPrefix+roomID, ver); err != nil {
			m.logger.Warn("grace delete failed", "room_id", roomID, "error", err)
		}
	})
}

func (m *Manager) cancelPendingDelete(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.pending[roomID]; ok {
		t.Stop()
		delete(m.pending, roomID)
	}
}

func others(room *models.Room, connectionID string) []models.Participant {
	var out []models.Participant
	for _, p := range room.Participants {
		if p.ConnectionID != connectionID {
			out = append(out, p)
		}
	}
	return out
}
