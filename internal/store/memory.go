package store

import (
	"context"
	"strings"
	"sync"
)

// Memory mirrors the Redis semantics for tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	subs    map[*memorySub]struct{}
}

type memoryEntry struct {
	value   []byte
	version int64
}

type memorySub struct {
	channels map[string]struct{}
	out      chan Message
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		subs:    make(map[*memorySub]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, entry.version, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, prev int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := int64(0)
	if entry, ok := m.entries[key]; ok {
		current = entry.version
	}
	if current != prev {
		return 0, ErrVersionMismatch
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = &memoryEntry{value: stored, version: current + 1}
	return current + 1, nil
}

func (m *Memory) Delete(_ context.Context, key string, prev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if prev != 0 && entry.version != prev {
		return ErrVersionMismatch
	}
	delete(m.entries, key)
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (<-chan Message, func(), error) {
	sub := &memorySub{
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Message, 32),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			close(sub.out)
		})
	}
	return sub.out, stop, nil
}
