package store

import (
	"context"
	"errors"
	"testing"
)

func TestPutCreateOnly(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ver, err := s.Put(ctx, "room:r1", []byte(`{"a":1}`), 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ver != 1 {
		t.Fatalf("expected version 1, got %d", ver)
	}

	if _, err := s.Put(ctx, "room:r1", []byte(`{"a":2}`), 0); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for create on existing key, got %v", err)
	}
}

func TestPutConditionalUpdate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ver, _ := s.Put(ctx, "timer:r1", []byte("one"), 0)

	ver2, err := s.Put(ctx, "timer:r1", []byte("two"), ver)
	if err != nil {
		t.Fatalf("conditional update failed: %v", err)
	}
	if ver2 != ver+1 {
		t.Fatalf("expected version %d, got %d", ver+1, ver2)
	}

	// Stale writer loses.
	if _, err := s.Put(ctx, "timer:r1", []byte("three"), ver); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for stale version, got %v", err)
	}

	value, got, err := s.Get(ctx, "timer:r1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != "two" || got != ver2 {
		t.Fatalf("expected winner value retained, got %q ver=%d", value, got)
	}
}

func TestDeleteConditional(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ver, _ := s.Put(ctx, "instantcall:c1", []byte("x"), 0)

	if err := s.Delete(ctx, "instantcall:c1", ver+5); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if err := s.Delete(ctx, "instantcall:c1", ver); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, _, err := s.Get(ctx, "instantcall:c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, "instantcall:c1", 0); err != nil {
		t.Fatalf("delete of missing key failed: %v", err)
	}
}

func TestKeysPrefix(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, _ = s.Put(ctx, "room:a", []byte("1"), 0)
	_, _ = s.Put(ctx, "room:b", []byte("2"), 0)
	_, _ = s.Put(ctx, "timer:a", []byte("3"), 0)

	keys, err := s.Keys(ctx, "room:")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 room keys, got %v", keys)
	}
}

func TestPubSubDelivery(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ch, stop, err := s.Subscribe(ctx, "meeting.created")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer stop()

	if err := s.Publish(ctx, "meeting.created", []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := s.Publish(ctx, "meeting.canceled", []byte("other")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := <-ch
	if msg.Channel != "meeting.created" || string(msg.Payload) != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra message: %+v", extra)
	default:
	}
}
