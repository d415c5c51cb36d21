package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("key not found")
	ErrVersionMismatch = errors.New("version mismatch")
)

// Key prefixes and pub/sub channels shared by every instance.
const (
	RoomKeyPrefix        = "room:"
	TimerKeyPrefix       = "timer:"
	InstantCallKeyPrefix = "instantcall:"

	ChannelMeetingCreated     = "meeting.created"
	ChannelMeetingRescheduled = "meeting.rescheduled"
	ChannelMeetingCanceled    = "meeting.canceled"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the shared state layer every instance mutates through.
// All writes are conditional on the version observed at read time, so two
// instances racing on the same key never interleave partial updates.
//
// Versions start at 1 on create. Passing prev == 0 to Put demands that the
// key does not exist yet; any other prev demands an exact match. A failed
// condition returns ErrVersionMismatch with no mutation.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	Put(ctx context.Context, key string, value []byte, prev int64) (version int64, err error)
	Delete(ctx context.Context, key string, prev int64) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error)
}

const (
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond
)

// Retry runs fn up to three times with doubling backoff. Use it only for
// idempotent writes; ErrVersionMismatch aborts immediately because the
// caller must re-read before trying again.
func Retry(ctx context.Context, fn func() error) error {
	wait := retryBaseWait
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
