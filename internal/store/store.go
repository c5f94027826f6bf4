package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means the message is absent, evicted or expired.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable wraps every backend connectivity failure.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrInvalidMessage rejects an insert without a user or a message id.
	ErrInvalidMessage = errors.New("store: invalid message")
)

// Store is the mailbox contract shared by every backend.
//
// Insert enforces the capacity and retention bounds before it returns: the
// oldest records by insertion order are evicted, never the new one.
type Store interface {
	Insert(ctx context.Context, msg Message) error
	ListForUser(ctx context.Context, user string) ([]Summary, error)
	Get(ctx context.Context, user, messageID string) ([]byte, error)
	ListUsers(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options are the bounds shared by all backends. Zero disables a bound.
type Options struct {
	MaxItems int
	TTL      time.Duration
	Clock    func() time.Time
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

// expired reports whether a record dated date is past the retention bound.
func (o Options) expired(date time.Time, now time.Time) bool {
	return o.TTL > 0 && date.Before(now.Add(-o.TTL))
}

func validate(msg Message) error {
	if msg.User == "" || msg.MessageID == "" {
		return ErrInvalidMessage
	}
	return nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
