package store

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"
)

// Memory keeps the key index and the records in process memory. A single
// lock covers append, eviction and the retention sweep.
type Memory struct {
	opts Options

	mu       sync.RWMutex
	keys     []string
	messages map[string]Message
}

var _ Store = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:     opts,
		messages: make(map[string]Message),
	}
}

func (s *Memory) Insert(_ context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	key := CompositeKey(msg.User, msg.MessageID)
	msg.Raw = bytes.Clone(msg.Raw)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[key]; ok {
		s.keys = slices.DeleteFunc(s.keys, func(k string) bool { return k == key })
	}
	s.messages[key] = msg
	s.keys = append(s.keys, key)

	if s.opts.MaxItems > 0 && len(s.keys) > s.opts.MaxItems {
		excess := len(s.keys) - s.opts.MaxItems
		for _, k := range s.keys[:excess] {
			delete(s.messages, k)
		}
		s.keys = slices.Clone(s.keys[excess:])
	}

	s.sweep(s.opts.now())
	return nil
}

// sweep drops every record past the retention bound. Callers hold mu.
func (s *Memory) sweep(now time.Time) {
	if s.opts.TTL <= 0 {
		return
	}
	kept := s.keys[:0]
	for _, k := range s.keys {
		if s.opts.expired(s.messages[k].Date, now) {
			delete(s.messages, k)
			continue
		}
		kept = append(kept, k)
	}
	clear(s.keys[len(kept):])
	s.keys = kept
}

func (s *Memory) ListForUser(_ context.Context, user string) ([]Summary, error) {
	now := s.opts.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := []Summary{}
	for _, k := range s.keys {
		msg := s.messages[k]
		if msg.User != user || s.opts.expired(msg.Date, now) {
			continue
		}
		summaries = append(summaries, msg.Summary())
	}
	return summaries, nil
}

func (s *Memory) Get(_ context.Context, user, messageID string) ([]byte, error) {
	now := s.opts.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[CompositeKey(user, messageID)]
	if !ok || msg.User != user || s.opts.expired(msg.Date, now) {
		return nil, ErrNotFound
	}
	return bytes.Clone(msg.Raw), nil
}

func (s *Memory) ListUsers(_ context.Context) ([]string, error) {
	now := s.opts.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	users := []string{}
	for _, k := range s.keys {
		msg := s.messages[k]
		if s.opts.expired(msg.Date, now) {
			continue
		}
		if _, ok := seen[msg.User]; ok {
			continue
		}
		seen[msg.User] = struct{}{}
		users = append(users, msg.User)
	}
	return users, nil
}

func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func (s *Memory) Ping(context.Context) error {
	return nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
	clear(s.messages)
	return nil
}
