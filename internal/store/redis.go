package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "box:"
	redisIndexKey  = "emailKeys"
	redisScanCount = 256
)

var redisFields = []string{"messageId", "subject", "date", "recipient", "user"}

// Redis stores each message as a hash under box:{user}:{messageId} and keeps
// insertion order in the emailKeys list, newest at the head. The list is only
// the eviction FIFO; lookups scan the hash keys.
type Redis struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger
}

var _ Store = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, opts Options, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, opts: opts, logger: logger}
}

// OpenRedis connects to url (redis://host:port/db) and verifies the connection.
func OpenRedis(ctx context.Context, url string, opts Options, logger *slog.Logger) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	return NewRedis(client, opts, logger), nil
}

func redisKey(user, messageID string) string {
	return redisKeyPrefix + CompositeKey(user, messageID)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (s *Redis) Insert(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	key := redisKey(msg.User, msg.MessageID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"messageId": msg.MessageID,
			"subject":   msg.Subject,
			"date":      msg.Date.UTC().Format(time.RFC3339Nano),
			"recipient": msg.Recipient,
			"user":      msg.User,
			"raw":       msg.Raw,
		})
		pipe.LRem(ctx, redisIndexKey, 0, key)
		pipe.LPush(ctx, redisIndexKey, key)
		if s.opts.TTL > 0 {
			pipe.PExpireAt(ctx, key, msg.Date.Add(s.opts.TTL))
		}
		return nil
	})
	if err != nil {
		return unavailable("insert", err)
	}

	if s.opts.MaxItems > 0 {
		if err := s.evict(ctx); err != nil {
			return err
		}
	}
	return nil
}

// evictScript trims the index to the newest ARGV[1] live keys and deletes
// the rest. Index entries whose hash already expired are dropped first and do
// not count. Running it as one script keeps concurrent inserters from
// evicting the same excess twice.
var evictScript = redis.NewScript(`
local index = KEYS[1]
local max = tonumber(ARGV[1])
local keys = redis.call('LRANGE', index, 0, -1)
local live = {}
for _, key in ipairs(keys) do
  if redis.call('EXISTS', key) == 1 then
    live[#live + 1] = key
  else
    redis.call('LREM', index, 0, key)
  end
end
if #live <= max then
  return 0
end
for i = max + 1, #live do
  redis.call('DEL', live[i])
end
redis.call('LTRIM', index, 0, max - 1)
return #live - max
`)

func (s *Redis) evict(ctx context.Context) error {
	evicted, err := evictScript.Run(ctx, s.client, []string{redisIndexKey}, s.opts.MaxItems).Int64()
	if err != nil {
		return unavailable("evict", err)
	}
	if evicted > 0 {
		s.logger.Debug("evicted messages", "count", evicted, "maxItems", s.opts.MaxItems)
	}
	return nil
}

func (s *Redis) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, match, redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

func (s *Redis) ListForUser(ctx context.Context, user string) ([]Summary, error) {
	keys, err := s.scan(ctx, redisKeyPrefix+escapeGlob(user)+":*")
	if err != nil {
		return nil, err
	}
	summaries := []Summary{}
	if len(keys) == 0 {
		return summaries, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, pipe.HMGet(ctx, k, redisFields...))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list", err)
	}

	for _, cmd := range cmds {
		summary, ok := summaryFromFields(cmd.Val())
		// Hashes that expired between SCAN and HMGET come back empty.
		if !ok || summary.User != user {
			continue
		}
		summaries = append(summaries, summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Date.Equal(summaries[j].Date) {
			return summaries[i].MessageID < summaries[j].MessageID
		}
		return summaries[i].Date.Before(summaries[j].Date)
	})
	return summaries, nil
}

func summaryFromFields(vals []any) (Summary, bool) {
	if len(vals) != len(redisFields) {
		return Summary{}, false
	}
	fields := make([]string, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return Summary{}, false
		}
		fields[i] = str
	}
	date, err := time.Parse(time.RFC3339Nano, fields[2])
	if err != nil {
		return Summary{}, false
	}
	return Summary{
		MessageID: fields[0],
		Subject:   fields[1],
		Date:      date,
		Recipient: fields[3],
		User:      fields[4],
	}, true
}

func (s *Redis) Get(ctx context.Context, user, messageID string) ([]byte, error) {
	raw, err := s.client.HGet(ctx, redisKey(user, messageID), "raw").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return raw, nil
}

// ListUsers reads the user field of every live hash instead of splitting the
// key, since message ids may contain the separator.
func (s *Redis) ListUsers(ctx context.Context) ([]string, error) {
	keys, err := s.scan(ctx, redisKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	users := []string{}
	if len(keys) == 0 {
		return users, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, pipe.HGet(ctx, k, "user"))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list users", err)
	}

	seen := map[string]struct{}{}
	for _, cmd := range cmds {
		user, err := cmd.Result()
		if err != nil {
			continue
		}
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
