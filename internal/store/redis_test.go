package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts Options) (*Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, opts, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr, client
}

func TestRedisLayout(t *testing.T) {
	ctx := context.Background()
	s, mr, client := newTestRedis(t, Options{TTL: 30 * time.Minute})

	msg := randomMessage("user01", time.Now())
	require.NoError(t, s.Insert(ctx, msg))

	key := "box:user01:" + msg.MessageID
	assert.Equal(t, msg.Subject, mr.HGet(key, "subject"))
	assert.Equal(t, "user01", mr.HGet(key, "user"))
	assert.Equal(t, string(msg.Raw), mr.HGet(key, "raw"))

	ttl := mr.TTL(key)
	assert.Greater(t, ttl, 29*time.Minute)
	assert.LessOrEqual(t, ttl, 30*time.Minute)

	keys, err := client.LRange(ctx, "emailKeys", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestRedisReinsertKeepsIndexUnique(t *testing.T) {
	ctx := context.Background()
	s, _, client := newTestRedis(t, Options{})

	msg := randomMessage("user01", time.Now())
	other := randomMessage("user01", time.Now())
	require.NoError(t, s.Insert(ctx, msg))
	require.NoError(t, s.Insert(ctx, other))
	require.NoError(t, s.Insert(ctx, msg))

	keys, err := client.LRange(ctx, "emailKeys", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"box:user01:" + msg.MessageID,
		"box:user01:" + other.MessageID,
	}, keys)
}

func TestRedisEvictionSkipsExpiredKeys(t *testing.T) {
	ctx := context.Background()
	s, mr, client := newTestRedis(t, Options{MaxItems: 2, TTL: 10 * time.Minute})

	stale := randomMessage("a", time.Now())
	require.NoError(t, s.Insert(ctx, stale))
	mr.FastForward(11 * time.Minute)

	var fresh []Message
	for range 3 {
		msg := randomMessage("a", time.Now())
		require.NoError(t, s.Insert(ctx, msg))
		fresh = append(fresh, msg)
	}

	list, err := s.ListForUser(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fresh[1].MessageID, fresh[2].MessageID}, messageIDs(list))

	length, err := client.LLen(ctx, "emailKeys").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)
}

func TestRedisConcurrentInsertsKeepExactlyMaxItems(t *testing.T) {
	ctx := context.Background()
	s, _, client := newTestRedis(t, Options{MaxItems: 3})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				assert.NoError(t, s.Insert(ctx, randomMessage("a", time.Now())))
			}
		}()
	}
	wg.Wait()

	list, err := s.ListForUser(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	length, err := client.LLen(ctx, "emailKeys").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)
}

func TestRedisIgnoresForeignKeysWhenCounting(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestRedis(t, Options{MaxItems: 2})
	require.NoError(t, mr.Set("unrelated", "value"))
	require.NoError(t, mr.Set("another", "value"))

	require.NoError(t, s.Insert(ctx, randomMessage("a", time.Now())))
	require.NoError(t, s.Insert(ctx, randomMessage("a", time.Now())))

	list, err := s.ListForUser(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRedisGlobCharactersInUser(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestRedis(t, Options{})
	require.NoError(t, s.Insert(ctx, randomMessage("a*", time.Now())))
	require.NoError(t, s.Insert(ctx, randomMessage("ab", time.Now())))

	list, err := s.ListForUser(ctx, "a*")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a*", list[0].User)
}

func TestRedisUnavailableIsNotNotFound(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestRedis(t, Options{})
	mr.Close()

	_, err := s.Get(ctx, "a", "missing")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsNotFound(err))

	_, err = s.ListUsers(ctx)
	assert.True(t, IsUnavailable(err))

	assert.True(t, IsUnavailable(s.Ping(ctx)))
}

func TestOpenRedisFailsFast(t *testing.T) {
	_, err := OpenRedis(context.Background(), "redis://127.0.0.1:1/0", Options{}, nil)
	assert.True(t, IsUnavailable(err))

	_, err = OpenRedis(context.Background(), "not a url", Options{}, nil)
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
}
