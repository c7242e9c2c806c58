package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisWithClient(client), mr
}

func TestRedis_PutGet(t *testing.T) {
	store, _ := newTestRedis(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "123")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "123", testRecord("123"), time.Minute))

	rec, ok, err := store.Get(ctx, "123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123", rec.ID)
	assert.Equal(t, "edgeuser", rec.Author.Handle)
	assert.True(t, rec.CommunityMatch)
}

func TestRedis_TTLExpiry(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "123", testRecord("123"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, "123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_CorruptEntryIsMiss(t *testing.T) {
	store, mr := newTestRedis(t)
	require.NoError(t, mr.Set(keyPrefix+"123", "{not json"))

	_, ok, err := store.Get(context.Background(), "123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_KeysAreNamespaced(t *testing.T) {
	store, mr := newTestRedis(t)
	require.NoError(t, store.Put(context.Background(), "123", testRecord("123"), time.Minute))

	assert.True(t, mr.Exists(keyPrefix+"123"))
}

func TestNewRedis_InvalidURL(t *testing.T) {
	_, err := NewRedis("not-a-url")
	assert.Error(t, err)
}
