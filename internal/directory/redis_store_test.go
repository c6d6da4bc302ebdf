package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, "test:addresses", opts...)
	require.NoError(t, err)
	return store, server
}

func TestRedisStoreRegisterLookup(t *testing.T) {
	ctx := context.Background()
	store, server := newRedisStore(t)

	require.NoError(t, store.Register(ctx, "strategy_agent", "agent://strategy"))
	addr, err := store.Lookup(ctx, "strategy_agent")
	require.NoError(t, err)
	assert.Equal(t, "agent://strategy", addr)

	_, err = store.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrAddressNotFound)
	assert.False(t, server.Exists("test:addresses:lock"))
}

func TestRedisStoreConcurrentRegister(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t, WithPollInterval(time.Millisecond), WithLockTimeout(10*time.Second))

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Register(ctx, fmt.Sprintf("svc-%d", i), fmt.Sprintf("addr-%d", i)))
		}(i)
	}
	wg.Wait()

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, writers)
}

func TestRedisStoreLockTimeout(t *testing.T) {
	store, server := newRedisStore(t, WithLockTimeout(100*time.Millisecond), WithPollInterval(10*time.Millisecond))
	require.NoError(t, server.Set("test:addresses:lock", "someone-else"))

	err := store.Register(context.Background(), "scout_agent", "agent://scout")
	require.ErrorIs(t, err, ErrLockTimeout)

	got, _ := server.Get("test:addresses:lock")
	assert.Equal(t, "someone-else", got, "foreign lock must not be released")
}

func TestRedisStoreMalformedDocument(t *testing.T) {
	ctx := context.Background()
	store, server := newRedisStore(t)
	require.NoError(t, server.Set("test:addresses", "garbage"))

	_, err := store.Lookup(ctx, "scout_agent")
	require.ErrorIs(t, err, ErrAddressNotFound)
	require.NoError(t, store.Register(ctx, "scout_agent", "agent://scout"))

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"scout_agent": "agent://scout"}, snapshot)
}
