package directory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	lookups atomic.Int32
}

func (c *countingStore) Lookup(ctx context.Context, name string) (string, error) {
	c.lookups.Add(1)
	return c.Store.Lookup(ctx, name)
}

func TestResolverFailsAfterRetryBudget(t *testing.T) {
	store := &countingStore{Store: newFileStore(t)}
	resolver := NewResolver(store, WithRetries(3), WithRetryDelay(20*time.Millisecond))

	start := time.Now()
	_, err := resolver.Resolve(context.Background(), "ghost")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAddressNotFound)
	assert.EqualValues(t, 3, store.lookups.Load())
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestResolverSucceedsImmediatelyWhenRegistered(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: newFileStore(t)}
	resolver := NewResolver(store, WithRetries(5), WithRetryDelay(time.Second))
	require.NoError(t, resolver.Register(ctx, "risk_agent", "agent://risk"))

	start := time.Now()
	addr, err := resolver.Resolve(ctx, "risk_agent")
	require.NoError(t, err)
	assert.Equal(t, "agent://risk", addr)
	assert.EqualValues(t, 1, store.lookups.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestResolverSeesLateRegistration(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	resolver := NewResolver(store, WithRetries(10), WithRetryDelay(20*time.Millisecond))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.Register(ctx, "execution_agent", "agent://exec")
	}()

	addr, err := resolver.Resolve(ctx, "execution_agent")
	require.NoError(t, err)
	assert.Equal(t, "agent://exec", addr)
}

func TestResolverHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	resolver := NewResolver(newFileStore(t), WithRetries(100), WithRetryDelay(time.Second))

	_, err := resolver.Resolve(ctx, "ghost")
	require.ErrorIs(t, err, ErrAddressNotFound)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
