package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianFinance/core/internal/agent/risk"
	"github.com/MartianFinance/core/internal/directory"
	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/protocol"
)

func TestRuntimeRegistersDiscoverableService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := directory.NewFileStore(filepath.Join(t.TempDir(), "addresses.json"))
	require.NoError(t, err)
	resolver := directory.NewResolver(store, directory.WithRetries(1), directory.WithRetryDelay(10*time.Millisecond))
	transport := messaging.NewMemoryTransport(8)
	defer transport.Close()

	rt := NewRuntime(transport, resolver, WithSeed("test"))
	node, err := rt.Start(ctx, risk.New("risk_agent"))
	require.NoError(t, err)
	assert.Equal(t, rt.AddressOf("risk_agent"), node.Address())

	addr, err := resolver.Resolve(ctx, "risk_agent")
	require.NoError(t, err)
	assert.Equal(t, node.Address(), addr)

	caller := messaging.NewNode("caller", transport)
	require.NoError(t, caller.Start(ctx))
	resp, status := messaging.Call[protocol.RiskResponse](ctx, caller, addr, protocol.RiskRequest{ProtocolName: "Drift"}, time.Second)
	require.True(t, status.OK(), status.String())
	assert.InDelta(t, 0.4, resp.RiskScore, 1e-9)

	_, err = rt.Start(ctx, risk.New("risk_agent"))
	assert.Error(t, err)
	_, ok := rt.Node("risk_agent")
	assert.True(t, ok)
}

func TestRuntimeRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store, err := directory.NewFileStore(filepath.Join(t.TempDir(), "addresses.json"))
	require.NoError(t, err)
	transport := messaging.NewMemoryTransport(8)
	defer transport.Close()

	rt := NewRuntime(transport, store)
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx, risk.New("risk_agent")) }()

	require.Eventually(t, func() bool {
		_, ok := rt.Node("risk_agent")
		return ok
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestAddressesDependOnSeed(t *testing.T) {
	a := NewRuntime(nil, nil, WithSeed("one")).AddressOf("scout_agent")
	b := NewRuntime(nil, nil, WithSeed("two")).AddressOf("scout_agent")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, NewRuntime(nil, nil, WithSeed("one")).AddressOf("scout_agent"))
}
