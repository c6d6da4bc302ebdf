package scout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/protocol"
)

type fakeSource struct {
	data map[string]any
	err  error
}

func (f fakeSource) MarketData(context.Context) (map[string]any, error) { return f.data, f.err }

func TestSnapshotMergesLiveData(t *testing.T) {
	s := New("scout_agent", fakeSource{data: map[string]any{"kamino_usdc_apy": "13.1%", "jito_apy": "8.0%"}})
	snap := s.Snapshot(context.Background())
	opps := snap["opportunities"].(map[string]any)
	assert.Equal(t, "13.1%", opps["kamino_usdc_apy"])
	assert.Equal(t, "8.0%", opps["jito_apy"])
	assert.Equal(t, "11.2%", opps["drift_stablecoin_apy"])
}

func TestSnapshotSurvivesSourceFailure(t *testing.T) {
	s := New("scout_agent", fakeSource{err: errors.New("connection refused")})
	snap := s.Snapshot(context.Background())
	assert.Contains(t, snap, "prices")
	assert.Len(t, snap["opportunities"], 3)
}

func TestScoutAnswersOverMessaging(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := messaging.NewMemoryTransport(4)
	defer transport.Close()

	node := messaging.NewNode("scout", transport)
	New("scout_agent", nil).Install(node)
	require.NoError(t, node.Start(ctx))
	caller := messaging.NewNode("caller", transport)
	require.NoError(t, caller.Start(ctx))

	resp, status := messaging.Call[protocol.ScoutResponse](ctx, caller, "scout", protocol.ScoutRequest{Query: "sol"}, time.Second)
	require.True(t, status.OK())
	assert.Empty(t, resp.Error)
	assert.Contains(t, resp.Data, "network_health")
}
