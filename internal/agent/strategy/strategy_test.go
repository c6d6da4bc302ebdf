package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianFinance/core/internal/knowledge"
	"github.com/MartianFinance/core/internal/llm"
	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/protocol"
)

type recordingLLM struct {
	got  llm.Request
	text string
	err  error
}

func (r *recordingLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	r.got = req
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Text: r.text}, nil
}

func start(t *testing.T, svc *Service) (context.Context, *messaging.Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	transport := messaging.NewMemoryTransport(4)
	t.Cleanup(func() { transport.Close() })
	node := messaging.NewNode("strategy", transport)
	svc.Install(node)
	require.NoError(t, node.Start(ctx))
	caller := messaging.NewNode("caller", transport)
	require.NoError(t, caller.Start(ctx))
	return ctx, caller
}

func TestStrategyPassesContextToGenerator(t *testing.T) {
	gen := &recordingLLM{text: `{"id":"p-1","description":"stake"}`}
	svc := New("strategy_agent", gen, WithKnowledge(knowledge.NewStaticProvider(knowledge.Builtin(), 3)), WithTimeout(time.Second))
	ctx, caller := start(t, svc)

	resp, status := messaging.Call[protocol.StrategyResponse](ctx, caller, "strategy", protocol.StrategyRequest{
		UserQuery:  "stake my SOL on marinade",
		SessionID:  "S1",
		MarketData: map[string]any{"prices": map[string]any{"SOL": 150.0}},
		Risk:       &protocol.RiskResponse{RiskScore: 0.2, Assessment: "Low risk"},
	}, time.Second)
	require.True(t, status.OK(), status.String())
	assert.Equal(t, "S1", resp.SessionID)
	assert.Equal(t, gen.text, resp.StrategyDescription)

	assert.Equal(t, "stake my SOL on marinade", gen.got.Query)
	require.NotNil(t, gen.got.Risk)
	assert.InDelta(t, 0.2, gen.got.Risk.Score, 1e-9)
	require.NotEmpty(t, gen.got.Knowledge)
	assert.Equal(t, "Marinade Finance", gen.got.Knowledge[0].Title)
}

func TestStrategyGeneratorFailureIsDeliveryFailure(t *testing.T) {
	svc := New("strategy_agent", &recordingLLM{err: errors.New("quota exceeded")})
	ctx, caller := start(t, svc)

	_, status := messaging.Call[protocol.StrategyResponse](ctx, caller, "strategy", protocol.StrategyRequest{UserQuery: "q"}, time.Second)
	assert.Equal(t, messaging.StatusFailed, status.Kind)
	assert.Contains(t, status.Reason, "quota exceeded")
}
