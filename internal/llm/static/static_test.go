package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianFinance/core/internal/llm"
	"github.com/MartianFinance/core/internal/protocol"
)

func TestGeneratorProducesParseableProposal(t *testing.T) {
	g := New(WithIDFunc(func() string { return "p-1" }))
	resp, err := g.Generate(context.Background(), llm.Request{Query: "stake my SOL", Risk: &llm.RiskSummary{Score: 0.3}})
	require.NoError(t, err)

	p, err := protocol.ParseProposal(resp.Text)
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, "Marinade", p.Protocol)
	assert.InDelta(t, 0.3, p.RiskScore, 1e-9)
	assert.Contains(t, p.Description, "stake my SOL")
}

func TestGeneratorHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Generate(ctx, llm.Request{Query: "q"})
	assert.ErrorIs(t, err, context.Canceled)
}
