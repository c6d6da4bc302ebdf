package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandPlainTextIsQuery(t *testing.T) {
	cmd, err := ParseCommand([]byte("  stake my SOL \n"))
	require.NoError(t, err)
	assert.Equal(t, QueryCommand{Query: "stake my SOL"}, cmd)
}

func TestParseCommandVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Command
	}{
		{"query", `{"command":"query","payload":{"query":"yield"}}`, QueryCommand{Query: "yield"}},
		{"execute camel", `{"command":"execute","payload":{"strategyId":"p-1","feePayer":"F1"}}`, ExecuteCommand{StrategyID: "p-1", FeePayer: "F1"}},
		{"execute snake", `{"command":"EXECUTE","payload":{"strategy_id":"p-2"}}`, ExecuteCommand{StrategyID: "p-2"}},
		{"submit", `{"command":"submit_signed_tx","payload":{"signed_tx_b64":"AAA","strategy_id":"p-1"}}`, SubmitSignedTxCommand{SignedTxPayload: "AAA", StrategyID: "p-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, cmd)
		})
	}
}

func TestParseCommandRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		``,
		`{"payload":{}}`,
		`{"command":"launch_rocket"}`,
		`{"command":"execute","payload":{}}`,
		`{"command":"submit_signed_tx","payload":{"strategyId":"p-1"}}`,
		`{"command":"execute","payload":"nope"}`,
	} {
		_, err := ParseCommand([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidCommand, raw)
	}
}

func TestParseProposal(t *testing.T) {
	p, err := ParseProposal("```json\n{\"type\":\"strategy_proposal\",\"id\":\"p-1\",\"title\":\"Stake\",\"description\":\"Stake SOL on Marinade\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, "Stake SOL on Marinade", p.Description)

	_, err = ParseProposal("I recommend staking SOL")
	require.ErrorIs(t, err, ErrGenerationParse)

	_, err = ParseProposal(`{"type":"other","id":"x","description":"y"}`)
	require.ErrorIs(t, err, ErrGenerationParse)

	_, err = ParseProposal(`{"id":"","description":"y"}`)
	require.ErrorIs(t, err, ErrGenerationParse)
}

func TestErrorEventUsesClientMessage(t *testing.T) {
	ev := ErrorEvent("S1", ErrGenerationParse)
	resp, ok := ev.Data.(AgentResponse)
	require.True(t, ok)
	assert.Equal(t, EventAgentResponse, ev.Type)
	assert.Equal(t, ResponseError, resp.Type)
	assert.Equal(t, "Could not produce a strategy at this time.", resp.Message)
	assert.Equal(t, string(CodeGenerationParse), resp.Code)
}
