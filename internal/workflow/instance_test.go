package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/protocol"
)

func TestInstanceHappyPath(t *testing.T) {
	inst := NewInstance("S1")
	assert.Equal(t, StateIdle, inst.State)

	tr, err := inst.BeginQuery("stake my SOL")
	require.NoError(t, err)
	assert.Equal(t, Transition{From: StateIdle, To: StateAwaitingProposal}, tr)

	_, err = inst.ProposalReady(&protocol.Proposal{ID: "p-1", Description: "stake"}, "{}")
	require.NoError(t, err)
	_, err = inst.BeginExecution("p-1")
	require.NoError(t, err)
	_, err = inst.AwaitSignature("unsigned")
	require.NoError(t, err)
	_, err = inst.BeginSubmission("p-1")
	require.NoError(t, err)
	tr, err = inst.Complete("0xabc")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tr.To)
	assert.Equal(t, "0xabc", inst.TransactionHash)
	assert.True(t, inst.State.Terminal())
}

func TestInstanceRejectsOutOfOrderCommands(t *testing.T) {
	inst := NewInstance("S1")

	_, err := inst.BeginExecution("p-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = inst.BeginSubmission("")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, inst.State)
}

func TestInstanceStrategyIDMismatch(t *testing.T) {
	inst := NewInstance("S1")
	_, _ = inst.BeginQuery("q")
	_, _ = inst.ProposalReady(&protocol.Proposal{ID: "p-1", Description: "d"}, "")

	_, err := inst.BeginExecution("p-2")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateProposalReady, inst.State)
}

func TestInstanceNewQueryOverwritesTerminalInstance(t *testing.T) {
	inst := NewInstance("S1")
	_, _ = inst.BeginQuery("first")
	_, err := inst.Fail(errors.New("scout down"))
	require.NoError(t, err)
	assert.Equal(t, StateErrored, inst.State)
	assert.Equal(t, xerrors.ClientMessage(errors.New("x")), inst.LastError)
	assert.NotContains(t, inst.LastError, "scout down")

	_, err = inst.Fail(errors.New("again"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = inst.BeginQuery("second")
	require.NoError(t, err)
	assert.Equal(t, "second", inst.Query)
	assert.Empty(t, inst.LastError)
	assert.Equal(t, StateAwaitingProposal, inst.State)

	_, err = inst.BeginQuery("third")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInstanceFailRecordsCode(t *testing.T) {
	inst := NewInstance("S1")
	_, _ = inst.BeginQuery("q")
	_, _ = inst.Fail(xerrors.New(CodeExecutionFailed, "boom"))
	assert.Equal(t, string(CodeExecutionFailed), inst.ErrorCode)
	assert.Equal(t, "The transaction could not be completed.", inst.LastError)
}

func TestCloneIsDeep(t *testing.T) {
	inst := NewInstance("S1")
	_, _ = inst.BeginQuery("q")
	_, _ = inst.ProposalReady(&protocol.Proposal{ID: "p-1", Description: "d", Steps: []string{"a"}}, "")
	clone := inst.Clone()
	clone.Proposal.Steps[0] = "changed"
	clone.Proposal.ID = "other"
	assert.Equal(t, "a", inst.Proposal.Steps[0])
	assert.Equal(t, "p-1", inst.Proposal.ID)
}

func TestDetectProtocol(t *testing.T) {
	assert.Equal(t, "Kamino", DetectProtocol("lend USDC on kamino"))
	assert.Equal(t, "Drift", DetectProtocol("drift perps or marinade?"))
	assert.Equal(t, DefaultProtocol, DetectProtocol("stake my SOL"))
}
