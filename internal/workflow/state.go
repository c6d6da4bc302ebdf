package workflow

// State 是工作流实例所处的阶段。
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingProposal   State = "awaiting_proposal"
	StateProposalReady      State = "proposal_ready"
	StateAwaitingExecution  State = "awaiting_execution"
	StateAwaitingSignature  State = "awaiting_signature"
	StateAwaitingSubmission State = "awaiting_submission"
	StateCompleted          State = "completed"
	StateErrored            State = "errored"
)

// Terminal 判断实例是否已经结束。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// Stable 判断实例是否处于可以接受下一条命令的状态。
func (s State) Stable() bool {
	switch s {
	case StateIdle, StateProposalReady, StateAwaitingSignature, StateCompleted, StateErrored:
		return true
	default:
		return false
	}
}

func (s State) String() string { return string(s) }
