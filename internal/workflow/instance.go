package workflow

import (
	"fmt"
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/protocol"
)

const CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"

// ErrInvalidTransition 表示当前状态不允许该命令。
var ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid transition")

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:       "invalid transition",
		ClientMessage: "That action is not available right now.",
		Severity:      xerrors.SeverityInfo,
	})
}

func invalidTransition(action string, from State) error {
	return xerrors.New(CodeInvalidTransition, fmt.Sprintf("cannot %s in state %s", action, from),
		xerrors.WithMetadata("state", string(from)), xerrors.WithMetadata("action", action))
}

// Transition 记录一次状态变化。
type Transition struct {
	From State
	To   State
}

// Instance 是一个会话当前的工作流实例。
type Instance struct {
	SessionID         string             `json:"sessionId"`
	State             State              `json:"state"`
	Query             string             `json:"query,omitempty"`
	Proposal          *protocol.Proposal `json:"proposal,omitempty"`
	RawStrategy       string             `json:"-"`
	UnsignedTxPayload string             `json:"unsignedTxPayload,omitempty"`
	TransactionHash   string             `json:"transactionHash,omitempty"`
	LastError         string             `json:"lastError,omitempty"`
	ErrorCode         string             `json:"errorCode,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// NewInstance 创建处于 Idle 的实例。
func NewInstance(sessionID string) *Instance {
	now := time.Now().UTC()
	return &Instance{SessionID: sessionID, State: StateIdle, CreatedAt: now, UpdatedAt: now}
}

// Clone 返回深拷贝。
func (i *Instance) Clone() Instance {
	out := *i
	if i.Proposal != nil {
		p := *i.Proposal
		p.Steps = append([]string(nil), i.Proposal.Steps...)
		out.Proposal = &p
	}
	return out
}

func (i *Instance) moveTo(to State) Transition {
	tr := Transition{From: i.State, To: to}
	i.State = to
	i.UpdatedAt = time.Now().UTC()
	return tr
}

// BeginQuery 开始一次新的查询。任何稳定状态都允许，旧实例的内容会被清空。
func (i *Instance) BeginQuery(query string) (Transition, error) {
	if !i.State.Stable() {
		return Transition{}, invalidTransition("start a query", i.State)
	}
	if query == "" {
		return Transition{}, xerrors.New(xerrors.CodeInvalidArgument, "query is empty")
	}
	i.Query = query
	i.Proposal = nil
	i.RawStrategy = ""
	i.UnsignedTxPayload = ""
	i.TransactionHash = ""
	i.LastError = ""
	i.ErrorCode = ""
	i.CreatedAt = time.Now().UTC()
	return i.moveTo(StateAwaitingProposal), nil
}

// ProposalReady 记录生成的方案。
func (i *Instance) ProposalReady(p *protocol.Proposal, raw string) (Transition, error) {
	if i.State != StateAwaitingProposal {
		return Transition{}, invalidTransition("attach a proposal", i.State)
	}
	if p == nil {
		return Transition{}, xerrors.New(xerrors.CodeInvalidArgument, "proposal is nil")
	}
	i.Proposal = p
	i.RawStrategy = raw
	return i.moveTo(StateProposalReady), nil
}

// BeginExecution 只在方案已就绪且 ID 一致时允许。
func (i *Instance) BeginExecution(strategyID string) (Transition, error) {
	if i.State != StateProposalReady || i.Proposal == nil {
		return Transition{}, invalidTransition("execute", i.State)
	}
	if strategyID != i.Proposal.ID {
		return Transition{}, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("strategy id %q does not match proposal %q", strategyID, i.Proposal.ID),
			xerrors.WithMetadata("state", string(i.State)))
	}
	return i.moveTo(StateAwaitingExecution), nil
}

// AwaitSignature 保存待签名交易。
func (i *Instance) AwaitSignature(payload string) (Transition, error) {
	if i.State != StateAwaitingExecution {
		return Transition{}, invalidTransition("await a signature", i.State)
	}
	i.UnsignedTxPayload = payload
	return i.moveTo(StateAwaitingSignature), nil
}

// BeginSubmission 开始提交已签名交易。strategyID 为空时不校验。
func (i *Instance) BeginSubmission(strategyID string) (Transition, error) {
	if i.State != StateAwaitingSignature {
		return Transition{}, invalidTransition("submit a signed transaction", i.State)
	}
	if strategyID != "" && i.Proposal != nil && strategyID != i.Proposal.ID {
		return Transition{}, xerrors.New(CodeInvalidTransition,
			fmt.Sprintf("strategy id %q does not match proposal %q", strategyID, i.Proposal.ID),
			xerrors.WithMetadata("state", string(i.State)))
	}
	return i.moveTo(StateAwaitingSubmission), nil
}

// Complete 记录交易哈希并结束实例。
func (i *Instance) Complete(hash string) (Transition, error) {
	if i.State != StateAwaitingExecution && i.State != StateAwaitingSubmission {
		return Transition{}, invalidTransition("complete", i.State)
	}
	i.TransactionHash = hash
	return i.moveTo(StateCompleted), nil
}

// Fail 把实例置为 Errored。已结束的实例不能再失败。
// LastError 会随快照返回给客户端，只保存错误码对应的客户端文案，原始错误链只进日志。
func (i *Instance) Fail(cause error) (Transition, error) {
	if i.State.Terminal() {
		return Transition{}, invalidTransition("fail", i.State)
	}
	if cause != nil {
		i.LastError = xerrors.ClientMessage(cause)
		i.ErrorCode = string(xerrors.CodeOf(cause))
	}
	return i.moveTo(StateErrored), nil
}
