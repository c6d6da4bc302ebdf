package protocol

import (
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

// EventType 是推送给客户端的事件名。
type EventType string

const (
	EventSession       EventType = "session"
	EventAck           EventType = "ack"
	EventStatusUpdate  EventType = "status_update"
	EventAgentResponse EventType = "agent_response"
)

// Event 是经由会话中继推送给客户端的一条消息。
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Data      any       `json:"data,omitempty"`
}

// agent_response 的负载类型。
const (
	ResponseText              = "text"
	ResponseStrategyProposal  = "strategy_proposal"
	ResponseUnsignedTx        = "unsigned_transaction_proposal"
	ResponseTransactionResult = "transaction_result"
	ResponseError             = "error"
)

// AgentResponse 是 agent_response 事件的负载。
type AgentResponse struct {
	Type              string    `json:"type"`
	Message           string    `json:"message,omitempty"`
	Proposal          *Proposal `json:"proposal,omitempty"`
	StrategyID        string    `json:"strategyId,omitempty"`
	UnsignedTxPayload string    `json:"unsignedTxPayload,omitempty"`
	TransactionHash   string    `json:"transactionHash,omitempty"`
	Code              string    `json:"code,omitempty"`
}

// Ack 确认收到一条客户端消息。
type Ack struct {
	MessageID string    `json:"messageId"`
	Received  time.Time `json:"received"`
}

// SessionStarted 在连接建立时告知客户端会话 ID。
type SessionStarted struct {
	SessionID string `json:"sessionId"`
}

// StatusEvent 构造进度事件。
func StatusEvent(sessionID string, status StatusMessage) Event {
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	return Event{Type: EventStatusUpdate, SessionID: sessionID, Data: status}
}

// ResponseEvent 构造 agent_response 事件。
func ResponseEvent(sessionID string, resp AgentResponse) Event {
	return Event{Type: EventAgentResponse, SessionID: sessionID, Data: resp}
}

// ErrorEvent 把错误转换成只含简短描述的客户端事件。
func ErrorEvent(sessionID string, err error) Event {
	return ResponseEvent(sessionID, AgentResponse{
		Type:    ResponseError,
		Message: xerrors.ClientMessage(err),
		Code:    string(xerrors.CodeOf(err)),
	})
}
