package protocol

import "time"

// Message 是可以经由消息通道投递的负载。MessageType 作为信封上的类型标记，
// 用于路由到处理器以及校验应答类型。
type Message interface {
	MessageType() string
}

// 消息类型标记。
const (
	TypeStrategyRequest         = "StrategyRequest"
	TypeStrategyResponse        = "StrategyResponse"
	TypeScoutRequest            = "ScoutRequest"
	TypeScoutResponse           = "ScoutResponse"
	TypeRiskRequest             = "RiskRequest"
	TypeRiskResponse            = "RiskResponse"
	TypeExecuteStrategy         = "ExecuteStrategy"
	TypeExecutionResult         = "ExecutionResult"
	TypeSubmitSignedTransaction = "SubmitSignedTransaction"
	TypeCommandMessage          = "CommandMessage"
	TypeStatusMessage           = "StatusMessage"
)

// StrategyRequest 请求策略服务为用户问题生成方案。市场数据与风险评估来自扇出阶段。
type StrategyRequest struct {
	UserQuery  string         `json:"userQuery"`
	SessionID  string         `json:"sessionId"`
	MarketData map[string]any `json:"marketData,omitempty"`
	Risk       *RiskResponse  `json:"risk,omitempty"`
}

func (StrategyRequest) MessageType() string { return TypeStrategyRequest }

// StrategyResponse 携带生成器的原始输出。
type StrategyResponse struct {
	StrategyDescription string `json:"strategyDescription"`
	SessionID           string `json:"sessionId"`
}

func (StrategyResponse) MessageType() string { return TypeStrategyResponse }

// ScoutRequest 请求市场数据。
type ScoutRequest struct {
	Query string `json:"query"`
}

func (ScoutRequest) MessageType() string { return TypeScoutRequest }

// ScoutResponse 返回市场快照；Error 非空时表示应用层失败。
type ScoutResponse struct {
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

func (ScoutResponse) MessageType() string { return TypeScoutResponse }

// RiskRequest 请求对协议与策略进行风险评估。
type RiskRequest struct {
	ProtocolName    string         `json:"protocolName"`
	StrategyDetails map[string]any `json:"strategyDetails,omitempty"`
}

func (RiskRequest) MessageType() string { return TypeRiskRequest }

// RiskResponse 的 RiskScore 取值 0..1。
type RiskResponse struct {
	RiskScore  float64 `json:"riskScore"`
	Assessment string  `json:"assessment"`
	Error      string  `json:"error,omitempty"`
}

func (RiskResponse) MessageType() string { return TypeRiskResponse }

// ExecuteStrategy 请求执行服务构建交易。
type ExecuteStrategy struct {
	Strategy   string `json:"strategy"`
	StrategyID string `json:"strategyId"`
	FeePayer   string `json:"feePayer,omitempty"`
}

func (ExecuteStrategy) MessageType() string { return TypeExecuteStrategy }

// ExecutionResult 要么携带待签名交易，要么携带交易哈希。
type ExecutionResult struct {
	Success           bool   `json:"success"`
	TransactionHash   string `json:"transactionHash,omitempty"`
	UnsignedTxPayload string `json:"unsignedTxPayload,omitempty"`
	Error             string `json:"error,omitempty"`
	// ErrorCode 是执行服务内部错误的错误码，空值时按 EXECUTION_FAILED 处理。
	ErrorCode string `json:"errorCode,omitempty"`
}

func (ExecutionResult) MessageType() string { return TypeExecutionResult }

// SubmitSignedTransaction 把客户端签好的交易交给执行服务广播。
type SubmitSignedTransaction struct {
	SignedTxPayload string `json:"signedTxPayload"`
	StrategyID      string `json:"strategyId"`
}

func (SubmitSignedTransaction) MessageType() string { return TypeSubmitSignedTransaction }

// CommandMessage 是客户端命令在服务之间转发时的形式。
type CommandMessage struct {
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload,omitempty"`
	SessionID string         `json:"sessionId"`
}

func (CommandMessage) MessageType() string { return TypeCommandMessage }

// StatusMessage 描述一次进度更新，Progress 取值 0..1。
type StatusMessage struct {
	Step       string    `json:"step,omitempty"`
	Message    string    `json:"message"`
	SourceName string    `json:"sourceName,omitempty"`
	Progress   float64   `json:"progress"`
	Timestamp  time.Time `json:"timestamp"`
}

func (StatusMessage) MessageType() string { return TypeStatusMessage }
