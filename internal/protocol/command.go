package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

const CodeInvalidCommand xerrors.Code = "INVALID_COMMAND"

// ErrInvalidCommand 表示客户端发送了无法识别或字段不全的命令。
var ErrInvalidCommand = xerrors.New(CodeInvalidCommand, "invalid command")

func init() {
	xerrors.Register(CodeInvalidCommand, xerrors.Attributes{
		Message:       "invalid command",
		ClientMessage: "Unrecognised command.",
		Severity:      xerrors.SeverityInfo,
	})
}

// 客户端命令名。
const (
	CommandQuery          = "query"
	CommandExecute        = "execute"
	CommandSubmitSignedTx = "submit_signed_tx"
)

// Command 是客户端命令的封闭集合，只能由 ParseCommand 构造。
type Command interface {
	Name() string
	isCommand()
}

// QueryCommand 发起一次新的策略查询。
type QueryCommand struct {
	Query string
}

// ExecuteCommand 请求执行已生成的方案。
type ExecuteCommand struct {
	StrategyID string
	FeePayer   string
}

// SubmitSignedTxCommand 提交客户端已签名的交易。
type SubmitSignedTxCommand struct {
	SignedTxPayload string
	StrategyID      string
}

func (QueryCommand) Name() string { return CommandQuery }
func (ExecuteCommand) Name() string { return CommandExecute }
func (SubmitSignedTxCommand) Name() string { return CommandSubmitSignedTx }

func (QueryCommand) isCommand() {}
func (ExecuteCommand) isCommand() {}
func (SubmitSignedTxCommand) isCommand() {}

type commandEnvelope struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// 兼容 camelCase 与 snake_case 两种字段写法。
type commandPayload struct {
	Query           string `json:"query"`
	StrategyID      string `json:"strategyId"`
	StrategyIDSnake string `json:"strategy_id"`
	FeePayer        string `json:"feePayer"`
	FeePayerSnake   string `json:"fee_payer"`
	SignedTx        string `json:"signedTxPayload"`
	SignedTxSnake   string `json:"signed_tx_payload"`
	SignedTxB64     string `json:"signed_tx_b64"`
}

// ParseCommand 解析客户端原始输入。非 JSON 对象的文本视为查询；
// JSON 对象必须是 {"command": ..., "payload": {...}} 形式的已知命令。
func ParseCommand(raw []byte) (Command, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, xerrors.New(CodeInvalidCommand, "empty message")
	}
	if trimmed[0] != '{' {
		return QueryCommand{Query: string(trimmed)}, nil
	}

	var env commandEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		// 形似 JSON 但解析失败的输入按普通文本处理。
		return QueryCommand{Query: string(trimmed)}, nil
	}
	name := strings.ToLower(strings.TrimSpace(env.Command))
	if name == "" {
		return nil, xerrors.New(CodeInvalidCommand, "missing command name")
	}

	var payload commandPayload
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, xerrors.Wrap(CodeInvalidCommand, err, "malformed command payload")
		}
	}

	switch name {
	case CommandQuery:
		query := strings.TrimSpace(payload.Query)
		if query == "" {
			return nil, xerrors.New(CodeInvalidCommand, "query must not be empty")
		}
		return QueryCommand{Query: query}, nil
	case CommandExecute:
		id := firstNonEmpty(payload.StrategyID, payload.StrategyIDSnake)
		if id == "" {
			return nil, xerrors.New(CodeInvalidCommand, "execute requires strategyId")
		}
		return ExecuteCommand{StrategyID: id, FeePayer: firstNonEmpty(payload.FeePayer, payload.FeePayerSnake)}, nil
	case CommandSubmitSignedTx:
		signed := firstNonEmpty(payload.SignedTx, payload.SignedTxSnake, payload.SignedTxB64)
		if signed == "" {
			return nil, xerrors.New(CodeInvalidCommand, "submit_signed_tx requires signedTxPayload")
		}
		return SubmitSignedTxCommand{
			SignedTxPayload: signed,
			StrategyID:      firstNonEmpty(payload.StrategyID, payload.StrategyIDSnake),
		}, nil
	default:
		return nil, xerrors.New(CodeInvalidCommand, fmt.Sprintf("unknown command %q", env.Command))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
