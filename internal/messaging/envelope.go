package messaging

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MartianFinance/core/internal/protocol"
)

// typeError 标记处理器失败时返回给调用方的错误应答。
const typeError = "Error"

// Envelope 是在消息通道上传输的单元。
type Envelope struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Type          string          `json:"type"`
	Sender        string          `json:"sender"`
	Target        string          `json:"target"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SentAt        time.Time       `json:"sentAt"`
	ExpiresAt     time.Time       `json:"expiresAt,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// NewEnvelope 编码消息并分配新的 ID。
func NewEnvelope(sender, target string, msg protocol.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("message is nil")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		Type:    msg.MessageType(),
		Sender:  sender,
		Target:  target,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}, nil
}

// Decode 把负载解码到 v。
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Expired 判断请求是否已经过了调用方的截止时间。
func (e Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (e Envelope) errorReason() string {
	var p errorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.Error == "" {
		return "remote handler failed"
	}
	return p.Error
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DeriveAddress 根据种子生成稳定、不透明的服务地址。相同种子得到相同地址。
func DeriveAddress(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return "agent1q" + strings.ToLower(addressEncoding.EncodeToString(sum[:]))
}
