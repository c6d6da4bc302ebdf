// Package relay 维护会话到客户端通道的映射，并把工作流事件推送给客户端。
package relay

import (
	"fmt"
	"log/slog"
	"sync"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/observability/metrics"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/pkg/logger"
)

const CodeUnknownSession xerrors.Code = "UNKNOWN_SESSION"

// ErrUnknownSession 表示会话没有挂接任何客户端通道。
var ErrUnknownSession = xerrors.New(CodeUnknownSession, "unknown session")

func init() {
	xerrors.Register(CodeUnknownSession, xerrors.Attributes{
		Message:       "unknown session",
		ClientMessage: "Session not found. Please reconnect.",
		Severity:      xerrors.SeverityInfo,
	})
}

// Channel 是一个客户端连接的发送端。
type Channel interface {
	Send(event protocol.Event) error
}

// ChannelFunc 让普通函数满足 Channel。
type ChannelFunc func(event protocol.Event) error

// Send 实现 Channel。
func (f ChannelFunc) Send(event protocol.Event) error { return f(event) }

// Relay 是并发安全的会话表。
type Relay struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Relay)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建空的中继。
func New(opts ...Option) *Relay {
	r := &Relay{channels: make(map[string]Channel), logger: logger.Named("relay")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Attach 为会话挂接客户端通道。同一会话再次挂接会替换旧通道。
func (r *Relay) Attach(sessionID string, ch Channel) {
	if sessionID == "" || ch == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.channels[sessionID]
	r.channels[sessionID] = ch
	r.mu.Unlock()
	if replaced {
		r.logger.Info("替换会话通道", slog.String("session_id", sessionID))
		return
	}
	metrics.SessionAttached(1)
}

// Detach 移除会话通道，之后的事件会被丢弃。
func (r *Relay) Detach(sessionID string) {
	r.mu.Lock()
	_, ok := r.channels[sessionID]
	delete(r.channels, sessionID)
	r.mu.Unlock()
	if ok {
		metrics.SessionAttached(-1)
	}
}

// Attached 判断会话当前是否有客户端。
func (r *Relay) Attached(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[sessionID]
	return ok
}

// Len 返回已挂接的会话数。
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Deliver 把事件交给会话通道，会话未知时返回 ErrUnknownSession。
func (r *Relay) Deliver(sessionID string, event protocol.Event) error {
	r.mu.RLock()
	ch, ok := r.channels[sessionID]
	r.mu.RUnlock()
	if !ok {
		return xerrors.New(CodeUnknownSession, fmt.Sprintf("session %s has no client", sessionID))
	}
	if event.SessionID == "" {
		event.SessionID = sessionID
	}
	return ch.Send(event)
}

// Relay 推送事件，任何失败都只记录日志，不会向调用方返回错误。
func (r *Relay) Relay(sessionID string, event protocol.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("推送事件时发生 panic", slog.String("session_id", sessionID), slog.Any("panic", rec))
			metrics.RelayDropped("panic")
		}
	}()
	err := r.Deliver(sessionID, event)
	if err == nil {
		return
	}
	if xerrors.CodeOf(err) == CodeUnknownSession {
		r.logger.Debug("会话不存在，丢弃事件", slog.String("session_id", sessionID), slog.String("event", string(event.Type)))
		metrics.RelayDropped("unknown_session")
		return
	}
	r.logger.Warn("推送事件失败", slog.String("session_id", sessionID), slog.Any("error", err))
	metrics.RelayDropped("send_failed")
}
