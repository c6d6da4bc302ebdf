package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MartianFinance/core/internal/observability/metrics"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/pkg/logger"
)

// DefaultTimeout 是 SendAndReceive 未指定超时时使用的值。
const DefaultTimeout = 30 * time.Second

// HandlerFunc 处理一类请求。返回的消息会作为应答发回给发送方；
// 返回 nil 表示不应答；返回错误时调用方会收到 Failed。
type HandlerFunc func(ctx context.Context, req Envelope) (protocol.Message, error)

// Requester 是发起请求/应答的最小接口，方便上层替换实现。
type Requester interface {
	SendAndReceive(ctx context.Context, target string, msg protocol.Message, replyType string, timeout time.Duration) (*Envelope, DeliveryStatus)
}

// Node 在传输层上占用一个地址。
type Node struct {
	address   string
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  map[string]chan Envelope
	started  bool

	wg sync.WaitGroup
}

// NodeOption 定义可选配置。
type NodeOption func(*Node)

// WithDefaultTimeout 覆盖默认的请求超时。
func WithDefaultTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithNodeLogger 指定日志实例。
func WithNodeLogger(l *slog.Logger) NodeOption {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// NewNode 创建节点。需要调用 Start 才会开始接收信封。
func NewNode(address string, transport Transport, opts ...NodeOption) *Node {
	n := &Node{
		address:   address,
		transport: transport,
		timeout:   DefaultTimeout,
		handlers:  make(map[string]HandlerFunc),
		pending:   make(map[string]chan Envelope),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.logger == nil {
		n.logger = logger.Named("messaging").With(slog.String("address", address))
	}
	return n
}

// Address 返回节点地址。
func (n *Node) Address() string { return n.address }

// Handle 注册某种消息类型的处理器，重复注册会覆盖。
func (n *Node) Handle(msgType string, h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[msgType] = h
}

// Start 订阅节点地址。ctx 结束后停止接收。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("节点已启动")
	}
	n.started = true
	n.mu.Unlock()
	if err := n.transport.Subscribe(ctx, n.address, n.dispatch); err != nil {
		return fmt.Errorf("订阅地址 %s 失败: %w", n.address, err)
	}
	return nil
}

// Wait 等待所有正在执行的处理器返回。
func (n *Node) Wait() {
	n.wg.Wait()
}

func (n *Node) dispatch(ctx context.Context, env Envelope) {
	if env.CorrelationID != "" {
		n.complete(env)
		return
	}
	if env.Expired(time.Now()) {
		n.logger.Debug("丢弃已过期的请求", slog.String("type", env.Type), slog.String("id", env.ID))
		return
	}
	n.mu.Lock()
	h, ok := n.handlers[env.Type]
	n.mu.Unlock()
	if !ok {
		n.logger.Warn("没有对应的处理器", slog.String("type", env.Type), slog.String("sender", env.Sender))
		return
	}

	// 每个请求独立调度，慢处理器不会阻塞信箱。
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		reply, err := h(ctx, env)
		if err != nil {
			n.logger.Error("处理请求失败", slog.String("type", env.Type), slog.String("sender", env.Sender), slog.Any("error", err))
			n.replyError(ctx, env, err)
			return
		}
		if reply == nil {
			return
		}
		if err := n.Reply(ctx, env, reply); err != nil {
			n.logger.Warn("发送应答失败", slog.String("type", reply.MessageType()), slog.Any("error", err))
		}
	}()
}

func (n *Node) complete(env Envelope) {
	n.mu.Lock()
	ch, ok := n.pending[env.CorrelationID]
	if ok {
		delete(n.pending, env.CorrelationID)
	}
	n.mu.Unlock()
	if !ok {
		n.logger.Debug("丢弃迟到或未知的应答", slog.String("type", env.Type), slog.String("correlation_id", env.CorrelationID))
		return
	}
	ch <- env
}

// Reply 以 req 的 ID 作为关联 ID 发回应答。
func (n *Node) Reply(ctx context.Context, req Envelope, msg protocol.Message) error {
	env, err := NewEnvelope(n.address, req.Sender, msg)
	if err != nil {
		return err
	}
	env.CorrelationID = req.ID
	return n.transport.Publish(ctx, env)
}

func (n *Node) replyError(ctx context.Context, req Envelope, cause error) {
	payload, _ := json.Marshal(errorPayload{Error: cause.Error()})
	env := Envelope{
		ID:            req.ID + ":error",
		CorrelationID: req.ID,
		Type:          typeError,
		Sender:        n.address,
		Target:        req.Sender,
		Payload:       payload,
		SentAt:        time.Now().UTC(),
	}
	if err := n.transport.Publish(ctx, env); err != nil {
		n.logger.Warn("发送错误应答失败", slog.Any("error", err))
	}
}

// Send 发送消息但不等待应答。
func (n *Node) Send(ctx context.Context, target string, msg protocol.Message) error {
	env, err := NewEnvelope(n.address, target, msg)
	if err != nil {
		return err
	}
	return n.transport.Publish(ctx, env)
}

// SendAndReceive 发送请求并等待类型为 replyType 的应答。
// 超时前不会返回 TimedOut；超时后到达的应答会被丢弃。
func (n *Node) SendAndReceive(ctx context.Context, target string, msg protocol.Message, replyType string, timeout time.Duration) (*Envelope, DeliveryStatus) {
	if timeout <= 0 {
		timeout = n.timeout
	}
	start := time.Now()
	msgType := ""
	if msg != nil {
		msgType = msg.MessageType()
	}
	status := func(s DeliveryStatus) DeliveryStatus {
		metrics.ObserveDelivery(msgType, s.Kind.String(), time.Since(start))
		return s
	}

	env, err := NewEnvelope(n.address, target, msg)
	if err != nil {
		return nil, status(Failed(err.Error()))
	}
	env.ExpiresAt = start.Add(timeout).UTC()

	ch := make(chan Envelope, 1)
	n.mu.Lock()
	n.pending[env.ID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, env.ID)
		n.mu.Unlock()
	}()

	if err := n.transport.Publish(ctx, env); err != nil {
		return nil, status(Failed(err.Error()))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == typeError {
			return nil, status(Failed(reply.errorReason()))
		}
		if replyType != "" && reply.Type != replyType {
			return nil, status(Failed(fmt.Sprintf("unexpected reply type %s, want %s", reply.Type, replyType)))
		}
		return &reply, status(Delivered())
	case <-timer.C:
		n.logger.Warn("请求超时", slog.String("type", msgType), slog.String("target", target), slog.Duration("timeout", timeout))
		return nil, status(TimedOut())
	case <-ctx.Done():
		return nil, status(Failed(ctx.Err().Error()))
	}
}

// Call 发送请求并把应答解码为 T。
func Call[T protocol.Message](ctx context.Context, r Requester, target string, msg protocol.Message, timeout time.Duration) (T, DeliveryStatus) {
	var zero T
	env, status := r.SendAndReceive(ctx, target, msg, zero.MessageType(), timeout)
	if !status.OK() {
		return zero, status
	}
	var out T
	if err := env.Decode(&out); err != nil {
		return zero, Failed(err.Error())
	}
	return out, status
}
