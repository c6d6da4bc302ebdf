package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/fanout"
	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/observability/alerting"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/pkg/logger"
)

const (
	CodeSessionBusy   xerrors.Code = "SESSION_BUSY"
	CodeManagerClosed xerrors.Code = "MANAGER_CLOSED"
)

func init() {
	xerrors.Register(CodeSessionBusy, xerrors.Attributes{
		Message:       "session busy",
		ClientMessage: "Still working on your previous request.",
		Severity:      xerrors.SeverityInfo,
		Retryable:     true,
	})
	xerrors.Register(CodeManagerClosed, xerrors.Attributes{
		Message:       "workflow manager closed",
		ClientMessage: "Service is shutting down.",
		Severity:      xerrors.SeverityWarning,
	})
}

// Notifier 接收推送给客户端的事件，实现不得返回错误。
type Notifier interface {
	Relay(sessionID string, event protocol.Event)
}

// Resolver 把逻辑服务名解析为地址。
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Services 是工作流依赖的逻辑服务名。
type Services struct {
	Strategy  string
	Scout     string
	Risk      string
	Execution string
}

// Config 控制超时与会话上限。
type Config struct {
	Services         Services
	RequestTimeout   time.Duration
	StrategyTimeout  time.Duration
	ExecutionTimeout time.Duration
	MaxSessions      int
	MailboxSize      int
}

func (c *Config) applyDefaults() {
	if c.Services.Strategy == "" {
		c.Services.Strategy = "strategy_agent"
	}
	if c.Services.Scout == "" {
		c.Services.Scout = "scout_agent"
	}
	if c.Services.Risk == "" {
		c.Services.Risk = "risk_agent"
	}
	if c.Services.Execution == "" {
		c.Services.Execution = "execution_agent"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = 60 * time.Second
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 45 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 8
	}
}

// Manager 为每个会话维护一个串行处理命令的 actor。
type Manager struct {
	cfg       Config
	requester messaging.Requester
	resolver  Resolver
	fanout    *fanout.Coordinator
	notifier  Notifier
	store     Store
	alerts    alerting.Dispatcher
	logger    *slog.Logger
	audit     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Manager)

// WithConfig 指定超时与服务名。
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithStore 指定快照存储。
func WithStore(store Store) Option {
	return func(m *Manager) {
		if store != nil {
			m.store = store
		}
	}
}

// WithAlerts 把进入 errored 的会话上报给告警渠道。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 创建工作流管理器。
func NewManager(requester messaging.Requester, resolver Resolver, notifier Notifier, opts ...Option) *Manager {
	m := &Manager{
		requester: requester,
		resolver:  resolver,
		notifier:  notifier,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.cfg.applyDefaults()
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.logger == nil {
		m.logger = logger.Named("workflow")
	}
	m.audit = logger.Audit().With(slog.String("component", "workflow"))
	m.fanout = fanout.New(requester, fanout.WithResolver(resolver), fanout.WithLogger(m.logger))
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Enqueue 把命令放入会话的信箱，返回的 channel 在命令处理完后收到结果。
// 同一会话的命令按到达顺序逐条处理。
func (m *Manager) Enqueue(sessionID string, cmd protocol.Command) <-chan error {
	result := make(chan error, 1)
	if sessionID == "" || cmd == nil {
		result <- xerrors.New(xerrors.CodeInvalidArgument, "session id and command are required")
		return result
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		result <- xerrors.New(CodeManagerClosed, "workflow manager closed")
		return result
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
			result <- xerrors.New(CodeSessionBusy, fmt.Sprintf("session limit %d reached", m.cfg.MaxSessions))
			return result
		}
		s = newSession(m, sessionID)
		m.sessions[sessionID] = s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.run(m.ctx)
		}()
	}
	select {
	case s.mailbox <- job{cmd: cmd, result: result}:
	default:
		result <- xerrors.New(CodeSessionBusy, "too many pending commands for session "+sessionID)
	}
	return result
}

// Dispatch 提交命令并等待处理完成。
func (m *Manager) Dispatch(ctx context.Context, sessionID string, cmd protocol.Command) error {
	select {
	case err := <-m.Enqueue(sessionID, cmd):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 结束会话的 actor。已排队的命令仍会处理完。
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		close(s.mailbox)
	}
	m.mu.Unlock()
}

// Active 返回当前活跃的会话数。
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot 返回会话最近一次保存的实例。
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (Instance, error) {
	return m.store.Get(ctx, sessionID)
}

// Shutdown 关闭所有会话并等待 actor 退出。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		for id, s := range m.sessions {
			close(s.mailbox)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return errors.Join(ctx.Err(), fmt.Errorf("workflow sessions still running"))
	}
}
