package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/observability/metrics"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/internal/relay"
	"github.com/MartianFinance/core/internal/workflow"
	"github.com/MartianFinance/core/pkg/logger"
)

// Workflow 是网关驱动的会话工作流。
type Workflow interface {
	Enqueue(sessionID string, cmd protocol.Command) <-chan error
	Close(sessionID string)
	Snapshot(ctx context.Context, sessionID string) (workflow.Instance, error)
}

// SessionRelay 维护会话与连接的对应关系。
type SessionRelay interface {
	Attach(sessionID string, ch relay.Channel)
	Detach(sessionID string)
	Relay(sessionID string, event protocol.Event)
}

// Directory 提供地址簿的只读视图。
type Directory interface {
	Snapshot(ctx context.Context) (map[string]string, error)
}

// Limits 控制每个连接的入站消息大小与速率。
type Limits struct {
	ReadLimitBytes int64
	RatePerSecond  float64
	Burst          int
}

func (l *Limits) applyDefaults() {
	if l.ReadLimitBytes <= 0 {
		l.ReadLimitBytes = 64 * 1024
	}
	if l.RatePerSecond <= 0 {
		l.RatePerSecond = 5
	}
	if l.Burst <= 0 {
		l.Burst = 10
	}
}

// Server 负责暴露 websocket 与 REST 接口。
type Server struct {
	addr      string
	workflow  Workflow
	relay     SessionRelay
	directory Directory
	limits    Limits
	upgrader  websocket.Upgrader
	newID     func() string
	logger    *slog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithDirectory 启用 /api/v1/directory。
func WithDirectory(d Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithLimits 设置入站限制。
func WithLimits(l Limits) Option {
	return func(s *Server) {
		s.limits = l
	}
}

// WithSessionIDs 替换会话 ID 生成函数，主要用于测试。
func WithSessionIDs(fn func() string) Option {
	return func(s *Server) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造网关实例。
func NewServer(addr string, wf Workflow, rl SessionRelay, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		workflow: wf,
		relay:    rl,
		newID:    newSessionID,
		logger:   logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.limits.applyDefaults()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.Handle("/healthz", metrics.Instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/v1/directory", metrics.Instrument("directory", http.HandlerFunc(s.handleDirectory)))
	mux.Handle("/api/v1/sessions/", metrics.Instrument("session_detail", http.HandlerFunc(s.handleSessionDetail)))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("网关已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.directory == nil {
		http.Error(w, "地址簿未配置", http.StatusServiceUnavailable)
		return
	}
	snapshot, err := s.directory.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("读取地址簿失败", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	if id == "" {
		http.Error(w, "缺少会话 ID", http.StatusBadRequest)
		return
	}
	inst, err := s.workflow.Snapshot(r.Context(), id)
	switch {
	case errors.Is(err, workflow.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.logger.Error("读取会话快照失败", slog.String("session_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, inst)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": xerrors.ClientMessage(err),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
