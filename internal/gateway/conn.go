package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/internal/workflow"
)

const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:       "too many messages",
		ClientMessage: "Too many messages. Please slow down.",
		Severity:      xerrors.SeverityInfo,
		Retryable:     true,
	})
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var (
	errClientClosed = errors.New("client connection closed")
	errSlowClient   = errors.New("client send buffer full")
)

func newSessionID() string { return uuid.NewString() }

// client 是一条 websocket 连接，实现 relay.Channel。
// 所有写操作都由 writeLoop 完成，gorilla 连接不支持并发写。
type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan protocol.Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newClient(sessionID string, conn *websocket.Conn, l *slog.Logger) *client {
	return &client{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan protocol.Event, sendBuffer),
		done:      make(chan struct{}),
		logger:    l,
	}
}

// Send 把事件放入发送队列，队列已满时直接丢弃并返回错误。
func (c *client) Send(event protocol.Event) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- event:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSlowClient
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Warn("写入客户端失败", slog.Any("error", err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误。
		s.logger.Warn("websocket 握手失败", slog.Any("error", err))
		return
	}

	id := s.newID()
	c := newClient(id, conn, s.logger.With(slog.String("session_id", id)))
	s.relay.Attach(id, c)
	defer func() {
		s.relay.Detach(id)
		s.workflow.Close(id)
		c.close()
		c.logger.Info("客户端已断开")
	}()

	ctx := r.Context()
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	c.logger.Info("客户端已连接", slog.String("remote", r.RemoteAddr))
	_ = c.Send(protocol.Event{Type: protocol.EventSession, SessionID: id, Data: protocol.SessionStarted{SessionID: id}})
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(s.limits.ReadLimitBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	limiter := rate.NewLimiter(rate.Limit(s.limits.RatePerSecond), s.limits.Burst)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("读取客户端消息失败", slog.Any("error", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		messageID := uuid.NewString()
		_ = c.Send(protocol.Event{
			Type:      protocol.EventAck,
			SessionID: c.sessionID,
			Data:      protocol.Ack{MessageID: messageID, Received: time.Now().UTC()},
		})

		if !limiter.Allow() {
			_ = c.Send(protocol.ErrorEvent(c.sessionID, xerrors.New(CodeRateLimited, "inbound rate exceeded")))
			continue
		}
		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.logger.Info("无法解析客户端消息", slog.String("message_id", messageID), slog.Any("error", err))
			_ = c.Send(protocol.ErrorEvent(c.sessionID, err))
			continue
		}
		c.logger.Debug("收到命令", slog.String("message_id", messageID), slog.String("command", cmd.Name()))
		go s.await(c, messageID, s.workflow.Enqueue(c.sessionID, cmd))
	}
}

// await 只转发在进入会话之前就被拒绝的命令；会话内部的失败已由工作流推送。
func (s *Server) await(c *client, messageID string, result <-chan error) {
	var err error
	select {
	case err = <-result:
	case <-c.done:
		return
	}
	if err == nil {
		return
	}
	switch xerrors.CodeOf(err) {
	case workflow.CodeSessionBusy, workflow.CodeManagerClosed, xerrors.CodeInvalidArgument:
		s.relay.Relay(c.sessionID, protocol.ErrorEvent(c.sessionID, err))
	default:
		c.logger.Debug("命令处理失败", slog.String("message_id", messageID), slog.Any("error", err))
	}
}
