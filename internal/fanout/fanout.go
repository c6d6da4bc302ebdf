// Package fanout 并发发出多路请求并统一收集结果。
//
// 任何一路失败都不会取消其它分支；调用方拿到全部结果后自行决定是否整体失败。
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/observability/metrics"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/pkg/logger"
)

// AddressResolver 把逻辑服务名解析为地址。
type AddressResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Branch 描述一路请求。Target 为空时通过 Service 解析地址。
type Branch struct {
	Name      string
	Service   string
	Target    string
	Message   protocol.Message
	ReplyType string
	Timeout   time.Duration
	// Validate 检查应用层错误，例如应答中的 error 字段。
	Validate func(reply *messaging.Envelope) error
}

// Outcome 是一路请求的结果。Err 为空时 Reply 一定非空。
type Outcome struct {
	Branch   string
	Reply    *messaging.Envelope
	Status   messaging.DeliveryStatus
	Err      error
	Duration time.Duration
}

// OK 判断该分支是否成功。
func (o Outcome) OK() bool { return o.Err == nil }

// Decode 把应答负载解码到 v。
func (o Outcome) Decode(v any) error {
	if o.Reply == nil {
		return fmt.Errorf("branch %s has no reply", o.Branch)
	}
	return o.Reply.Decode(v)
}

// Coordinator 负责扇出与汇总。
type Coordinator struct {
	requester messaging.Requester
	resolver  AddressResolver
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Coordinator)

// WithResolver 指定地址解析器。
func WithResolver(r AddressResolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New 创建协调器。
func New(requester messaging.Requester, opts ...Option) *Coordinator {
	c := &Coordinator{requester: requester, logger: logger.Named("fanout")}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// FanOut 并发执行所有分支，等待全部完成后按输入顺序返回结果。
func (c *Coordinator) FanOut(ctx context.Context, branches []Branch) []Outcome {
	outcomes := make([]Outcome, len(branches))
	// 分支自己吞掉错误，errgroup 只用于统一等待，不会触发兄弟分支取消。
	var g errgroup.Group
	for i := range branches {
		i, b := i, branches[i]
		g.Go(func() error {
			outcomes[i] = c.run(ctx, b)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Coordinator) run(ctx context.Context, b Branch) (out Outcome) {
	start := time.Now()
	out.Branch = b.Name
	defer func() {
		out.Duration = time.Since(start)
		metrics.ObserveFanoutBranch(b.Name, out.Err == nil)
	}()

	// Timeout 覆盖地址解析与收发两段，解析用掉的时间从收发预算中扣除。
	sendTimeout := b.Timeout
	resolveCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithDeadline(ctx, start.Add(b.Timeout))
		defer cancel()
	}

	target := b.Target
	if target == "" {
		if c.resolver == nil {
			out.Status = messaging.Failed("no resolver for service " + b.Service)
			out.Err = fmt.Errorf("%s: %w", b.Name, out.Status.Err())
			return out
		}
		addr, err := c.resolver.Resolve(resolveCtx, b.Service)
		if err != nil {
			out.Status = messaging.Failed(err.Error())
			if errors.Is(err, context.DeadlineExceeded) {
				out.Status = messaging.TimedOut()
			}
			out.Err = fmt.Errorf("%s: %w", b.Name, err)
			return out
		}
		target = addr
		if b.Timeout > 0 {
			sendTimeout = b.Timeout - time.Since(start)
			if sendTimeout <= 0 {
				out.Status = messaging.TimedOut()
				out.Err = fmt.Errorf("%s: %w", b.Name, out.Status.Err())
				return out
			}
		}
	}

	reply, status := c.requester.SendAndReceive(ctx, target, b.Message, b.ReplyType, sendTimeout)
	out.Status = status
	if !status.OK() {
		c.logger.Warn("分支请求失败", slog.String("branch", b.Name), slog.String("status", status.String()))
		out.Err = fmt.Errorf("%s: %w", b.Name, status.Err())
		return out
	}
	out.Reply = reply
	if b.Validate != nil {
		if err := b.Validate(reply); err != nil {
			c.logger.Warn("分支返回应用层错误", slog.String("branch", b.Name), slog.Any("error", err))
			out.Err = fmt.Errorf("%s: %w", b.Name, err)
		}
	}
	return out
}

// FirstError 返回第一个失败分支的错误，全部成功时返回 nil。
func FirstError(outcomes []Outcome) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// ByName 按分支名查找结果。
func ByName(outcomes []Outcome, name string) (Outcome, bool) {
	for _, o := range outcomes {
		if o.Branch == name {
			return o, true
		}
	}
	return Outcome{}, false
}
