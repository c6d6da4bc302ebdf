package directory

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/pkg/logger"
)

const (
	CodeAddressNotFound xerrors.Code = "ADDRESS_NOT_FOUND"
	CodeLockTimeout     xerrors.Code = "LOCK_TIMEOUT"
)

var (
	// ErrAddressNotFound 表示在重试预算内未能解析出服务地址。
	ErrAddressNotFound = xerrors.New(CodeAddressNotFound, "address not found")
	// ErrLockTimeout 表示写锁在限定时间内未能获取。
	ErrLockTimeout = xerrors.New(CodeLockTimeout, "directory lock timeout")
)

func init() {
	xerrors.Register(CodeAddressNotFound, xerrors.Attributes{
		Message:       "address not found",
		ClientMessage: "Service unavailable. Please try again shortly.",
		Severity:      xerrors.SeverityWarning,
		Retryable:     true,
	})
	xerrors.Register(CodeLockTimeout, xerrors.Attributes{
		Message:       "directory lock timeout",
		ClientMessage: "Service unavailable. Please try again shortly.",
		Severity:      xerrors.SeverityWarning,
		Retryable:     true,
	})
}

const (
	defaultLockTimeout  = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultRetries      = 5
	defaultRetryDelay   = time.Second
)

// Store 抽象了地址簿的持久化。Lookup 只尝试一次，不做重试。
type Store interface {
	Register(ctx context.Context, name, address string) error
	Lookup(ctx context.Context, name string) (string, error)
	Snapshot(ctx context.Context) (map[string]string, error)
}

// Option 定义地址簿的可选配置。
type Option func(*options)

type options struct {
	lockTimeout  time.Duration
	pollInterval time.Duration
	lockTTL      time.Duration
	logger       *slog.Logger
}

// WithLockTimeout 设置写锁的最长等待时间。
func WithLockTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.lockTimeout = timeout
		}
	}
}

// WithPollInterval 设置写锁轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithLockTTL 设置 Redis 锁键的过期时间，防止持锁进程崩溃后永久占用。
func WithLockTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		lockTimeout:  defaultLockTimeout,
		pollInterval: defaultPollInterval,
		lockTTL:      10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("directory")
	}
	return o
}

func validateEntry(name, address string) error {
	if strings.TrimSpace(name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务名不能为空")
	}
	if strings.TrimSpace(address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "服务地址不能为空")
	}
	return nil
}

// lockTimeoutError 构造带上下文信息的锁超时错误。
func lockTimeoutError(target string, waited time.Duration) error {
	return xerrors.New(CodeLockTimeout,
		fmt.Sprintf("could not acquire lock on %s within %s", target, waited),
		xerrors.WithMetadata("target", target))
}

// Resolver 在调用方一侧对地址解析做有限次数的重试。
type Resolver struct {
	store   Store
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

// ResolverOption 定义 Resolver 的可选配置。
type ResolverOption func(*Resolver)

// WithRetries 设置最大尝试次数。
func WithRetries(retries int) ResolverOption {
	return func(r *Resolver) {
		if retries > 0 {
			r.retries = retries
		}
	}
}

// WithRetryDelay 设置两次尝试之间的固定间隔。
func WithRetryDelay(delay time.Duration) ResolverOption {
	return func(r *Resolver) {
		if delay >= 0 {
			r.delay = delay
		}
	}
}

// WithResolverLogger 指定日志输出。
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver 构造 Resolver。
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:   store,
		retries: defaultRetries,
		delay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("directory")
	}
	return r
}

// Resolve 返回服务地址。缺失或暂时不可读的条目会按固定间隔重试，
// 预算耗尽后返回 ErrAddressNotFound。
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if r == nil || r.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "地址簿未初始化")
	}
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		address, err := r.store.Lookup(ctx, name)
		if err == nil && address != "" {
			return address, nil
		}
		lastErr = err
		if err != nil && !stdErrors.Is(err, ErrAddressNotFound) {
			r.logger.Warn("读取地址簿失败", slog.String("name", name), slog.Int("attempt", attempt), slog.Any("error", err))
		}
		if attempt == r.retries {
			break
		}
		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", xerrors.Wrap(CodeAddressNotFound, ctx.Err(), fmt.Sprintf("address for %q not resolved", name))
		case <-timer.C:
		}
	}
	return "", xerrors.Wrap(CodeAddressNotFound, lastErr,
		fmt.Sprintf("address for %q not found after %d retries", name, r.retries),
		xerrors.WithMetadata("name", name))
}

// Register 代理到底层存储，方便服务启动时只持有 Resolver。
func (r *Resolver) Register(ctx context.Context, name, address string) error {
	if r == nil || r.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "地址簿未初始化")
	}
	return r.store.Register(ctx, name, address)
}

// Snapshot 返回当前全部登记的地址。
func (r *Resolver) Snapshot(ctx context.Context) (map[string]string, error) {
	if r == nil || r.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "地址簿未初始化")
	}
	return r.store.Snapshot(ctx)
}
