package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MartianFinance/core/pkg/logger"
)

// RedisTransportConfig 描述 Redis 信箱的连接参数。
type RedisTransportConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	BlockWait time.Duration
}

// RedisTransport 使用 Redis list 作为每个地址的信箱：LPUSH 投递，BRPOP 消费。
type RedisTransport struct {
	client redis.UniversalClient
	prefix string
	wait   time.Duration
	owned  bool
	logger *slog.Logger
}

// NewRedisTransport 连接 Redis 并创建传输层。
func NewRedisTransport(cfg RedisTransportConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	t := NewRedisTransportWithClient(client, cfg.Prefix, cfg.BlockWait)
	t.owned = true
	return t, nil
}

// NewRedisTransportWithClient 复用已有的 Redis 客户端，Close 时不会关闭它。
func NewRedisTransportWithClient(client redis.UniversalClient, prefix string, wait time.Duration) *RedisTransport {
	if prefix == "" {
		prefix = "martian:mailbox:"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisTransport{client: client, prefix: prefix, wait: wait, logger: logger.Named("messaging.redis")}
}

func (t *RedisTransport) key(address string) string {
	return t.prefix + address
}

// Publish 将信封写入目标信箱。
func (t *RedisTransport) Publish(ctx context.Context, env Envelope) error {
	raw, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("编码信封失败: %w", err)
	}
	if err := t.client.LPush(ctx, t.key(env.Target), raw).Err(); err != nil {
		return fmt.Errorf("Redis 投递信封失败: %w", err)
	}
	return nil
}

// Subscribe 启动 BRPOP 循环消费地址的信箱。
func (t *RedisTransport) Subscribe(ctx context.Context, address string, handler Handler) error {
	if address == "" {
		return errors.New("address 不能为空")
	}
	if handler == nil {
		return errors.New("handler 不能为空")
	}
	key := t.key(address)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			values, err := t.client.BRPop(ctx, t.wait, key).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				t.logger.Warn("Redis 取信封失败", slog.String("address", address), slog.Any("error", err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if len(values) != 2 {
				continue
			}
			env, err := unmarshalEnvelope([]byte(values[1]))
			if err != nil {
				t.logger.Warn("丢弃无法解析的信封", slog.String("address", address), slog.Any("error", err))
				continue
			}
			handler(ctx, env)
		}
	}()
	return nil
}

// Close 关闭自己创建的 Redis 连接。
func (t *RedisTransport) Close() error {
	if t == nil || t.client == nil || !t.owned {
		return nil
	}
	return t.client.Close()
}
