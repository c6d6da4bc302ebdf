package directory

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/pkg/logger"
)

// releaseScript 只删除自己持有的锁，避免误删过期后被他人重新获取的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore 把地址簿保存为 Redis 中的单个 JSON 文档，锁键用 SET NX PX 获取。
// 适用于多主机部署，语义与 FileStore 保持一致。
type RedisStore struct {
	client  redis.UniversalClient
	key     string
	lockKey string
	opts    options
}

// NewRedisStore 创建 Redis 地址簿。
func NewRedisStore(client redis.UniversalClient, key string, opts ...Option) (*RedisStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	if key == "" {
		key = "martian:addresses"
	}
	return &RedisStore{
		client:  client,
		key:     key,
		lockKey: key + ":lock",
		opts:    buildOptions(opts),
	}, nil
}

// Register 覆盖写入 name 对应的地址。
func (s *RedisStore) Register(ctx context.Context, name, address string) error {
	if err := validateEntry(name, address); err != nil {
		return err
	}
	token, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(token)

	addresses, err := s.read(ctx)
	if err != nil {
		if !stdErrors.Is(err, redis.Nil) {
			s.opts.logger.Warn("地址簿内容无法解析，将被覆盖", slog.String("key", s.key), slog.Any("error", err))
		}
		addresses = make(map[string]string)
	}
	addresses[name] = address

	encoded, err := json.Marshal(addresses)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码地址簿失败")
	}
	if err := s.client.Set(ctx, s.key, encoded, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 地址簿失败")
	}
	logger.Audit().Info("服务地址已登记",
		slog.String("name", name),
		slog.String("address", address),
		slog.String("store", "redis"),
	)
	return nil
}

// Lookup 读取一次地址簿，不加锁。
func (s *RedisStore) Lookup(ctx context.Context, name string) (string, error) {
	addresses, err := s.read(ctx)
	if err != nil {
		return "", xerrors.Wrap(CodeAddressNotFound, err, "地址簿暂不可用")
	}
	address, ok := addresses[name]
	if !ok || address == "" {
		return "", ErrAddressNotFound
	}
	return address, nil
}

// Snapshot 返回全部条目。
func (s *RedisStore) Snapshot(ctx context.Context) (map[string]string, error) {
	addresses, err := s.read(ctx)
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return map[string]string{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 地址簿失败")
	}
	return addresses, nil
}

func (s *RedisStore) read(ctx context.Context) (map[string]string, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		return nil, err
	}
	addresses := make(map[string]string)
	if err := json.Unmarshal(raw, &addresses); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return addresses, nil
}

func (s *RedisStore) acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(s.opts.lockTimeout)
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey, token, s.opts.lockTTL).Result()
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 Redis 地址簿锁失败")
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", lockTimeoutError(s.key, s.opts.lockTimeout)
		}
		wait := s.opts.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", xerrors.Wrap(CodeLockTimeout, ctx.Err(), "等待地址簿锁时被取消")
		case <-timer.C:
		}
	}
}

func (s *RedisStore) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, s.client, []string{s.lockKey}, token).Err(); err != nil && !stdErrors.Is(err, redis.Nil) {
		s.opts.logger.Error("释放 Redis 地址簿锁失败", slog.String("lock", s.lockKey), slog.Any("error", err))
	}
}
