package messaging

import (
	"context"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

// Handler 处理一封到达的信封。传输层在自己的消费协程里同步调用它。
type Handler func(ctx context.Context, env Envelope)

// Transport 在地址之间搬运信封。
type Transport interface {
	// Publish 把信封投递到 env.Target 的信箱。
	Publish(ctx context.Context, env Envelope) error
	// Subscribe 开始消费 address 的信箱，直到 ctx 结束；调用本身不阻塞。
	Subscribe(ctx context.Context, address string, handler Handler) error
	Close() error
}

// ErrUnreachable 表示目标地址当前没有任何订阅者。
var ErrUnreachable = xerrors.New(CodeDeliveryFailed, "address unreachable")
