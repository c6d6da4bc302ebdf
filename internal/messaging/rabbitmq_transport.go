package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MartianFinance/core/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 信箱的连接参数。
type RabbitMQConfig struct {
	URL      string
	Prefix   string
	Prefetch int
	Durable  bool
}

// RabbitMQTransport 为每个地址声明一个队列，通过默认交换机路由。
type RabbitMQTransport struct {
	conn   *amqp.Connection
	prefix string
	cfg    RabbitMQConfig
	logger *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewRabbitMQTransport 连接 RabbitMQ 并创建发布通道。
func NewRabbitMQTransport(cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "martian.mailbox."
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	return &RabbitMQTransport{
		conn:   conn,
		ch:     ch,
		prefix: prefix,
		cfg:    cfg,
		logger: logger.Named("messaging.rabbitmq"),
	}, nil
}

func (t *RabbitMQTransport) queue(address string) string {
	return t.prefix + address
}

// Publish 将信封发布到目标地址的队列。
func (t *RabbitMQTransport) Publish(ctx context.Context, env Envelope) error {
	raw, err := marshalEnvelope(env)
	if err != nil {
		return fmt.Errorf("编码信封失败: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return errors.New("RabbitMQ 传输层未初始化")
	}
	return t.ch.PublishWithContext(ctx, "", t.queue(env.Target), false, false, amqp.Publishing{
		ContentType:   "application/json",
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		Type:          env.Type,
		Body:          raw,
	})
}

// Subscribe 声明地址对应的队列，并在独立 channel 上手动确认消费。
func (t *RabbitMQTransport) Subscribe(ctx context.Context, address string, handler Handler) error {
	if address == "" {
		return errors.New("address 不能为空")
	}
	if handler == nil {
		return errors.New("handler 不能为空")
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if t.cfg.Prefetch > 0 {
		if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	queue := t.queue(address)
	if _, err := ch.QueueDeclare(queue, t.cfg.Durable, !t.cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := unmarshalEnvelope(msg.Body)
				_ = msg.Ack(false)
				if err != nil {
					t.logger.Warn("丢弃无法解析的信封", slog.String("address", address), slog.Any("error", err))
					continue
				}
				handler(ctx, env)
			}
		}
	}()
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (t *RabbitMQTransport) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	t.mu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
