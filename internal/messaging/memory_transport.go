package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryTransport 使用 channel 在同一进程内投递信封，每个地址一个信箱。
type MemoryTransport struct {
	size int

	mu        sync.RWMutex
	mailboxes map[string]chan Envelope
	closed    bool
}

// NewMemoryTransport 创建内存传输层。size 为每个信箱的缓冲长度。
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 64
	}
	return &MemoryTransport{size: size, mailboxes: make(map[string]chan Envelope)}
}

// Publish 将信封放入目标信箱。目标没有订阅者时立即失败。
func (t *MemoryTransport) Publish(ctx context.Context, env Envelope) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.New("传输层已关闭")
	}
	box, ok := t.mailboxes[env.Target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, env.Target)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case box <- env:
		return nil
	}
}

// Subscribe 为地址创建信箱并启动消费协程。
func (t *MemoryTransport) Subscribe(ctx context.Context, address string, handler Handler) error {
	if address == "" {
		return errors.New("address 不能为空")
	}
	if handler == nil {
		return errors.New("handler 不能为空")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("传输层已关闭")
	}
	if _, exists := t.mailboxes[address]; exists {
		t.mu.Unlock()
		return fmt.Errorf("地址 %s 已被订阅", address)
	}
	box := make(chan Envelope, t.size)
	t.mailboxes[address] = box
	t.mu.Unlock()

	go func() {
		defer t.unsubscribe(address, box)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-box:
				if !ok {
					return
				}
				handler(ctx, env)
			}
		}
	}()
	return nil
}

func (t *MemoryTransport) unsubscribe(address string, box chan Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.mailboxes[address]; ok && current == box {
		delete(t.mailboxes, address)
	}
}

// Close 关闭所有信箱。
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for address, box := range t.mailboxes {
		close(box)
		delete(t.mailboxes, address)
	}
	return nil
}
