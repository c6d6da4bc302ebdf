package workflow

import (
	"context"
	"sort"
	"sync"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

// ErrSnapshotNotFound 表示会话没有保存过快照。
var ErrSnapshotNotFound = xerrors.New(xerrors.CodeNotFound, "workflow snapshot not found")

// Store 保存工作流实例的快照，供查询与排障使用。
type Store interface {
	Save(ctx context.Context, inst Instance) error
	Get(ctx context.Context, sessionID string) (Instance, error)
	List(ctx context.Context, limit int) ([]Instance, error)
	Close() error
}

// MemoryStore 以内存方式保存快照，主要用于测试与单机运行。
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Instance
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Instance)}
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, inst Instance) error {
	if inst.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[inst.SessionID] = inst.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, sessionID string) (Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.snapshots[sessionID]
	if !ok {
		return Instance{}, ErrSnapshotNotFound
	}
	return inst.Clone(), nil
}

// List 按更新时间倒序返回快照。
func (m *MemoryStore) List(_ context.Context, limit int) ([]Instance, error) {
	m.mu.RLock()
	out := make([]Instance, 0, len(m.snapshots))
	for _, inst := range m.snapshots {
		out = append(out, inst.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
