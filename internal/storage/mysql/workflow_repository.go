package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/internal/workflow"
)

const snapshotColumns = `session_id, state, query, proposal, raw_strategy, unsigned_tx_payload,
transaction_hash, last_error, error_code, created_at, updated_at`

// WorkflowRepository 实现 workflow.Store。
type WorkflowRepository struct {
	db            *sql.DB
	schemaVersion int
}

var _ workflow.Store = (*WorkflowRepository)(nil)

// NewWorkflowRepository 建立连接并执行迁移。
func NewWorkflowRepository(ctx context.Context, cfg Config) (*WorkflowRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 失败")
	}
	version, err := runMigrations(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &WorkflowRepository{db: db, schemaVersion: version}, nil
}

// SchemaVersion 返回启动时确认的 workflow_snapshots 版本，复用外部连接时为 0。
func (r *WorkflowRepository) SchemaVersion() int { return r.schemaVersion }

// NewWorkflowRepositoryWithDB 复用已有连接，不执行迁移。
func NewWorkflowRepositoryWithDB(db *sql.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Save 以 upsert 方式写入快照。
func (r *WorkflowRepository) Save(ctx context.Context, inst workflow.Instance) error {
	if inst.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	var proposal sql.NullString
	if inst.Proposal != nil {
		raw, err := json.Marshal(inst.Proposal)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化方案失败")
		}
		proposal = sql.NullString{String: string(raw), Valid: true}
	}
	const query = `INSERT INTO workflow_snapshots (` + snapshotColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), query = VALUES(query), proposal = VALUES(proposal),
raw_strategy = VALUES(raw_strategy), unsigned_tx_payload = VALUES(unsigned_tx_payload),
transaction_hash = VALUES(transaction_hash), last_error = VALUES(last_error),
error_code = VALUES(error_code), created_at = VALUES(created_at), updated_at = VALUES(updated_at)`
	_, err := r.db.ExecContext(ctx, query,
		inst.SessionID,
		string(inst.State),
		inst.Query,
		proposal,
		inst.RawStrategy,
		inst.UnsignedTxPayload,
		inst.TransactionHash,
		inst.LastError,
		inst.ErrorCode,
		toMillis(inst.CreatedAt),
		toMillis(inst.UpdatedAt),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存工作流快照失败")
	}
	return nil
}

// Get 读取单个会话的快照。
func (r *WorkflowRepository) Get(ctx context.Context, sessionID string) (workflow.Instance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM workflow_snapshots WHERE session_id = ?`, sessionID)
	inst, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return workflow.Instance{}, workflow.ErrSnapshotNotFound
		}
		return workflow.Instance{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流快照失败")
	}
	return inst, nil
}

// List 按更新时间倒序返回快照。
func (r *WorkflowRepository) List(ctx context.Context, limit int) ([]workflow.Instance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM workflow_snapshots ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流快照失败")
	}
	defer rows.Close()

	var out []workflow.Instance
	for rows.Next() {
		inst, err := scanSnapshot(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流快照失败")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流快照失败")
	}
	return out, nil
}

// Close 释放连接池。
func (r *WorkflowRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(s scanner) (workflow.Instance, error) {
	var (
		inst                    workflow.Instance
		state                   string
		proposal, raw, unsigned sql.NullString
		hash, lastErr, code     sql.NullString
		createdAt, updatedAt    int64
	)
	if err := s.Scan(&inst.SessionID, &state, &inst.Query, &proposal, &raw, &unsigned, &hash, &lastErr, &code, &createdAt, &updatedAt); err != nil {
		return workflow.Instance{}, err
	}
	inst.State = workflow.State(state)
	if proposal.Valid && proposal.String != "" {
		var p protocol.Proposal
		if err := json.Unmarshal([]byte(proposal.String), &p); err != nil {
			return workflow.Instance{}, fmt.Errorf("解析方案失败: %w", err)
		}
		inst.Proposal = &p
	}
	inst.RawStrategy = raw.String
	inst.UnsignedTxPayload = unsigned.String
	inst.TransactionHash = hash.String
	inst.LastError = lastErr.String
	inst.ErrorCode = code.String
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return inst, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
