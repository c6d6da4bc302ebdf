// Package execution 把执行请求转交给链上交易后端。
package execution

import (
	"context"
	"log/slog"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/onchain"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/pkg/logger"
)

// Backend 是交易后端的最小接口。
type Backend interface {
	BuildTransaction(ctx context.Context, req onchain.BuildRequest) (string, error)
	SendSignedTransaction(ctx context.Context, req onchain.SendRequest) (string, error)
}

// Service 处理 ExecuteStrategy 与 SubmitSignedTransaction。
type Service struct {
	name    string
	backend Backend
	logger  *slog.Logger
}

// New 创建服务。
func New(name string, backend Backend) *Service {
	return &Service{name: name, backend: backend, logger: logger.Named("execution")}
}

// Name 实现 agent.Service。
func (s *Service) Name() string { return s.name }

// Install 实现 agent.Service。
func (s *Service) Install(node *messaging.Node) {
	node.Handle(protocol.TypeExecuteStrategy, s.build)
	node.Handle(protocol.TypeSubmitSignedTransaction, s.submit)
}

func (s *Service) build(ctx context.Context, req messaging.Envelope) (protocol.Message, error) {
	var in protocol.ExecuteStrategy
	if err := req.Decode(&in); err != nil {
		return protocol.ExecutionResult{Error: "invalid execution request"}, nil
	}
	s.logger.Info("构建交易", slog.String("strategy_id", in.StrategyID))
	payload, err := s.backend.BuildTransaction(ctx, onchain.BuildRequest{
		StrategyID:          in.StrategyID,
		StrategyDescription: in.Strategy,
		FeePayer:            in.FeePayer,
	})
	if err != nil {
		s.logger.Error("构建交易失败", slog.String("strategy_id", in.StrategyID), slog.Any("error", err))
		return failure("transaction build failed", err), nil
	}
	return protocol.ExecutionResult{Success: true, UnsignedTxPayload: payload}, nil
}

func (s *Service) submit(ctx context.Context, req messaging.Envelope) (protocol.Message, error) {
	var in protocol.SubmitSignedTransaction
	if err := req.Decode(&in); err != nil {
		return protocol.ExecutionResult{Error: "invalid submit request"}, nil
	}
	s.logger.Info("提交已签名交易", slog.String("strategy_id", in.StrategyID))
	hash, err := s.backend.SendSignedTransaction(ctx, onchain.SendRequest{
		SignedTxPayload: in.SignedTxPayload,
		StrategyID:      in.StrategyID,
	})
	if err != nil {
		s.logger.Error("提交交易失败", slog.String("strategy_id", in.StrategyID), slog.Any("error", err))
		return failure("transaction submission failed", err), nil
	}
	return protocol.ExecutionResult{Success: true, TransactionHash: hash}, nil
}

func failure(action string, err error) protocol.ExecutionResult {
	return protocol.ExecutionResult{
		Error:     action + ": " + err.Error(),
		ErrorCode: string(xerrors.CodeOf(err)),
	}
}
