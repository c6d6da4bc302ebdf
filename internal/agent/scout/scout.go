// Package scout 提供市场数据服务。
package scout

import (
	"context"
	"log/slog"
	"time"

	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/pkg/logger"
)

// MarketSource 提供实时市场数据。
type MarketSource interface {
	MarketData(ctx context.Context) (map[string]any, error)
}

// Service 返回模拟快照，并合并后端提供的实时收益数据。
type Service struct {
	name   string
	source MarketSource
	now    func() time.Time
	logger *slog.Logger
}

// New 创建服务。source 可以为空。
func New(name string, source MarketSource) *Service {
	return &Service{name: name, source: source, now: time.Now, logger: logger.Named("scout")}
}

// Name 实现 agent.Service。
func (s *Service) Name() string { return s.name }

// Install 实现 agent.Service。
func (s *Service) Install(node *messaging.Node) {
	node.Handle(protocol.TypeScoutRequest, s.handle)
}

func (s *Service) handle(ctx context.Context, req messaging.Envelope) (protocol.Message, error) {
	var in protocol.ScoutRequest
	if err := req.Decode(&in); err != nil {
		return protocol.ScoutResponse{Error: "invalid scout request"}, nil
	}
	s.logger.Info("收到市场数据请求", slog.String("sender", req.Sender), slog.String("query", in.Query))
	return protocol.ScoutResponse{Data: s.Snapshot(ctx)}, nil
}

// Snapshot 构造市场快照。实时数据获取失败时只记录日志。
func (s *Service) Snapshot(ctx context.Context) map[string]any {
	opportunities := map[string]any{
		"kamino_usdc_apy":      "12.5%",
		"drift_stablecoin_apy": "11.2%",
		"sonic_usdc_sol_apy":   "16.8%",
	}
	if s.source != nil {
		live, err := s.source.MarketData(ctx)
		if err != nil {
			s.logger.Error("获取实时市场数据失败", slog.Any("error", err))
		}
		for k, v := range live {
			opportunities[k] = v
		}
	}
	return map[string]any{
		"timestamp":     s.now().Unix(),
		"opportunities": opportunities,
		"network_health": map[string]any{
			"solana_congestion": "moderate",
			"solana_tps":        2500,
			"sonic_congestion":  "low",
		},
		"prices": map[string]any{
			"SOL":  150.00,
			"USDC": 1.00,
			"USDT": 1.00,
		},
	}
}
