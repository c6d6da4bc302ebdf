// Package risk 提供基于规则的协议风险评估服务。
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/pkg/logger"
)

// Service 按协议名与策略描述给出风险分。
type Service struct {
	name   string
	logger *slog.Logger
}

// New 创建服务。
func New(name string) *Service {
	return &Service{name: name, logger: logger.Named("risk")}
}

// Name 实现 agent.Service。
func (s *Service) Name() string { return s.name }

// Install 实现 agent.Service。
func (s *Service) Install(node *messaging.Node) {
	node.Handle(protocol.TypeRiskRequest, s.handle)
}

func (s *Service) handle(_ context.Context, req messaging.Envelope) (protocol.Message, error) {
	var in protocol.RiskRequest
	if err := req.Decode(&in); err != nil {
		return protocol.RiskResponse{Error: "invalid risk request"}, nil
	}
	resp := Assess(in.ProtocolName, in.StrategyDetails)
	s.logger.Info("完成风险评估",
		slog.String("sender", req.Sender),
		slog.String("protocol", in.ProtocolName),
		slog.Float64("score", resp.RiskScore),
	)
	return resp, nil
}

// Assess 是风险规则本身。
func Assess(protocolName string, details map[string]any) protocol.RiskResponse {
	description := strings.ToLower(detail(details, "description"))
	title := detail(details, "title")
	switch {
	case strings.Contains(protocolName, "Marinade") || strings.Contains(protocolName, "Kamino"):
		return protocol.RiskResponse{RiskScore: 0.2, Assessment: "Low risk: Established protocol with good track record."}
	case strings.Contains(protocolName, "Drift"):
		return protocol.RiskResponse{RiskScore: 0.4, Assessment: "Medium-low risk: Well-known derivatives platform."}
	case strings.Contains(protocolName, "Sonic") && strings.Contains(description, "new"):
		return protocol.RiskResponse{RiskScore: 0.7, Assessment: "Medium-high risk: Newer ecosystem, potential for higher volatility."}
	case strings.Contains(title, "Degen"):
		return protocol.RiskResponse{RiskScore: 0.9, Assessment: "High risk: Volatile assets and/or new protocols involved."}
	default:
		return protocol.RiskResponse{RiskScore: 0.5, Assessment: "Medium risk: General assessment based on protocol type."}
	}
}

func detail(details map[string]any, key string) string {
	v, ok := details[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
