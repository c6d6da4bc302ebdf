// Package strategy 调用生成器为用户问题产出策略方案。
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MartianFinance/core/internal/knowledge"
	"github.com/MartianFinance/core/internal/llm"
	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/internal/workflow"
	"github.com/MartianFinance/core/pkg/logger"
)

// Service 把生成器的原始输出作为 strategyDescription 返回，由工作流负责解析。
type Service struct {
	name      string
	generator llm.Client
	knowledge knowledge.Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithKnowledge 配置知识库。
func WithKnowledge(p knowledge.Provider) Option {
	return func(s *Service) { s.knowledge = p }
}

// WithTimeout 限制单次生成的耗时。
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// New 创建服务。
func New(name string, generator llm.Client, opts ...Option) *Service {
	s := &Service{name: name, generator: generator, logger: logger.Named("strategy")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Name 实现 agent.Service。
func (s *Service) Name() string { return s.name }

// Install 实现 agent.Service。
func (s *Service) Install(node *messaging.Node) {
	node.Handle(protocol.TypeStrategyRequest, s.handle)
}

func (s *Service) handle(ctx context.Context, req messaging.Envelope) (protocol.Message, error) {
	var in protocol.StrategyRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	s.logger.Info("收到策略请求", slog.String("sender", req.Sender), slog.String("session_id", in.SessionID))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	resp, err := s.generator.Generate(ctx, s.buildRequest(in))
	if err != nil {
		return nil, fmt.Errorf("generate strategy: %w", err)
	}
	return protocol.StrategyResponse{StrategyDescription: resp.Text, SessionID: in.SessionID}, nil
}

func (s *Service) buildRequest(in protocol.StrategyRequest) llm.Request {
	req := llm.Request{Query: in.UserQuery, SessionID: in.SessionID, MarketData: in.MarketData}
	if in.Risk != nil {
		req.Risk = &llm.RiskSummary{Score: in.Risk.RiskScore, Assessment: in.Risk.Assessment}
	}
	if s.knowledge != nil {
		for _, snippet := range s.knowledge.Query(in.UserQuery, workflow.DetectProtocol(in.UserQuery)) {
			req.Knowledge = append(req.Knowledge, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
		}
	}
	return req
}
