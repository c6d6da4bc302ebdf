package llm

import "context"

// Request 描述一次策略生成所需的上下文。
type Request struct {
	Query      string
	SessionID  string
	MarketData map[string]any
	Risk       *RiskSummary
	Knowledge  []KnowledgeCard
}

// RiskSummary 是风险服务给出的评估摘要。
type RiskSummary struct {
	Score      float64
	Assessment string
}

// Response 是生成器的原始输出。
type Response struct {
	Text string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
