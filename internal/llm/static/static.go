// Package static 提供不依赖外部模型的确定性策略生成器，用于离线运行与测试。
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MartianFinance/core/internal/llm"
)

// Generator 总是给出 Marinade 质押方案。
type Generator struct {
	newID func() string
}

// Option 定义可选配置。
type Option func(*Generator)

// WithIDFunc 替换方案 ID 的生成方式。
func WithIDFunc(fn func() string) Option {
	return func(g *Generator) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// New 创建静态生成器。
func New(opts ...Option) *Generator {
	g := &Generator{newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

type proposal struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Protocol    string   `json:"protocol"`
	ExpectedAPY string   `json:"expectedApy"`
	RiskScore   float64  `json:"riskScore"`
	Steps       []string `json:"steps"`
}

// Generate 实现 llm.Client。
func (g *Generator) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	risk := 0.2
	if req.Risk != nil && req.Risk.Score > 0 {
		risk = req.Risk.Score
	}
	query := strings.TrimSpace(req.Query)
	p := proposal{
		Type:  "strategy_proposal",
		ID:    g.newID(),
		Title: "Liquid staking with Marinade",
		Description: fmt.Sprintf("Based on your request %q, stake SOL with Marinade Finance to receive mSOL "+
			"and earn staking rewards while keeping liquidity.", query),
		Protocol:    "Marinade",
		ExpectedAPY: "7.2%",
		RiskScore:   risk,
		Steps: []string{
			"Deposit SOL into the Marinade stake pool",
			"Receive mSOL in your wallet",
			"Hold or use mSOL in other DeFi protocols",
		},
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: string(raw)}, nil
}

var _ llm.Client = (*Generator)(nil)
