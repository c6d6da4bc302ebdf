package protocol

import (
	"encoding/json"
	"strings"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

const CodeGenerationParse xerrors.Code = "GENERATION_PARSE_ERROR"

// ErrGenerationParse 表示生成器输出无法解析为合法方案。
var ErrGenerationParse = xerrors.New(CodeGenerationParse, "generator output is not a valid proposal")

func init() {
	xerrors.Register(CodeGenerationParse, xerrors.Attributes{
		Message:       "generator output is not a valid proposal",
		ClientMessage: "Could not produce a strategy at this time.",
		Severity:      xerrors.SeverityWarning,
	})
}

// Proposal 是策略生成器产出的结构化方案。
type Proposal struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Protocol    string   `json:"protocol,omitempty"`
	ExpectedAPY string   `json:"expectedApy,omitempty"`
	RiskScore   float64  `json:"riskScore,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

// ParseProposal 解析生成器文本，允许外层包裹 markdown 代码块。
func ParseProposal(text string) (*Proposal, error) {
	body := stripCodeFence(strings.TrimSpace(text))
	if body == "" {
		return nil, xerrors.New(CodeGenerationParse, "empty generator output")
	}
	var p Proposal
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, xerrors.Wrap(CodeGenerationParse, err, "generator output is not JSON")
	}
	if p.Type == "" {
		p.Type = ResponseStrategyProposal
	}
	if p.Type != ResponseStrategyProposal {
		return nil, xerrors.New(CodeGenerationParse, "unexpected proposal type "+p.Type)
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Description) == "" {
		return nil, xerrors.New(CodeGenerationParse, "proposal is missing id or description")
	}
	return &p, nil
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
