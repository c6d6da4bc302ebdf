// Package knowledge 提供注入到策略提示词中的协议知识卡片。
package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

// Provider 按用户问题和识别出的协议返回相关卡片，越相关越靠前。
type Provider interface {
	Query(query, protocol string) []Snippet
}

// Snippet 是一张协议知识卡片。Keywords 通常是协议名与代币名，Tags 是玩法分类。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// 排序权重：命中识别出的协议优先于问题里的普通词。
const (
	protocolWeight = 4
	keywordWeight  = 2
	tagWeight      = 1
)

type card struct {
	snippet  Snippet
	keywords []string
	tags     []string
}

func (c card) general() bool { return len(c.keywords) == 0 && len(c.tags) == 0 }

// score 返回卡片与查询的相关度，0 表示不相关。
func (c card) score(query, protocol string) int {
	total := 0
	for _, kw := range c.keywords {
		if protocol != "" && kw == protocol {
			total += protocolWeight
		}
		if strings.Contains(query, kw) {
			total += keywordWeight
		}
	}
	for _, tag := range c.tags {
		if protocol != "" && tag == protocol {
			total += protocolWeight
		}
		if strings.Contains(query, tag) {
			total += tagWeight
		}
	}
	return total
}

// StaticProvider 在内存中对固定卡片集合打分排序。
// 没有 Keywords 和 Tags 的卡片视为通用卡片，总是排在有命中的卡片之后。
type StaticProvider struct {
	cards []card
	limit int
}

// NewStaticProvider 创建静态知识库，limit 不大于 0 时取 3。
func NewStaticProvider(items []Snippet, limit int) *StaticProvider {
	if limit <= 0 {
		limit = 3
	}
	p := &StaticProvider{limit: limit, cards: make([]card, 0, len(items))}
	for _, item := range items {
		p.cards = append(p.cards, card{
			snippet:  item,
			keywords: normalize(item.Keywords),
			tags:     normalize(item.Tags),
		})
	}
	return p
}

// LoadStaticProvider 读取 YAML 或 JSON 格式的卡片列表。
func LoadStaticProvider(path string, limit int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "knowledge source path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "resolve knowledge source")
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read knowledge source",
			xerrors.WithMetadata("path", abs))
	}
	var items []Snippet
	decode := yaml.Unmarshal
	if strings.EqualFold(filepath.Ext(abs), ".json") {
		decode = json.Unmarshal
	}
	if err := decode(raw, &items); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "decode knowledge source",
			xerrors.WithMetadata("path", abs))
	}
	return NewStaticProvider(items, limit), nil
}

// Query 实现 Provider。
func (p *StaticProvider) Query(query, protocol string) []Snippet {
	if p == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))
	protocol = strings.ToLower(strings.TrimSpace(protocol))

	type ranked struct {
		card  card
		score int
	}
	var hits, general []ranked
	for _, c := range p.cards {
		if c.general() {
			general = append(general, ranked{card: c})
			continue
		}
		if s := c.score(query, protocol); s > 0 {
			hits = append(hits, ranked{card: c, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]Snippet, 0, p.limit)
	for _, r := range append(hits, general...) {
		if len(out) == p.limit {
			break
		}
		out = append(out, r.card.snippet)
	}
	return out
}

func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

var _ Provider = (*StaticProvider)(nil)
