package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

func titles(snippets []Snippet) []string {
	out := make([]string, 0, len(snippets))
	for _, s := range snippets {
		out = append(out, s.Title)
	}
	return out
}

func TestBuiltinQueryMatchesKeywordsAndTags(t *testing.T) {
	p := NewStaticProvider(Builtin(), 2)

	got := p.Query("stake my SOL", "Marinade")
	if len(got) != 2 || got[0].Title != "Marinade Finance" || got[1].Title != "Jito" {
		t.Fatalf("unexpected snippets: %v", titles(got))
	}
	if got := p.Query("lend USDC", ""); len(got) != 1 || got[0].Title != "Kamino Finance" {
		t.Fatalf("unexpected lending snippets: %v", titles(got))
	}
	if got := p.Query("hello", ""); len(got) != 0 {
		t.Fatalf("expected no snippets, got %v", titles(got))
	}
}

func TestDetectedProtocolOutranksQueryWords(t *testing.T) {
	p := NewStaticProvider(Builtin(), 3)

	// 问题里的 stake 同时命中 Marinade 与 Jito，识别出的协议决定先后。
	got := p.Query("best way to stake sol with mev", "Jito")
	if len(got) != 2 || got[0].Title != "Jito" {
		t.Fatalf("expected Jito first, got %v", titles(got))
	}

	// 问题只提到借贷，识别出的 Drift 仍排在前面。
	got = p.Query("lend usdc", "Drift")
	if len(got) != 2 || got[0].Title != "Drift Protocol" || got[1].Title != "Kamino Finance" {
		t.Fatalf("expected Drift then Kamino, got %v", titles(got))
	}
}

func TestGeneralCardsFollowRankedHits(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "General", Content: "always shown"},
		{Title: "Staking", Tags: []string{"stake"}},
	}, 5)

	got := p.Query("stake", "")
	if len(got) != 2 || got[0].Title != "Staking" || got[1].Title != "General" {
		t.Fatalf("unexpected order: %v", titles(got))
	}
	if got := NewStaticProvider(nil, 0).Query("stake", ""); len(got) != 0 {
		t.Fatalf("expected empty result, got %v", titles(got))
	}
}

func TestLoadStaticProvider(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "cards.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"General","content":"always shown"}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadStaticProvider(jsonPath, 0)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if got := p.Query("anything", ""); len(got) != 1 {
		t.Fatalf("expected catch-all snippet, got %v", titles(got))
	}

	yamlPath := filepath.Join(dir, "cards.yaml")
	content := []byte(`
- title: Orca
  content: Concentrated liquidity pools.
  keywords: [orca]
  tags: [swap]
`)
	if err := os.WriteFile(yamlPath, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err = LoadStaticProvider(yamlPath, 1)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if got := p.Query("swap on orca", ""); len(got) != 1 || got[0].Title != "Orca" {
		t.Fatalf("unexpected yaml snippets: %v", titles(got))
	}

	if _, err := LoadStaticProvider("", 1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty path, got %v", err)
	}
	if _, err := LoadStaticProvider(filepath.Join(dir, "missing.json"), 1); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
