package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssess(t *testing.T) {
	cases := []struct {
		name     string
		protocol string
		details  map[string]any
		score    float64
	}{
		{"marinade", "Marinade", nil, 0.2},
		{"kamino", "Kamino Lend", nil, 0.2},
		{"drift", "Drift", nil, 0.4},
		{"sonic new", "Sonic", map[string]any{"description": "A NEW farm"}, 0.7},
		{"sonic established", "Sonic", map[string]any{"description": "blue chip"}, 0.5},
		{"degen title", "Raydium", map[string]any{"title": "Degen LP"}, 0.9},
		{"unknown", "Orca", nil, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := Assess(tc.protocol, tc.details)
			assert.InDelta(t, tc.score, resp.RiskScore, 1e-9)
			assert.NotEmpty(t, resp.Assessment)
		})
	}
}
