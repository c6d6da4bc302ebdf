package workflow

import "strings"

// DefaultProtocol 在查询未点名任何协议时用于风险评估。
const DefaultProtocol = "Marinade"

var knownProtocols = []string{"Marinade", "Kamino", "Drift", "Sonic", "Jito", "Solend", "Raydium", "Orca"}

// DetectProtocol 从用户问题中找出第一个提到的协议名。
func DetectProtocol(query string) string {
	lower := strings.ToLower(query)
	best, bestIdx := "", -1
	for _, name := range knownProtocols {
		idx := strings.Index(lower, strings.ToLower(name))
		if idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			best, bestIdx = name, idx
		}
	}
	if best == "" {
		return DefaultProtocol
	}
	return best
}
