package mitre

import (
	"sort"
	"strings"

	"attackmatrix/core"
)

// KillChainOrder is the column order of the enterprise matrix
var KillChainOrder = []string{
	"initial-access",
	"execution",
	"persistence",
	"privilege-escalation",
	"defense-evasion",
	"credential-access",
	"discovery",
	"lateral-movement",
	"collection",
	"command-and-control",
	"exfiltration",
	"impact",
}

var killChainRank = func() map[string]int {
	m := make(map[string]int, len(KillChainOrder))
	for i, slug := range KillChainOrder {
		m[slug] = i
	}
	return m
}()

// KillChainRank returns the position of slug in the kill chain, or len(KillChainOrder)
// for slugs outside it
func KillChainRank(slug string) int {
	if rank, ok := killChainRank[strings.ToLower(slug)]; ok {
		return rank
	}
	return len(KillChainOrder)
}

// SortTacticsByKillChain returns a copy of tactics ordered by kill chain. Tactics
// with unknown slugs keep their input order after the known ones.
func SortTacticsByKillChain(tactics []core.Tactic) []core.Tactic {
	sorted := make([]core.Tactic, len(tactics))
	copy(sorted, tactics)
	sort.SliceStable(sorted, func(i, j int) bool {
		return KillChainRank(sorted[i].ShortName) < KillChainRank(sorted[j].ShortName)
	})
	return sorted
}

// TacticColor returns the display color for a tactic slug
func TacticColor(shortName string) string {
	colors := map[string]string{
		"reconnaissance":       "#8B4789",
		"resource-development": "#6B5B93",
		"initial-access":       "#5F7A8B",
		"execution":            "#4F8A8B",
		"persistence":          "#458B74",
		"privilege-escalation": "#8B7355",
		"defense-evasion":      "#8B5A3C",
		"credential-access":    "#8B4726",
		"discovery":            "#8B6914",
		"lateral-movement":     "#6E8B3D",
		"collection":           "#548B54",
		"command-and-control":  "#2F8B87",
		"exfiltration":         "#36648B",
		"impact":               "#5D478B",
	}
	color, ok := colors[strings.ToLower(shortName)]
	if !ok {
		return "#888888"
	}
	return color
}
