package pipeline

import (
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

// Confidence 按成员数加权的平均置信度，unresolved 计为 0
func Confidence(groups []model.ClaimGroup) float64 {
	total, sum := 0, 0.0
	for _, g := range groups {
		n := len(g.SnippetIDs)
		total += n
		if g.Status == model.Resolved {
			sum += g.Confidence * float64(n)
		}
	}
	if total == 0 {
		return 0
	}
	return sum / float64(total)
}

// DataQuality 0.5 * provider 覆盖率 + 0.3 * 已消解占比 + 0.2 * 平均归一化权威度
func DataQuality(providers []string, snippets []model.Snippet, groups []model.ClaimGroup, maxWeight float64) float64 {
	coverage := 0.0
	if len(providers) > 0 {
		contributed := make(map[string]bool)
		for _, sn := range snippets {
			contributed[sn.ProviderID] = true
		}
		hit := 0
		for _, p := range uniqueStrings(providers) {
			if contributed[p] {
				hit++
			}
		}
		coverage = float64(hit) / float64(len(uniqueStrings(providers)))
	}

	resolvedShare := 0.0
	if len(groups) > 0 {
		n := 0
		for _, g := range groups {
			if g.Status == model.Resolved {
				n++
			}
		}
		resolvedShare = float64(n) / float64(len(groups))
	}

	authority := 0.0
	if len(snippets) > 0 && maxWeight > 0 {
		for _, sn := range snippets {
			authority += sn.Authority / maxWeight
		}
		authority /= float64(len(snippets))
	}
	return 0.5*coverage + 0.3*resolvedShare + 0.2*authority
}

// attributions 已消解组取胜出候选的证据，未消解组保留全部候选证据
func attributions(groups []model.ClaimGroup, snippets []model.Snippet) []model.SourceAttribution {
	index := make(map[string]model.Snippet, len(snippets))
	for _, sn := range snippets {
		index[sn.ID] = sn
	}
	var out []model.SourceAttribution
	seen := make(map[string]bool)
	add := func(ids []string) {
		for _, id := range ids {
			sn, ok := index[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, model.SourceAttribution{SnippetID: id, ProviderID: sn.ProviderID, URL: sn.SourceURL, Tier: sn.Tier})
		}
	}
	for _, g := range groups {
		for _, c := range g.Candidates {
			if g.Status == model.Unresolved || c.Value == g.Value {
				add(c.SnippetIDs)
			}
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
