package resolver

import (
	"math"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

// rigorRank 数值越小方法学越严谨
var rigorRank = map[model.SourceTier]int{
	model.TierPeerReviewed: 0,
	model.TierGovernment:   1,
	model.TierPaidAPI:      2,
	model.TierIndustryDB:   3,
	model.TierCompany:      4,
	model.TierNews:         5,
	model.TierUnclassified: 6,
}

// DefaultStrategy 按冲突类型选择消解策略
func DefaultStrategy(c model.ConflictType) model.Strategy {
	switch c {
	case model.ConflictFactual:
		return model.StrategyCredibilityWeighted
	case model.ConflictTemporal:
		return model.StrategyTemporalPrecedence
	case model.ConflictMethodological:
		return model.StrategyMethodologicalRigor
	}
	return model.StrategyConsensus
}

// ResolveAll 检测并消解一组证据
func (r *Resolver) ResolveAll(snippets []model.Snippet, override model.Strategy) []model.ClaimGroup {
	index := make(map[string]model.Snippet, len(snippets))
	for _, sn := range snippets {
		index[sn.ID] = sn
	}
	groups := r.Detect(snippets)
	for i := range groups {
		groups[i] = r.Resolve(groups[i], index, override)
	}
	return groups
}

// Resolve 对单个声明组给出 resolved 或 unresolved 结论
func (r *Resolver) Resolve(g model.ClaimGroup, snippets map[string]model.Snippet, override model.Strategy) model.ClaimGroup {
	out := g
	out.Candidates = make([]model.Candidate, len(g.Candidates))
	copy(out.Candidates, g.Candidates)

	strategy := override
	if strategy == model.StrategyAuto {
		strategy = DefaultStrategy(g.Conflict)
	}

	res := r.apply(strategy, out.Candidates, snippets)
	out.Strategy = res.strategy
	out.Confidence = clamp(res.confidence)
	if res.winner < 0 {
		out.Status = model.Unresolved
		out.Value = ""
		out.Confidence = 0
		return out
	}
	out.Status = model.Resolved
	out.Value = out.Candidates[res.winner].Value
	return out
}

type resolution struct {
	strategy   model.Strategy
	winner     int
	confidence float64
}

func (r *Resolver) apply(s model.Strategy, cands []model.Candidate, snippets map[string]model.Snippet) resolution {
	switch s {
	case model.StrategyCredibilityWeighted:
		return credibilityWeighted(cands, snippets)
	case model.StrategyTemporalPrecedence:
		return temporalPrecedence(cands, snippets)
	case model.StrategyMethodologicalRigor:
		return methodologicalRigor(cands, snippets)
	}
	return consensus(cands)
}

// credibilityWeighted 权重最高的候选胜出，置信度为其权重占比
func credibilityWeighted(cands []model.Candidate, snippets map[string]model.Snippet) resolution {
	total := 0.0
	for _, c := range cands {
		total += c.Weight
	}
	if total <= 0 || singleTier(cands, snippets) {
		return consensus(cands)
	}
	best, second := -1, -1
	for i, c := range cands {
		switch {
		case best < 0 || c.Weight > cands[best].Weight:
			best, second = i, best
		case second < 0 || c.Weight > cands[second].Weight:
			second = i
		}
	}
	if second >= 0 && nearlyEqual(cands[best].Weight, cands[second].Weight) {
		return consensus(cands)
	}
	return resolution{
		strategy:   model.StrategyCredibilityWeighted,
		winner:     best,
		confidence: cands[best].Weight / total,
	}
}

// temporalPrecedence 最新发布日期所在候选胜出
func temporalPrecedence(cands []model.Candidate, snippets map[string]model.Snippet) resolution {
	winner := -1
	var latest int64
	tie := false
	for i, c := range cands {
		for _, id := range c.SnippetIDs {
			sn, ok := snippets[id]
			if !ok || sn.PublishedAt == nil {
				continue
			}
			u := sn.PublishedAt.Unix()
			switch {
			case winner < 0 || u > latest:
				winner, latest, tie = i, u, false
			case u == latest && winner != i:
				tie = true
			}
		}
	}
	if winner < 0 || tie {
		return credibilityWeighted(cands, snippets)
	}
	return resolution{
		strategy:   model.StrategyTemporalPrecedence,
		winner:     winner,
		confidence: share(cands, winner),
	}
}

// methodologicalRigor 来源方法学最严谨的候选胜出
func methodologicalRigor(cands []model.Candidate, snippets map[string]model.Snippet) resolution {
	winner, bestRank := -1, math.MaxInt
	tie := false
	for i, c := range cands {
		rank := math.MaxInt
		for _, id := range c.SnippetIDs {
			if sn, ok := snippets[id]; ok {
				rank = min(rank, tierRank(sn.Tier))
			}
		}
		switch {
		case rank < bestRank:
			winner, bestRank, tie = i, rank, false
		case rank == bestRank:
			tie = true
		}
	}
	if winner < 0 || tie || bestRank == math.MaxInt {
		return credibilityWeighted(cands, snippets)
	}
	return resolution{
		strategy:   model.StrategyMethodologicalRigor,
		winner:     winner,
		confidence: share(cands, winner),
	}
}

// consensus 成员数唯一最多的候选胜出，否则 unresolved
func consensus(cands []model.Candidate) resolution {
	total, best, bestCount := 0, -1, 0
	tie := false
	for i, c := range cands {
		total += c.Count
		switch {
		case c.Count > bestCount:
			best, bestCount, tie = i, c.Count, false
		case c.Count == bestCount:
			tie = true
		}
	}
	if best < 0 || tie || total == 0 {
		return resolution{strategy: model.StrategyConsensus, winner: -1}
	}
	return resolution{
		strategy:   model.StrategyConsensus,
		winner:     best,
		confidence: float64(bestCount) / float64(total),
	}
}

func singleTier(cands []model.Candidate, snippets map[string]model.Snippet) bool {
	var first model.SourceTier
	seen := false
	for _, c := range cands {
		for _, id := range c.SnippetIDs {
			sn, ok := snippets[id]
			if !ok {
				continue
			}
			if !seen {
				first, seen = sn.Tier, true
				continue
			}
			if sn.Tier != first {
				return false
			}
		}
	}
	return true
}

func share(cands []model.Candidate, i int) float64 {
	total := 0.0
	for _, c := range cands {
		total += c.Weight
	}
	if total > 0 {
		return cands[i].Weight / total
	}
	count := 0
	for _, c := range cands {
		count += c.Count
	}
	if count == 0 {
		return 0
	}
	return float64(cands[i].Count) / float64(count)
}

func tierRank(t model.SourceTier) int {
	if r, ok := rigorRank[t]; ok {
		return r
	}
	return rigorRank[model.TierUnclassified]
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
