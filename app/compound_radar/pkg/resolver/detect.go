package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/terms"
)

// Config 相似度阈值
type Config struct {
	GroupThreshold float64
	ValueThreshold float64
}

// Resolver 冲突检测与消解，无状态、可复现
type Resolver struct {
	groupThreshold float64
	valueThreshold float64
}

// New 创建 Resolver，阈值默认为 0.5 和 0.6
func New(cfg Config) *Resolver {
	if cfg.GroupThreshold <= 0 {
		cfg.GroupThreshold = 0.5
	}
	if cfg.ValueThreshold <= 0 {
		cfg.ValueThreshold = 0.6
	}
	return &Resolver{groupThreshold: cfg.GroupThreshold, valueThreshold: cfg.ValueThreshold}
}

type fieldGroup struct {
	seed    terms.Set
	field   string
	members []model.Snippet
}

type valueCluster struct {
	seed    terms.Set
	negated bool
	members []model.Snippet
}

// Detect 按声明字段聚合证据，并按取值拆分候选
func (r *Resolver) Detect(snippets []model.Snippet) []model.ClaimGroup {
	sorted := make([]model.Snippet, len(snippets))
	copy(sorted, snippets)
	sort.SliceStable(sorted, func(i, j int) bool { return stableKey(sorted[i]) < stableKey(sorted[j]) })

	var groups []*fieldGroup
	for _, sn := range sorted {
		ft := terms.KeyTerms(sn.Field)
		var target *fieldGroup
		for _, g := range groups {
			if terms.Jaccard(g.seed, ft) >= r.groupThreshold {
				target = g
				break
			}
		}
		if target == nil {
			target = &fieldGroup{seed: ft, field: sn.Field}
			groups = append(groups, target)
		}
		target.members = append(target.members, sn)
	}

	out := make([]model.ClaimGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, r.buildGroup(g))
	}
	return out
}

func (r *Resolver) buildGroup(g *fieldGroup) model.ClaimGroup {
	var clusters []*valueCluster
	for _, sn := range g.members {
		vt := terms.KeyTerms(sn.Value)
		neg := terms.Negated(sn.Value)
		var target *valueCluster
		for _, c := range clusters {
			if c.negated == neg && terms.Jaccard(c.seed, vt) >= r.valueThreshold {
				target = c
				break
			}
		}
		if target == nil {
			target = &valueCluster{seed: vt, negated: neg}
			clusters = append(clusters, target)
		}
		target.members = append(target.members, sn)
	}

	ids := make([]string, 0, len(g.members))
	for _, sn := range g.members {
		ids = append(ids, sn.ID)
	}

	cands := make([]model.Candidate, 0, len(clusters))
	for _, c := range clusters {
		cands = append(cands, toCandidate(c))
	}
	sortCandidates(cands)

	cg := model.ClaimGroup{
		ID:         groupID(ids),
		Field:      g.field,
		SnippetIDs: ids,
		Agreement:  len(cands) == 1,
		Conflict:   model.ConflictNone,
		Candidates: cands,
	}
	if len(g.members) > 0 {
		cg.ReportID = g.members[0].ReportID
		cg.CategoryID = g.members[0].CategoryID
	}
	if !cg.Agreement {
		cg.Conflict = classifyConflict(clusters)
	}
	return cg
}

func toCandidate(c *valueCluster) model.Candidate {
	cand := model.Candidate{Count: len(c.members)}
	best := -1.0
	for _, sn := range c.members {
		cand.Weight += sn.Authority
		cand.SnippetIDs = append(cand.SnippetIDs, sn.ID)
		if sn.Authority > best {
			best = sn.Authority
			cand.Value = sn.Value
		}
	}
	return cand
}

func sortCandidates(cands []model.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if !nearlyEqual(cands[i].Weight, cands[j].Weight) {
			return cands[i].Weight > cands[j].Weight
		}
		if cands[i].Count != cands[j].Count {
			return cands[i].Count > cands[j].Count
		}
		return cands[i].Value < cands[j].Value
	})
}

func classifyConflict(clusters []*valueCluster) model.ConflictType {
	if datesDisjoint(clusters) {
		return model.ConflictTemporal
	}
	if basesDiffer(clusters) {
		return model.ConflictMethodological
	}
	return model.ConflictFactual
}

// datesDisjoint 所有证据都有日期，且各候选的日期区间互不重叠
func datesDisjoint(clusters []*valueCluster) bool {
	type span struct{ lo, hi int64 }
	spans := make([]span, 0, len(clusters))
	for _, c := range clusters {
		s := span{lo: math.MaxInt64, hi: math.MinInt64}
		for _, sn := range c.members {
			if sn.PublishedAt == nil {
				return false
			}
			u := sn.PublishedAt.Unix()
			s.lo = min(s.lo, u)
			s.hi = max(s.hi, u)
		}
		spans = append(spans, s)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	for i := 1; i < len(spans); i++ {
		if spans[i].lo <= spans[i-1].hi {
			return false
		}
	}
	return true
}

// basesDiffer 每个候选都有测量依据，且不同候选之间没有共同依据
func basesDiffer(clusters []*valueCluster) bool {
	owner := make(map[string]int)
	for i, c := range clusters {
		has := false
		for _, sn := range c.members {
			b := strings.ToLower(strings.TrimSpace(sn.Basis))
			if b == "" {
				continue
			}
			has = true
			if j, ok := owner[b]; ok && j != i {
				return false
			}
			owner[b] = i
		}
		if !has {
			return false
		}
	}
	return true
}

func stableKey(sn model.Snippet) string {
	return strings.Join([]string{
		strings.ToLower(sn.Field), strings.ToLower(sn.Value), sn.ProviderID, sn.SourceURL, sn.ID,
	}, "\x00")
}

func groupID(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:8])
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
