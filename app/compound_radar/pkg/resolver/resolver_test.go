package resolver

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

func snip(id, field, value string, tier model.SourceTier, weight float64) model.Snippet {
	return model.Snippet{
		ID: id, ReportID: "r1", CategoryID: "safety", ProviderID: "p-" + id,
		Field: field, Value: value, Tier: tier, Authority: weight,
	}
}

func dated(s model.Snippet, day string) model.Snippet {
	t, _ := time.Parse(time.DateOnly, day)
	s.PublishedAt = &t
	return s
}

func TestAspirinSafetyScenario(t *testing.T) {
	snippets := []model.Snippet{
		snip("g1", "contraindication", "contraindicated in X", model.TierGovernment, 8),
		snip("g2", "contraindications", "contraindicated in X", model.TierGovernment, 8),
		snip("n1", "contraindication", "no contraindication", model.TierNews, 1),
	}
	groups := New(Config{}).ResolveAll(snippets, model.StrategyAuto)
	require.Len(t, groups, 1)

	g := groups[0]
	assert.False(t, g.Agreement)
	assert.Equal(t, model.ConflictFactual, g.Conflict)
	assert.Equal(t, model.StrategyCredibilityWeighted, g.Strategy)
	assert.Equal(t, model.Resolved, g.Status)
	assert.Equal(t, "contraindicated in X", g.Value)
	assert.InDelta(t, 16.0/17.0, g.Confidence, 1e-9)
	assert.InDelta(t, 0.94, g.Confidence, 0.01)
	require.Len(t, g.Candidates, 2)
	assert.Equal(t, "no contraindication", g.Candidates[1].Value)
}

func TestConsensusAgreement(t *testing.T) {
	snippets := []model.Snippet{
		snip("a", "half-life", "15 minutes", model.TierPeerReviewed, 6),
		snip("b", "half life", "15 minutes", model.TierNews, 1),
		snip("c", "half-life", "15 minutes", model.TierIndustryDB, 4),
	}
	groups := New(Config{}).ResolveAll(snippets, model.StrategyAuto)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].Agreement)
	assert.Equal(t, model.ConflictNone, groups[0].Conflict)
	assert.Equal(t, model.StrategyConsensus, groups[0].Strategy)
	assert.Equal(t, 1.0, groups[0].Confidence)
	assert.Equal(t, "15 minutes", groups[0].Value)
}

func TestUnresolvedTwoWayTie(t *testing.T) {
	snippets := []model.Snippet{
		snip("a", "approval status", "approved for OTC use", model.TierGovernment, 8),
		snip("b", "approval status", "prescription only", model.TierGovernment, 8),
	}
	groups := New(Config{}).ResolveAll(snippets, model.StrategyAuto)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, model.Unresolved, g.Status)
	assert.Equal(t, 0.0, g.Confidence)
	assert.Empty(t, g.Value)
	assert.Len(t, g.Candidates, 2)
	assert.Equal(t, model.StrategyConsensus, g.Strategy)
}

func TestCredibilityWeighted_EvenThreeWaySplit(t *testing.T) {
	snippets := []model.Snippet{
		snip("a", "dose", "81 mg", model.TierGovernment, 8),
		snip("b", "dose", "325 mg", model.TierPeerReviewed, 6),
		snip("c", "dose", "500 mg", model.TierIndustryDB, 4),
	}
	g := New(Config{}).ResolveAll(snippets, model.StrategyAuto)[0]
	assert.Equal(t, model.StrategyCredibilityWeighted, g.Strategy)
	assert.Equal(t, "81 mg", g.Value)
	assert.InDelta(t, 8.0/18.0, g.Confidence, 1e-9)
}

func TestNegationSplitsValues(t *testing.T) {
	snippets := []model.Snippet{
		snip("a", "pregnancy", "safe in pregnancy", model.TierGovernment, 8),
		snip("b", "pregnancy", "not safe in pregnancy", model.TierNews, 1),
	}
	g := New(Config{}).ResolveAll(snippets, model.StrategyAuto)[0]
	assert.Len(t, g.Candidates, 2)
	assert.Equal(t, "safe in pregnancy", g.Value)
}

func TestTemporalConflict(t *testing.T) {
	snippets := []model.Snippet{
		dated(snip("old", "trial phase", "phase 2", model.TierPeerReviewed, 6), "2019-01-01"),
		dated(snip("old2", "trial phase", "phase 2", model.TierGovernment, 8), "2019-06-01"),
		dated(snip("new", "trial phase", "phase 3", model.TierNews, 1), "2024-03-01"),
	}
	g := New(Config{}).ResolveAll(snippets, model.StrategyAuto)[0]
	assert.Equal(t, model.ConflictTemporal, g.Conflict)
	assert.Equal(t, model.StrategyTemporalPrecedence, g.Strategy)
	assert.Equal(t, "phase 3", g.Value)
	assert.InDelta(t, 1.0/15.0, g.Confidence, 1e-9)
}

func TestMethodologicalConflict(t *testing.T) {
	a := snip("a", "bioavailability", "68%", model.TierCompany, 2)
	a.Basis = "press release"
	b := snip("b", "bioavailability", "50%", model.TierPeerReviewed, 6)
	b.Basis = "randomized trial"
	g := New(Config{}).ResolveAll([]model.Snippet{a, b}, model.StrategyAuto)[0]
	assert.Equal(t, model.ConflictMethodological, g.Conflict)
	assert.Equal(t, model.StrategyMethodologicalRigor, g.Strategy)
	assert.Equal(t, "50%", g.Value)
	assert.InDelta(t, 0.75, g.Confidence, 1e-9)
}

func TestRigorTieFallsBackToCredibility(t *testing.T) {
	snippets := []model.Snippet{
		snip("a", "dose", "81 mg", model.TierGovernment, 8),
		snip("b", "dose", "325 mg", model.TierGovernment, 4),
	}
	g := New(Config{}).ResolveAll(snippets, model.StrategyMethodologicalRigor)[0]
	// 同一等级时 credibility-weighted 再退回 consensus，1:1 无法判定
	assert.Equal(t, model.Unresolved, g.Status)
	assert.Equal(t, model.StrategyConsensus, g.Strategy)
}

func TestOverrideStrategy(t *testing.T) {
	snippets := []model.Snippet{
		snip("a", "status", "approved", model.TierNews, 1),
		snip("b", "status", "approved", model.TierNews, 1),
		snip("c", "status", "under review", model.TierGovernment, 8),
	}
	r := New(Config{})
	auto := r.ResolveAll(snippets, model.StrategyAuto)[0]
	assert.Equal(t, "under review", auto.Value)

	forced := r.ResolveAll(snippets, model.StrategyConsensus)[0]
	assert.Equal(t, "approved", forced.Value)
	assert.InDelta(t, 2.0/3.0, forced.Confidence, 1e-9)
}

func TestSeparateFieldsFormSeparateGroups(t *testing.T) {
	snippets := []model.Snippet{
		snip("a", "maximum daily dose", "4 g", model.TierGovernment, 8),
		snip("b", "renal impairment", "avoid if GFR < 10", model.TierGovernment, 8),
		snip("c", "max daily dose", "4 g", model.TierNews, 1),
	}
	groups := New(Config{}).ResolveAll(snippets, model.StrategyAuto)
	assert.Len(t, groups, 2)
	for _, g := range groups {
		assert.Contains(t, []model.ResolutionStatus{model.Resolved, model.Unresolved}, g.Status)
		assert.GreaterOrEqual(t, g.Confidence, 0.0)
		assert.LessOrEqual(t, g.Confidence, 1.0)
	}
}

func TestDeterministicUnderReordering(t *testing.T) {
	var snippets []model.Snippet
	tiers := []model.SourceTier{model.TierGovernment, model.TierNews, model.TierPeerReviewed, model.TierCompany}
	for i := 0; i < 20; i++ {
		field := []string{"max dose", "half-life", "pregnancy risk"}[i%3]
		value := []string{"4 g", "2 g", "15 minutes", "unknown"}[i%4]
		snippets = append(snippets, snip(fmt.Sprintf("s%02d", i), field, value, tiers[i%4], float64(1+i%5)))
	}
	r := New(Config{})
	want := r.ResolveAll(snippets, model.StrategyAuto)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		shuffled := make([]model.Snippet, len(snippets))
		copy(shuffled, snippets)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, r.ResolveAll(shuffled, model.StrategyAuto))
	}
}

func TestGroupIDIsHashOfMembers(t *testing.T) {
	assert.Equal(t, groupID([]string{"b", "a"}), groupID([]string{"a", "b"}))
	assert.NotEqual(t, groupID([]string{"a"}), groupID([]string{"a", "b"}))
	assert.Len(t, groupID([]string{"a"}), 16)
}
