package terms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyTerms(t *testing.T) {
	assert.Equal(t, []string{"daily", "dose", "maximum"}, KeyTerms("The Maximum daily doses").Sorted())
	assert.Equal(t, []string{"2.5", "mg"}, KeyTerms("2.5 mg.").Sorted())
}

func TestStem(t *testing.T) {
	assert.Equal(t, "interaction", Stem("interactions"))
	assert.Equal(t, "study", Stem("studies"))
	assert.Equal(t, "dose", Stem("dose"))
	assert.Equal(t, "bleed", Stem("bleeding"))
	assert.Equal(t, "100", Stem("100"))
}

func TestJaccard(t *testing.T) {
	a := KeyTerms("maximum daily dose")
	b := KeyTerms("daily dose maximum for adults")
	assert.InDelta(t, 0.75, Jaccard(a, b), 1e-9)
	assert.Equal(t, 1.0, Jaccard(Set{}, Set{}))
	assert.Equal(t, 0.0, Jaccard(KeyTerms("x"), Set{}))
}

func TestNegated(t *testing.T) {
	assert.True(t, Negated("Not approved for children"))
	assert.True(t, Negated("never exceed 4 g"))
	assert.False(t, Negated("contraindicated in pregnancy"))
	assert.False(t, Negated("approved for adults"))
}
