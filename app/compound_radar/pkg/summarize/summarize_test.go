package summarize

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dm "github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

type scriptedModel struct {
	replies []string
	errs    []error
	calls   int
	prompt  string
}

func (s *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	i := s.calls
	s.calls++
	s.prompt = input[len(input)-1].Content
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	content := ""
	if i < len(s.replies) {
		content = s.replies[i]
	}
	return &schema.Message{Role: schema.Assistant, Content: content}, nil
}

func (s *scriptedModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func input() Input {
	return Input{
		ReportID: "r1",
		Compound: "Aspirin",
		Category: dm.CategoryConfig{ID: "safety", Name: "Safety Profile", SummaryPrompt: "Focus on children."},
		Groups: []dm.ClaimGroup{
			{Field: "contraindication", Status: dm.Resolved, Value: "contraindicated in X", Confidence: 0.94, Strategy: dm.StrategyCredibilityWeighted},
			{Field: "approval", Status: dm.Unresolved, Candidates: []dm.Candidate{{Value: "OTC"}, {Value: "Rx only"}}},
		},
	}
}

func TestLLM_Summarize(t *testing.T) {
	m := &scriptedModel{replies: []string{"```json\n{\"summary\": \"Aspirin is contraindicated in X.\"}\n```"}}
	got, err := NewLLM(m, nil, 3, 0).Summarize(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, "Aspirin is contraindicated in X.", got)
	assert.Contains(t, m.prompt, "contraindication: contraindicated in X")
	assert.Contains(t, m.prompt, "UNRESOLVED, candidates: OTC | Rx only")
	assert.Contains(t, m.prompt, "Focus on children.")
}

func TestLLM_RetriesThenSucceeds(t *testing.T) {
	m := &scriptedModel{
		errs:    []error{errors.New("status code: 429"), nil, nil},
		replies: []string{"", "not json", `{"summary":"ok"}`},
	}
	got, err := NewLLM(m, nil, 3, 0).Summarize(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, m.calls)
}

func TestLLM_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("upstream unavailable")
	m := &scriptedModel{errs: []error{boom, boom, boom}}
	_, err := NewLLM(m, nil, 3, 0).Summarize(context.Background(), input())

	var se *dm.SummarizationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, m.calls)
}

func TestLLM_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &scriptedModel{}
	_, err := NewLLM(m, nil, 3, 0).Summarize(ctx, input())
	var se *dm.SummarizationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, m.calls)
}

func TestTemplate(t *testing.T) {
	got := Template(input())
	assert.Equal(t, "Aspirin: Safety Profile\n- contraindication: contraindicated in X (confidence 94%)\n- approval: unresolved (OTC vs Rx only)\n", got)
	assert.Equal(t, Template(input()), got)

	empty := Template(Input{Compound: "Aspirin", Category: dm.CategoryConfig{ID: "patents"}})
	assert.Equal(t, "Aspirin: patents\nNo claims were collected.\n", empty)
}

func TestFallback(t *testing.T) {
	assert.Equal(t, "contraindication: contraindicated in X", Fallback(input()))
	assert.Equal(t, "No resolved claims.", Fallback(Input{}))
}
