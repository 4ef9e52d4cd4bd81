package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/coordinator"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/progress"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/resolver"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/scorer"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/storage"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/summarize"
)

type fakeProvider struct {
	name string
	fn   func(ctx context.Context, req *search.Request) (*search.Response, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Search(ctx context.Context, req *search.Request) (*search.Response, error) {
	return f.fn(ctx, req)
}

func returns(name string, results ...search.Result) *fakeProvider {
	return &fakeProvider{name: name, fn: func(context.Context, *search.Request) (*search.Response, error) {
		return &search.Response{Results: results}, nil
	}}
}

func timesOut(name string) *fakeProvider {
	return &fakeProvider{name: name, fn: func(context.Context, *search.Request) (*search.Response, error) {
		return nil, &search.ProviderError{Provider: name, Kind: search.KindTimeout, Err: context.DeadlineExceeded}
	}}
}

func blocks(name string) *fakeProvider {
	return &fakeProvider{name: name, fn: func(ctx context.Context, _ *search.Request) (*search.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Publish(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) stages() []model.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type failingSummarizer struct{ calls int }

func (f *failingSummarizer) Summarize(context.Context, summarize.Input) (string, error) {
	f.calls++
	return "", &model.SummarizationError{Attempts: 3, Err: errors.New("llm down")}
}

type env struct {
	store    *storage.Store
	progress *recorder
	pipeline *Pipeline
}

func newEnv(t *testing.T, providers []*fakeProvider, mutate func(*Options)) *env {
	t.Helper()
	reg := make(map[string]search.Provider)
	for _, p := range providers {
		reg[p.name] = p
	}
	store := storage.NewMemoryStore()
	rec := &recorder{}
	opts := Options{
		Store:        store,
		Collector:    coordinator.New(reg, coordinator.Options{Audit: store.Audit}),
		Scorer:       scorer.New(scorer.Config{}),
		Resolver:     resolver.New(resolver.Config{}),
		Progress:     rec,
		StageTimeout: time.Second,
		JobTimeout:   5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &env{store: store, progress: rec, pipeline: New(opts)}
}

func report() *model.Report {
	return &model.Report{ID: "r1", Compound: "Aspirin", CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func safety(providers ...string) model.CategoryConfig {
	return model.CategoryConfig{ID: "safety", Name: "Safety Profile", Query: "{compound} contraindications", Providers: providers}
}

func TestRun_AspirinSafetyProfile(t *testing.T) {
	e := newEnv(t, []*fakeProvider{
		returns("tavily",
			search.Result{Field: "contraindication", Value: "contraindicated in X", URL: "https://www.fda.gov/aspirin"},
			search.Result{Field: "contraindication", Value: "contraindicated in X", URL: "https://www.ema.europa.eu/aspirin"},
			search.Result{Field: "contraindication", Value: "no contraindication", URL: "https://www.reuters.com/health/aspirin"},
		),
	}, nil)

	res, err := e.pipeline.Run(context.Background(), Input{Report: report(), Category: safety("tavily")})
	require.NoError(t, err)

	require.Len(t, res.ClaimGroups, 1)
	g := res.ClaimGroups[0]
	assert.Equal(t, model.Resolved, g.Status)
	assert.Equal(t, "contraindicated in X", g.Value)
	assert.InDelta(t, 16.0/17.0, g.Confidence, 1e-9)
	assert.Equal(t, 1, g.Revision)
	assert.Equal(t, model.SummaryTemplate, res.SummarySource)
	assert.Contains(t, res.Summary, "contraindicated in X")
	assert.Len(t, res.Sources, 2)
	assert.Empty(t, res.Absent)
	assert.InDelta(t, 0.5+0.3+0.2*(17.0/30.0), res.DataQuality, 1e-9)

	assert.Equal(t, []model.Stage{
		model.StageCollecting, model.StageVerifying, model.StageMerging, model.StageSummarizing, model.StageDone,
	}, e.progress.stages())

	ctx := context.Background()
	job, err := e.store.Jobs.Get(ctx, "r1/safety")
	require.NoError(t, err)
	assert.Equal(t, model.StageDone, job.Stage)
	assert.NotNil(t, job.CompletedAt)

	snippets, err := e.store.Snippets.ListByReport(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, snippets, 3)

	audit, err := e.store.Audit.ListByReport(ctx, "r1")
	require.NoError(t, err)
	var transitions, calls int
	var groupEvents []*model.AuditEvent
	for _, ev := range audit {
		switch ev.EntityType {
		case "category_job":
			transitions++
		case "provider_call":
			calls++
		case "claim_group":
			groupEvents = append(groupEvents, ev)
		}
	}
	assert.Equal(t, 5, transitions)
	assert.Equal(t, 1, calls)

	require.Len(t, groupEvents, 2)
	detected, settled := groupEvents[0], groupEvents[1]
	if detected.NewState != "detected" {
		detected, settled = settled, detected
	}
	assert.Equal(t, g.Key(), detected.EntityID)
	assert.Equal(t, "none", detected.OldState)
	assert.Equal(t, "detected", detected.NewState)
	assert.Equal(t, "factual", detected.Metadata["conflict"])
	var values []any
	for _, c := range g.Candidates {
		values = append(values, c.Value)
	}
	assert.Len(t, values, 2)
	assert.ElementsMatch(t, values, detected.Metadata["candidates"])
	assert.Equal(t, "detected", settled.OldState)
	assert.Equal(t, "resolved", settled.NewState)
	assert.Equal(t, string(g.Strategy), settled.Metadata["strategy"])
	assert.InDelta(t, 16.0/17.0, settled.Metadata["confidence"], 1e-9)

	stored, err := e.store.Results.Get(ctx, res.Key())
	require.NoError(t, err)
	assert.Equal(t, res.Summary, stored.Summary)
}

func TestRun_OneOfFiveProvidersSucceeds(t *testing.T) {
	e := newEnv(t, []*fakeProvider{
		returns("tavily", search.Result{Field: "boxed warning", Value: "Reye's syndrome", URL: "https://www.fda.gov/x"}),
		timesOut("searxng"), timesOut("openai"), timesOut("perplexity"), timesOut("gemini"),
	}, nil)

	res, err := e.pipeline.Run(context.Background(), Input{
		Report:   report(),
		Category: safety("tavily", "searxng", "openai", "perplexity", "gemini"),
	})
	require.NoError(t, err)
	require.Len(t, res.Absent, 4)
	for _, a := range res.Absent {
		assert.Equal(t, "timeout", a.Reason)
	}
	assert.InDelta(t, 0.5*0.2+0.3+0.2*0.8, res.DataQuality, 1e-9)

	job, err := e.store.Jobs.Get(context.Background(), "r1/safety")
	require.NoError(t, err)
	assert.Equal(t, model.StageDone, job.Stage)
}

func TestRun_AllProvidersFail(t *testing.T) {
	e := newEnv(t, []*fakeProvider{timesOut("tavily"), timesOut("gemini")}, nil)

	res, err := e.pipeline.Run(context.Background(), Input{Report: report(), Category: safety("tavily", "gemini")})
	assert.Nil(t, res)

	var se *model.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.FailCollection, se.Reason)
	assert.Equal(t, model.StageCollecting, se.Stage)
	assert.ErrorIs(t, err, model.ErrNoSnippetsCollected)

	job, err := e.store.Jobs.Get(context.Background(), "r1/safety")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, job.Stage)
	assert.Equal(t, model.FailCollection, job.FailReason)
	assert.Equal(t, model.StageCollecting, job.FailedStage)
	assert.Equal(t, []model.Stage{model.StageCollecting, model.StageFailed}, e.progress.stages())
}

func TestRun_NoProvidersConfigured(t *testing.T) {
	e := newEnv(t, nil, nil)
	_, err := e.pipeline.Run(context.Background(), Input{Report: report(), Category: safety()})
	assert.ErrorIs(t, err, model.ErrNoProvidersEnabled)
}

func TestRun_UnresolvedTieStillCompletes(t *testing.T) {
	e := newEnv(t, []*fakeProvider{
		returns("tavily",
			search.Result{Field: "approval status", Value: "approved for OTC use", URL: "https://www.fda.gov/a"},
			search.Result{Field: "approval status", Value: "prescription only", URL: "https://www.ema.europa.eu/b"},
		),
	}, nil)

	res, err := e.pipeline.Run(context.Background(), Input{Report: report(), Category: safety("tavily")})
	require.NoError(t, err)
	require.Len(t, res.ClaimGroups, 1)
	g := res.ClaimGroups[0]
	assert.Equal(t, model.Unresolved, g.Status)
	assert.Equal(t, 0.0, g.Confidence)
	assert.Len(t, g.Candidates, 2)
	assert.Len(t, res.Sources, 2)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestRun_SummaryFallback(t *testing.T) {
	sum := &failingSummarizer{}
	e := newEnv(t, []*fakeProvider{
		returns("tavily", search.Result{Field: "max dose", Value: "4 g per day", URL: "https://www.fda.gov/x"}),
	}, func(o *Options) { o.Summarizer = sum })

	cat := safety("tavily")
	cat.Summarize = true
	res, err := e.pipeline.Run(context.Background(), Input{Report: report(), Category: cat})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.calls)
	assert.Equal(t, model.SummaryFallback, res.SummarySource)
	assert.Equal(t, "max dose: 4 g per day", res.Summary)

	job, err := e.store.Jobs.Get(context.Background(), "r1/safety")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Retries)
}

func TestRun_StageTimeout(t *testing.T) {
	e := newEnv(t, []*fakeProvider{blocks("tavily")}, func(o *Options) { o.StageTimeout = 20 * time.Millisecond })

	_, err := e.pipeline.Run(context.Background(), Input{Report: report(), Category: safety("tavily")})
	var se *model.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.FailTimeout, se.Reason)
	assert.ErrorIs(t, err, model.ErrStageTimeout)
}

func TestRun_Cancelled(t *testing.T) {
	e := newEnv(t, []*fakeProvider{blocks("tavily")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := e.pipeline.Run(ctx, Input{Report: report(), Category: safety("tavily")})
	var se *model.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.FailCancelled, se.Reason)

	job, err := e.store.Jobs.Get(context.Background(), "r1/safety")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, job.Stage)
	assert.Equal(t, model.FailCancelled, job.FailReason)
}

func TestRun_AgreementAuditsResolutionOnly(t *testing.T) {
	e := newEnv(t, []*fakeProvider{
		returns("tavily", search.Result{Field: "max dose", Value: "4 g per day", URL: "https://www.fda.gov/x"}),
	}, nil)
	ctx := context.Background()
	_, err := e.pipeline.Run(ctx, Input{Report: report(), Category: safety("tavily")})
	require.NoError(t, err)

	audit, err := e.store.Audit.ListByReport(ctx, "r1")
	require.NoError(t, err)
	var states []string
	for _, ev := range audit {
		if ev.EntityType == "claim_group" {
			states = append(states, ev.OldState+"->"+ev.NewState)
		}
	}
	assert.Equal(t, []string{"none->resolved"}, states)
}

func TestRun_CancelRetainsCollectedSnippets(t *testing.T) {
	e := newEnv(t, []*fakeProvider{
		returns("tavily", search.Result{Field: "boxed warning", Value: "Reye's syndrome", URL: "https://www.fda.gov/aspirin"}),
		blocks("searxng"),
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := e.pipeline.Run(ctx, Input{Report: report(), Category: safety("tavily", "searxng")})
	var se *model.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.FailCancelled, se.Reason)
	assert.Equal(t, model.StageCollecting, se.Stage)

	bg := context.Background()
	snippets, err := e.store.Snippets.ListByReport(bg, "r1")
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, "Reye's syndrome", snippets[0].Value)
	assert.Equal(t, model.TierGovernment, snippets[0].Tier)

	audit, err := e.store.Audit.ListByReport(bg, "r1")
	require.NoError(t, err)
	var failed *model.AuditEvent
	for _, ev := range audit {
		if ev.EntityType == "category_job" && ev.NewState == string(model.StageFailed) {
			failed = ev
		}
	}
	require.NotNil(t, failed)
	assert.EqualValues(t, 1, failed.Metadata["snippets_retained"])
}

func TestRun_RerunWritesNewRevision(t *testing.T) {
	e := newEnv(t, []*fakeProvider{
		returns("tavily", search.Result{Field: "max dose", Value: "4 g", URL: "https://www.fda.gov/x"}),
	}, nil)
	ctx := context.Background()

	first, err := e.pipeline.Run(ctx, Input{Report: report(), Category: safety("tavily"), Attempt: 1})
	require.NoError(t, err)
	second, err := e.pipeline.Run(ctx, Input{Report: report(), Category: safety("tavily"), Attempt: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, first.ClaimGroups[0].Revision)
	assert.Equal(t, 2, second.ClaimGroups[0].Revision)
	groups, err := e.store.Groups.ListByReport(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestConfidence(t *testing.T) {
	groups := []model.ClaimGroup{
		{SnippetIDs: []string{"a", "b", "c"}, Status: model.Resolved, Confidence: 0.9},
		{SnippetIDs: []string{"d"}, Status: model.Unresolved},
	}
	assert.InDelta(t, 2.7/4.0, Confidence(groups), 1e-9)
	assert.Equal(t, 0.0, Confidence(nil))
}
