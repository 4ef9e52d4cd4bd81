package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
)

type fakeProvider struct {
	name     string
	calls    atomic.Int32
	inflight *atomic.Int32
	peak     *atomic.Int32
	temps    []*float32
	mu       sync.Mutex
	fn       func(ctx context.Context, req *search.Request) (*search.Response, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(ctx context.Context, req *search.Request) (*search.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.temps = append(f.temps, req.Temperature)
	f.mu.Unlock()
	if f.inflight != nil {
		n := f.inflight.Add(1)
		defer f.inflight.Add(-1)
		for {
			p := f.peak.Load()
			if n <= p || f.peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f.fn(ctx, req)
}

func ok(name string, results ...search.Result) *fakeProvider {
	return &fakeProvider{name: name, fn: func(context.Context, *search.Request) (*search.Response, error) {
		return &search.Response{Results: results}, nil
	}}
}

func failing(name string, kind search.ErrorKind) *fakeProvider {
	return &fakeProvider{name: name, fn: func(context.Context, *search.Request) (*search.Response, error) {
		return nil, &search.ProviderError{Provider: name, Kind: kind, Err: context.DeadlineExceeded}
	}}
}

type memAudit struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func (m *memAudit) Put(_ context.Context, e *model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func registry(ps ...*fakeProvider) map[string]search.Provider {
	out := make(map[string]search.Provider, len(ps))
	for _, p := range ps {
		out[p.name] = p
	}
	return out
}

func TestSearch_NoProviders(t *testing.T) {
	p := ok("tavily")
	c := New(registry(p), Options{})
	out, err := c.Search(context.Background(), Request{ReportID: "r", CategoryID: "safety"})
	assert.ErrorIs(t, err, model.ErrNoProvidersEnabled)
	assert.Nil(t, out)
	assert.EqualValues(t, 0, p.calls.Load())
}

func TestSearch_OneCallPerProviderTemperature(t *testing.T) {
	a := ok("openai", search.Result{Field: "max dose", Value: "4 g/day"})
	b := ok("gemini", search.Result{Field: "max dose", Value: "4 g/day", URL: "https://www.fda.gov/x"})
	audit := &memAudit{}
	c := New(registry(a, b), Options{Audit: audit, Costs: map[string]float64{"openai": 0.02}})

	out, err := c.Search(context.Background(), Request{
		ReportID: "r1", CategoryID: "safety", Query: "aspirin max dose",
		Providers:    []string{"openai", "gemini"},
		Temperatures: []float32{0.1, 0.5, 0.9},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 3, a.calls.Load())
	assert.EqualValues(t, 3, b.calls.Load())
	assert.Len(t, out.Calls, 6)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Empty(t, out.ProviderErrors)
	// 同一 provider 的重复结果只保留一条
	assert.Len(t, out.Snippets, 2)
	for _, s := range out.Snippets {
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, "r1", s.ReportID)
		assert.Equal(t, "safety", s.CategoryID)
		require.NotNil(t, s.Temperature)
	}

	require.Len(t, audit.events, 6)
	for _, ev := range audit.events {
		assert.Equal(t, "provider_call", ev.EntityType)
		assert.Equal(t, "r1", ev.CorrelationID)
		assert.Equal(t, "succeeded", ev.NewState)
		assert.Contains(t, ev.Metadata, "latency_ms")
		assert.Contains(t, ev.Metadata, "temperature")
	}
}

func TestSearch_EmptyTemperaturesUsesDefault(t *testing.T) {
	p := ok("tavily", search.Result{Title: "Aspirin label", Content: "Do not exceed 4 g per day. Consult a doctor."})
	c := New(registry(p), Options{})
	out, err := c.Search(context.Background(), Request{ReportID: "r", CategoryID: "c", Providers: []string{"tavily"}})
	require.NoError(t, err)

	require.Len(t, p.temps, 1)
	assert.Nil(t, p.temps[0])
	require.Len(t, out.Snippets, 1)
	assert.Equal(t, "Aspirin label", out.Snippets[0].Field)
	assert.Equal(t, "Do not exceed 4 g per day", out.Snippets[0].Value)
}

func TestSearch_RespectsConcurrencyCeiling(t *testing.T) {
	var inflight, peak atomic.Int32
	var ps []*fakeProvider
	var names []string
	for _, n := range []string{"a", "b", "c", "d"} {
		p := ok(n, search.Result{Field: "f", Value: n})
		p.inflight, p.peak = &inflight, &peak
		ps = append(ps, p)
		names = append(names, n)
	}
	c := New(registry(ps...), Options{MaxConcurrent: 2})
	out, err := c.Search(context.Background(), Request{ReportID: "r", CategoryID: "c", Providers: names, Temperatures: []float32{0.1, 0.9}})
	require.NoError(t, err)
	assert.Len(t, out.Calls, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestSearch_PartialSuccess(t *testing.T) {
	good := ok("tavily", search.Result{Field: "boxed warning", Value: "Reye's syndrome in children"})
	c := New(registry(good,
		failing("openai", search.KindTimeout),
		failing("perplexity", search.KindTimeout),
		failing("gemini", search.KindTimeout),
		failing("searxng", search.KindTimeout),
	), Options{})

	out, err := c.Search(context.Background(), Request{
		ReportID: "r", CategoryID: "safety",
		Providers: []string{"tavily", "openai", "perplexity", "gemini", "searxng"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, out.Status)
	assert.Len(t, out.Snippets, 1)
	assert.Len(t, out.ProviderErrors, 4)

	absent := out.Absent()
	require.Len(t, absent, 4)
	assert.Equal(t, "gemini", absent[0].ProviderID)
	for _, a := range absent {
		assert.Equal(t, "timeout", a.Reason)
	}
}

func TestSearch_ProviderPartlyFailingIsNotAbsent(t *testing.T) {
	var n atomic.Int32
	flaky := &fakeProvider{name: "openai"}
	flaky.fn = func(_ context.Context, req *search.Request) (*search.Response, error) {
		if n.Add(1) == 1 {
			return nil, &search.ProviderError{Provider: "openai", Kind: search.KindMalformed, Err: search.ErrMalformed}
		}
		return &search.Response{Results: []search.Result{{Field: "f", Value: "v"}}}, nil
	}
	c := New(registry(flaky), Options{MaxConcurrent: 1})
	out, err := c.Search(context.Background(), Request{ReportID: "r", CategoryID: "c", Providers: []string{"openai"}, Temperatures: []float32{0.1, 0.5}})
	require.NoError(t, err)
	assert.Empty(t, out.ProviderErrors)
	assert.Equal(t, StatusPartial, out.Status)
	assert.Len(t, out.Snippets, 1)
}

func TestSearch_TotalFailure(t *testing.T) {
	c := New(registry(failing("tavily", search.KindTransport), failing("gemini", search.KindRateLimited)), Options{})
	out, err := c.Search(context.Background(), Request{ReportID: "r", CategoryID: "c", Providers: []string{"tavily", "gemini"}})
	require.NoError(t, err)
	assert.Equal(t, StatusTotalFailure, out.Status)
	assert.Empty(t, out.Snippets)
	assert.Len(t, out.ProviderErrors, 2)
}

func TestSearch_UnknownProvider(t *testing.T) {
	c := New(registry(ok("tavily", search.Result{Field: "f", Value: "v"})), Options{})
	out, err := c.Search(context.Background(), Request{ReportID: "r", CategoryID: "c", Providers: []string{"tavily", "bing"}})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, []model.AbsentProvider{{ProviderID: "bing", Reason: "not-configured"}}, out.Absent())
	assert.Len(t, out.Calls, 1)
}

func TestSearch_CancelledContext(t *testing.T) {
	p := ok("tavily", search.Result{Field: "f", Value: "v"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := New(registry(p), Options{}).Search(ctx, Request{ReportID: "r", CategoryID: "c", Providers: []string{"tavily"}})
	require.NoError(t, err)
	assert.Equal(t, StatusTotalFailure, out.Status)
	assert.EqualValues(t, 0, p.calls.Load())
	assert.Equal(t, []model.AbsentProvider{{ProviderID: "tavily", Reason: "cancelled"}}, out.Absent())
}

func TestFirstSentence(t *testing.T) {
	assert.Equal(t, "Take 2.5 mg daily", firstSentence("Take 2.5 mg daily. Then stop."))
	assert.Equal(t, "single line", firstSentence("single line."))
	assert.Equal(t, "", firstSentence("   "))
}
