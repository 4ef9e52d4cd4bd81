package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/logger"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
)

// Status 一次检索的整体结果
type Status string

const (
	StatusSuccess      Status = "success"
	StatusPartial      Status = "partial"
	StatusTotalFailure Status = "total-failure"
)

// AuditWriter 审计事件写入
type AuditWriter interface {
	Put(ctx context.Context, e *model.AuditEvent) error
}

// Request 某个分类的一次检索
type Request struct {
	ReportID     string
	CategoryID   string
	Category     string // 分类名称，用于提示词
	Compound     string
	Query        string
	Providers    []string
	Temperatures []float32
	MaxResults   int
	Attempt      int
}

// CallRecord 单次 provider 调用记录
type CallRecord struct {
	Provider    string
	Temperature *float32
	Results     int
	Latency     time.Duration
	Cost        float64
	Err         error
}

// Outcome 检索结果，失败的 provider 不会中断其他调用
type Outcome struct {
	Snippets       []model.Snippet
	ProviderErrors map[string]error
	Calls          []CallRecord
	Status         Status
}

// Absent 未贡献任何证据的 provider 及原因
func (o *Outcome) Absent() []model.AbsentProvider {
	out := make([]model.AbsentProvider, 0, len(o.ProviderErrors))
	for name, err := range o.ProviderErrors {
		reason := string(search.KindTransport)
		var pe *search.ProviderError
		if errors.As(err, &pe) {
			reason = string(pe.Kind)
		} else if errors.Is(err, errUnknownProvider) {
			reason = "not-configured"
		}
		out = append(out, model.AbsentProvider{ProviderID: name, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

var errUnknownProvider = errors.New("provider not configured")

// Options 协调器配置
type Options struct {
	MaxConcurrent int
	Costs         map[string]float64
	Audit         AuditWriter
	Now           func() time.Time
}

// Coordinator 并发调用多个 provider 并汇总证据
type Coordinator struct {
	providers     map[string]search.Provider
	maxConcurrent int
	costs         map[string]float64
	audit         AuditWriter
	now           func() time.Time
}

// New 创建协调器，MaxConcurrent 默认为 3
func New(providers map[string]search.Provider, opts Options) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		providers:     providers,
		maxConcurrent: opts.MaxConcurrent,
		costs:         opts.Costs,
		audit:         opts.Audit,
		now:           opts.Now,
	}
}

type call struct {
	provider    search.Provider
	temperature *float32
}

// Search 对每个 (provider, 温度) 组合发起一次调用
func (c *Coordinator) Search(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Providers) == 0 {
		return nil, model.ErrNoProvidersEnabled
	}
	log := logger.ForReport(req.ReportID, req.CategoryID)

	out := &Outcome{ProviderErrors: make(map[string]error)}
	var calls []call
	for _, name := range uniq(req.Providers) {
		p, ok := c.providers[name]
		if !ok {
			out.ProviderErrors[name] = fmt.Errorf("%w: %s", errUnknownProvider, name)
			log.Warnf("provider [%s] 未配置，跳过", name)
			continue
		}
		if len(req.Temperatures) == 0 {
			calls = append(calls, call{provider: p})
			continue
		}
		for _, t := range req.Temperatures {
			calls = append(calls, call{provider: p, temperature: &t})
		}
	}

	records := make([]CallRecord, len(calls))
	results := make([][]search.Result, len(calls))

	g := new(errgroup.Group)
	g.SetLimit(c.maxConcurrent)
	for i, cl := range calls {
		if ctx.Err() != nil {
			records[i] = CallRecord{Provider: cl.provider.Name(), Temperature: cl.temperature, Err: search.Classify(cl.provider.Name(), ctx.Err())}
			continue
		}
		g.Go(func() error {
			records[i], results[i] = c.call(ctx, req, cl)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := make(map[string]bool)
	failed := make(map[string][]error)
	seen := make(map[string]bool)
	for i, rec := range records {
		if rec.Err != nil {
			failed[rec.Provider] = append(failed[rec.Provider], rec.Err)
			continue
		}
		succeeded[rec.Provider] = true
		for _, r := range results[i] {
			sn, ok := c.toSnippet(req, rec.Provider, rec.Temperature, r)
			if !ok {
				continue
			}
			key := rec.Provider + "|" + sn.SourceURL + "|" + strings.ToLower(sn.Field) + "|" + strings.ToLower(sn.Value)
			if seen[key] {
				continue
			}
			seen[key] = true
			out.Snippets = append(out.Snippets, sn)
		}
	}
	for name, errs := range failed {
		if !succeeded[name] {
			if len(errs) == 1 {
				out.ProviderErrors[name] = errs[0]
			} else {
				out.ProviderErrors[name] = errors.Join(errs...)
			}
		}
	}
	out.Calls = records

	switch {
	case len(succeeded) == 0:
		out.Status = StatusTotalFailure
	case len(out.ProviderErrors) > 0 || len(failed) > 0:
		out.Status = StatusPartial
	default:
		out.Status = StatusSuccess
	}

	log.WithFields(logrus.Fields{
		"calls":    len(calls),
		"snippets": len(out.Snippets),
		"failed":   len(out.ProviderErrors),
	}).Infof("检索完成: %s", out.Status)
	return out, nil
}

func (c *Coordinator) call(ctx context.Context, req Request, cl call) (CallRecord, []search.Result) {
	name := cl.provider.Name()
	start := c.now()
	resp, err := cl.provider.Search(ctx, &search.Request{
		Compound:    req.Compound,
		Category:    req.Category,
		Query:       req.Query,
		Temperature: cl.temperature,
		MaxResults:  req.MaxResults,
	})
	rec := CallRecord{
		Provider:    name,
		Temperature: cl.temperature,
		Latency:     c.now().Sub(start),
		Cost:        c.costs[name],
	}
	var results []search.Result
	if err != nil {
		rec.Err = search.Classify(name, err)
	} else if resp != nil {
		results = resp.Results
		rec.Results = len(results)
	}
	c.record(ctx, req, rec)
	return rec, results
}

func (c *Coordinator) record(ctx context.Context, req Request, rec CallRecord) {
	meta := map[string]any{
		"provider":   rec.Provider,
		"category":   req.CategoryID,
		"latency_ms": rec.Latency.Milliseconds(),
		"cost":       rec.Cost,
		"results":    rec.Results,
		"attempt":    req.Attempt,
	}
	if rec.Temperature != nil {
		meta["temperature"] = *rec.Temperature
	}
	state := "succeeded"
	if rec.Err != nil {
		state = "failed"
		meta["error"] = rec.Err.Error()
		var pe *search.ProviderError
		if errors.As(rec.Err, &pe) {
			meta["error_kind"] = string(pe.Kind)
		}
		logger.ForReport(req.ReportID, req.CategoryID).Warnf("provider [%s] 调用失败: %v", rec.Provider, rec.Err)
	}
	if c.audit == nil {
		return
	}
	ev := &model.AuditEvent{
		ID:            uuid.NewString(),
		CorrelationID: req.ReportID,
		EntityType:    "provider_call",
		EntityID:      req.ReportID + "/" + req.CategoryID + "/" + rec.Provider,
		NewState:      state,
		Metadata:      meta,
		Timestamp:     c.now().UTC(),
	}
	// 取消后仍需落审计
	if err := c.audit.Put(context.WithoutCancel(ctx), ev); err != nil {
		logger.Log.Errorf("写入审计事件失败: %v", err)
	}
}

func (c *Coordinator) toSnippet(req Request, provider string, temp *float32, r search.Result) (model.Snippet, bool) {
	field := strings.TrimSpace(r.Field)
	if field == "" {
		field = strings.TrimSpace(r.Title)
	}
	value := strings.TrimSpace(r.Value)
	if value == "" {
		value = firstSentence(r.Content)
	}
	if field == "" && value == "" {
		return model.Snippet{}, false
	}
	text := r.Content
	if text == "" {
		text = value
	}
	return model.Snippet{
		ID:          uuid.NewString(),
		ReportID:    req.ReportID,
		CategoryID:  req.CategoryID,
		Attempt:     req.Attempt,
		ProviderID:  provider,
		Temperature: temp,
		Title:       r.Title,
		Text:        text,
		Field:       field,
		Value:       value,
		Basis:       r.Basis,
		SourceURL:   r.URL,
		PublishedAt: search.ParseDate(r.PublishedDate),
		Relevance:   r.Score,
		ExtractedAt: c.now().UTC(),
	}, true
}

const maxValueLen = 300

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	end := len(s)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.Index(s, sep); i > 0 && i < end {
			end = i
		}
	}
	s = strings.TrimSuffix(s[:end], ".")
	if r := []rune(s); len(r) > maxValueLen {
		s = string(r[:maxValueLen])
	}
	return strings.TrimSpace(s)
}

func uniq(in []string) []string {
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
