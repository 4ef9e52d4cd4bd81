package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/coordinator"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/logger"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/progress"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/resolver"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/scorer"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/storage"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/summarize"
)

// Collector 证据采集，由 coordinator.Coordinator 实现
type Collector interface {
	Search(ctx context.Context, req coordinator.Request) (*coordinator.Outcome, error)
}

// Summarizer 摘要生成，由 summarize.LLM 实现
type Summarizer interface {
	Summarize(ctx context.Context, in summarize.Input) (string, error)
}

// Options 流水线依赖与预算
type Options struct {
	Store        *storage.Store
	Collector    Collector
	Scorer       *scorer.Scorer
	Resolver     *resolver.Resolver
	Summarizer   Summarizer // 为空时只使用模板摘要
	Progress     progress.Sink
	StageTimeout time.Duration
	JobTimeout   time.Duration
	Now          func() time.Time
}

// Pipeline 单个分类的状态机，与具体分类无关
type Pipeline struct {
	opts Options
}

// New 创建流水线
func New(opts Options) *Pipeline {
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{opts: opts}
}

// Input 一次分类任务
type Input struct {
	Report   *model.Report
	Category model.CategoryConfig
	Attempt  int
}

var stageProgress = map[model.Stage]int{
	model.StageQueued:      0,
	model.StageCollecting:  10,
	model.StageVerifying:   40,
	model.StageMerging:     60,
	model.StageSummarizing: 80,
	model.StageDone:        100,
	model.StageFailed:      100,
}

type run struct {
	p      *Pipeline
	in     Input
	job    *model.CategoryJob
	log    *logrus.Entry
	parent context.Context
	// 失败前已保留的证据数
	retained int
}

// Run 依次执行 collecting、verifying、merging、summarizing；致命错误返回 *model.StageError
func (p *Pipeline) Run(ctx context.Context, in Input) (*model.CategoryResult, error) {
	if in.Attempt <= 0 {
		in.Attempt = 1
	}
	now := p.opts.Now().UTC()
	r := &run{
		p:  p,
		in: in,
		job: &model.CategoryJob{
			ReportID:   in.Report.ID,
			CategoryID: in.Category.ID,
			Stage:      model.StageQueued,
			Attempt:    in.Attempt,
			StartedAt:  &now,
			UpdatedAt:  now,
		},
		log:    logger.ForReport(in.Report.ID, in.Category.ID),
		parent: ctx,
	}

	jobCtx := ctx
	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}
	return r.execute(jobCtx)
}

func (r *run) execute(ctx context.Context) (*model.CategoryResult, error) {
	cat := r.in.Category
	report := r.in.Report
	query := cat.BuildQuery(report.Compound)

	// collecting
	if err := r.transition(model.StageCollecting, nil); err != nil {
		return nil, err
	}
	stageCtx, cancel := r.stageContext(ctx)
	outcome, err := r.p.opts.Collector.Search(stageCtx, coordinator.Request{
		ReportID:     report.ID,
		CategoryID:   cat.ID,
		Category:     cat.Name,
		Compound:     report.Compound,
		Query:        query,
		Providers:    cat.Providers,
		Temperatures: cat.Temperatures,
		MaxResults:   cat.MaxResults,
		Attempt:      r.in.Attempt,
	})
	stageErr := stageCtx.Err()
	cancel()
	if stageErr != nil {
		r.retain(ctx, outcome, query)
		return nil, r.fail(r.reasonFor(ctx, stageErr), stageErr)
	}
	if err != nil {
		return nil, r.fail(model.FailCollection, err)
	}
	if outcome.Status == coordinator.StatusTotalFailure || len(outcome.Snippets) == 0 {
		return nil, r.fail(model.FailCollection, collectionError(outcome))
	}

	// verifying
	if err := r.transition(model.StageVerifying, map[string]any{
		"snippets": len(outcome.Snippets),
		"absent":   len(outcome.ProviderErrors),
		"status":   string(outcome.Status),
	}); err != nil {
		return nil, err
	}
	scored := r.p.opts.Scorer.ScoreAll(outcome.Snippets, scorer.Reference{Query: query, AsOf: report.CreatedAt})
	for i := range scored {
		if err := r.p.opts.Store.Snippets.Put(context.WithoutCancel(ctx), &scored[i]); err != nil {
			return nil, r.fail(model.FailInternal, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(r.reasonFor(ctx, err), err)
	}

	// merging
	if err := r.transition(model.StageMerging, nil); err != nil {
		return nil, err
	}
	groups := r.p.opts.Resolver.ResolveAll(scored, cat.Strategy)
	resolved := 0
	for i := range groups {
		groups[i].Revision = r.in.Attempt
		groups[i].ReportID = report.ID
		groups[i].CategoryID = cat.ID
		if groups[i].Status == model.Resolved {
			resolved++
		}
		if err := r.p.opts.Store.Groups.Put(context.WithoutCancel(ctx), &groups[i]); err != nil {
			return nil, r.fail(model.FailInternal, err)
		}
		if err := r.auditGroup(&groups[i]); err != nil {
			return nil, r.fail(model.FailInternal, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(r.reasonFor(ctx, err), err)
	}

	// summarizing
	if err := r.transition(model.StageSummarizing, map[string]any{
		"groups":     len(groups),
		"resolved":   resolved,
		"unresolved": len(groups) - resolved,
	}); err != nil {
		return nil, err
	}
	summary, source, err := r.summarize(ctx, groups)
	if err != nil {
		return nil, r.fail(r.reasonFor(ctx, err), err)
	}

	result := &model.CategoryResult{
		ReportID:      report.ID,
		CategoryID:    cat.ID,
		Attempt:       r.in.Attempt,
		Summary:       summary,
		SummarySource: source,
		ClaimGroups:   groups,
		Confidence:    Confidence(groups),
		DataQuality:   DataQuality(cat.Providers, scored, groups, r.p.opts.Scorer.MaxWeight()),
		Sources:       attributions(groups, scored),
		Absent:        outcome.Absent(),
		CreatedAt:     r.p.opts.Now().UTC(),
	}
	if err := r.p.opts.Store.Results.Put(context.WithoutCancel(ctx), result); err != nil {
		return nil, r.fail(model.FailInternal, err)
	}

	if err := r.transition(model.StageDone, map[string]any{
		"confidence":     result.Confidence,
		"data_quality":   result.DataQuality,
		"summary_source": string(source),
	}); err != nil {
		return nil, err
	}
	r.log.Infof("分类完成，置信度 %.2f，数据质量 %.2f", result.Confidence, result.DataQuality)
	return result, nil
}

// retain 采集中途失败时保留已拿到的证据，按报告创建时间打分
func (r *run) retain(ctx context.Context, out *coordinator.Outcome, query string) {
	if out == nil || len(out.Snippets) == 0 {
		return
	}
	scored := r.p.opts.Scorer.ScoreAll(out.Snippets, scorer.Reference{Query: query, AsOf: r.in.Report.CreatedAt})
	for i := range scored {
		if err := r.p.opts.Store.Snippets.Put(context.WithoutCancel(ctx), &scored[i]); err != nil {
			r.log.Errorf("保留证据失败: %v", err)
			continue
		}
		r.retained++
	}
	r.log.Infof("采集中断，已保留 %d 条证据", r.retained)
}

// auditGroup 冲突先记 none -> detected，再记最终的 resolved / unresolved
func (r *run) auditGroup(g *model.ClaimGroup) error {
	now := r.p.opts.Now().UTC()
	from := "none"
	if !g.Agreement {
		values := make([]string, 0, len(g.Candidates))
		for _, c := range g.Candidates {
			values = append(values, c.Value)
		}
		if err := r.appendAudit("claim_group", g.Key(), from, "detected", map[string]any{
			"field":      g.Field,
			"conflict":   string(g.Conflict),
			"candidates": values,
		}, now); err != nil {
			return err
		}
		from = "detected"
	}
	return r.appendAudit("claim_group", g.Key(), from, string(g.Status), map[string]any{
		"field":      g.Field,
		"strategy":   string(g.Strategy),
		"confidence": g.Confidence,
		"value":      g.Value,
	}, now)
}

// summarize 摘要失败不致命，只有外层取消或任务超时才中止
func (r *run) summarize(ctx context.Context, groups []model.ClaimGroup) (string, model.SummarySource, error) {
	in := summarize.Input{
		ReportID: r.in.Report.ID,
		Compound: r.in.Report.Compound,
		Category: r.in.Category,
		Groups:   groups,
	}
	if !r.in.Category.Summarize || r.p.opts.Summarizer == nil {
		return summarize.Template(in), model.SummaryTemplate, nil
	}

	stageCtx, cancel := r.stageContext(ctx)
	defer cancel()
	text, err := r.p.opts.Summarizer.Summarize(stageCtx, in)
	if err == nil {
		return text, model.SummaryLLM, nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}

	var se *model.SummarizationError
	if errors.As(err, &se) {
		r.job.Retries = se.Attempts
	}
	r.log.Warnf("摘要生成失败，使用兜底摘要: %v", err)
	return summarize.Fallback(in), model.SummaryFallback, nil
}

func (r *run) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.p.opts.StageTimeout > 0 {
		return context.WithTimeout(ctx, r.p.opts.StageTimeout)
	}
	return context.WithCancel(ctx)
}

// reasonFor 外层取消为 cancelled，其余超时为 timeout
func (r *run) reasonFor(ctx context.Context, err error) model.FailReason {
	if errors.Is(r.parent.Err(), context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return model.FailCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.FailTimeout
	}
	if errors.Is(err, context.Canceled) {
		return model.FailCancelled
	}
	return model.FailInternal
}

func (r *run) fail(reason model.FailReason, cause error) error {
	if reason == model.FailTimeout && !errors.Is(cause, model.ErrStageTimeout) {
		cause = fmt.Errorf("%w: %v", model.ErrStageTimeout, cause)
	}
	stage := r.job.Stage
	r.job.FailReason = reason
	r.job.FailedStage = stage
	r.job.Error = cause.Error()
	meta := map[string]any{
		"reason":       string(reason),
		"error":        cause.Error(),
		"failed_stage": string(stage),
	}
	if r.retained > 0 {
		meta["snippets_retained"] = r.retained
	}
	if err := r.transition(model.StageFailed, meta); err != nil {
		r.log.Errorf("记录失败状态出错: %v", err)
	}
	r.log.WithField("stage", stage).Errorf("分类失败 (%s): %v", reason, cause)
	return &model.StageError{
		ReportID:   r.job.ReportID,
		CategoryID: r.job.CategoryID,
		Stage:      stage,
		Reason:     reason,
		Err:        cause,
	}
}

// transition 持久化任务、写审计事件并发布进度
func (r *run) transition(to model.Stage, meta map[string]any) error {
	from := r.job.Stage
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal stage transition %s -> %s", from, to)
	}
	now := r.p.opts.Now().UTC()
	r.job.Stage = to
	r.job.UpdatedAt = now
	if to.Terminal() {
		r.job.CompletedAt = &now
	}

	// 即使任务被取消也要落盘
	ctx := context.WithoutCancel(r.parent)
	store := r.p.opts.Store
	if err := store.Jobs.Put(ctx, r.job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}

	if meta == nil {
		meta = map[string]any{}
	}
	meta["attempt"] = r.job.Attempt
	if err := r.appendAudit("category_job", r.job.Key(), string(from), string(to), meta, now); err != nil {
		return err
	}

	r.p.opts.Progress.Publish(progress.Event{
		ReportID:   r.job.ReportID,
		CategoryID: r.job.CategoryID,
		Stage:      to,
		Status:     string(to),
		Progress:   stageProgress[to],
		Timestamp:  now,
	})
	r.log.Debugf("阶段变更 %s -> %s", from, to)
	return nil
}

func (r *run) appendAudit(entity, id, from, to string, meta map[string]any, at time.Time) error {
	if err := r.p.opts.Store.Audit.Put(context.WithoutCancel(r.parent), &model.AuditEvent{
		ID:            uuid.NewString(),
		CorrelationID: r.job.ReportID,
		EntityType:    entity,
		EntityID:      id,
		OldState:      from,
		NewState:      to,
		Metadata:      meta,
		Timestamp:     at,
	}); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func collectionError(out *coordinator.Outcome) error {
	if len(out.ProviderErrors) == 0 {
		return model.ErrNoSnippetsCollected
	}
	errs := []error{model.ErrNoSnippetsCollected}
	for _, a := range out.Absent() {
		errs = append(errs, fmt.Errorf("%s: %s", a.ProviderID, a.Reason))
	}
	return errors.Join(errs...)
}
