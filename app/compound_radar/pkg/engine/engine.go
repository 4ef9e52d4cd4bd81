package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/logger"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/pipeline"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/progress"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/storage"
)

// CategorySource 分类配置来源，每个报告开始时读取一次
type CategorySource interface {
	Categories(ctx context.Context) ([]model.CategoryConfig, error)
}

// Runner 单个分类的流水线，由 pipeline.Pipeline 实现
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (*model.CategoryResult, error)
}

// Options 引擎依赖与预算
type Options struct {
	Store         *storage.Store
	Pipeline      Runner
	Categories    CategorySource
	Progress      progress.Sink
	MaxCategories int
	ReportTimeout time.Duration
	// SnapshotSize 保留提交时分类配置的报告数，默认 1024
	SnapshotSize  int
	Now           func() time.Time
}

// SubmitRequest 提交一次化合物分析
type SubmitRequest struct {
	Compound   string   `json:"compound"`
	Categories []string `json:"categories"`
}

// ReportStatus 报告状态及每个分类的实时阶段
type ReportStatus struct {
	Report *model.Report       `json:"report"`
	Jobs   []model.CategoryJob `json:"jobs"`
}

// ReportResult 报告的最终产物
type ReportResult struct {
	Report   *model.Report           `json:"report"`
	Results  []model.CategoryResult  `json:"results"`
	Failures []model.CategoryFailure `json:"failures,omitempty"`
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine 报告编排：并发执行分类流水线，汇聚后给出报告状态
type Engine struct {
	opts Options

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	rerunMu sync.Mutex

	mu     sync.Mutex
	active map[string]*activeRun

	// 提交时的分类配置，供 Rerun 使用，淘汰后回退到 Categories
	snapshot *lru.Cache[string, []model.CategoryConfig]
}

// New 创建引擎
func New(opts Options) *Engine {
	if opts.Progress == nil {
		opts.Progress = progress.Nop{}
	}
	if opts.MaxCategories <= 0 {
		opts.MaxCategories = 3
	}
	if opts.SnapshotSize <= 0 {
		opts.SnapshotSize = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	// size 已保证为正数，lru.New 不会出错
	snapshot, _ := lru.New[string, []model.CategoryConfig](opts.SnapshotSize)
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		opts:     opts,
		base:     base,
		stop:     stop,
		active:   make(map[string]*activeRun),
		snapshot: snapshot,
	}
}

// Submit 校验请求、保存 pending 报告并异步执行，立即返回报告 id
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	compound := strings.TrimSpace(req.Compound)
	if compound == "" {
		return "", fmt.Errorf("%w: compound is required", model.ErrInvalidRequest)
	}
	cats, err := e.selectCategories(ctx, req.Categories)
	if err != nil {
		return "", err
	}

	now := e.opts.Now().UTC()
	report := &model.Report{
		ID:          uuid.NewString(),
		Compound:    compound,
		Status:      model.ReportPending,
		CategoryMap: make(map[string]model.Stage, len(cats)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, c := range cats {
		report.Categories = append(report.Categories, c.ID)
		report.CategoryMap[c.ID] = model.StageQueued
	}
	if err := e.opts.Store.Reports.Put(ctx, report); err != nil {
		return "", fmt.Errorf("persist report: %w", err)
	}
	e.audit(ctx, report, "", report.Status, map[string]any{"categories": report.Categories})

	e.snapshot.Add(report.ID, cats)

	e.launch(report.ID, func(ctx context.Context) {
		if _, err := e.Run(ctx, report, cats); err != nil {
			logger.Log.WithField("report_id", report.ID).Warnf("报告执行结束: %v", err)
		}
	})
	logger.Log.WithField("report_id", report.ID).Infof("已提交化合物 [%s]，共 %d 个分类", compound, len(cats))
	return report.ID, nil
}

func (e *Engine) selectCategories(ctx context.Context, ids []string) ([]model.CategoryConfig, error) {
	all, err := e.opts.Categories.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	if len(ids) == 0 {
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: no categories configured", model.ErrInvalidRequest)
		}
		return all, nil
	}
	byID := make(map[string]model.CategoryConfig, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	out := make([]model.CategoryConfig, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown category %q", model.ErrInvalidRequest, id)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// launch 在引擎的根 context 下启动一次运行，Cancel 与 Close 都作用于它
func (e *Engine) launch(reportID string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(e.base)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.active[reportID] = run
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(run.done)
		defer cancel()
		defer func() {
			e.mu.Lock()
			if e.active[reportID] == run {
				delete(e.active, reportID)
			}
			e.mu.Unlock()
		}()
		fn(ctx)
	}()
}

// Run 并发执行所有分类，等待全部结束后汇聚；没有分类完成时返回 *model.ReportError
func (e *Engine) Run(ctx context.Context, report *model.Report, cats []model.CategoryConfig) (*ReportResult, error) {
	if e.opts.ReportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ReportTimeout)
		defer cancel()
	}
	log := logger.Log.WithField("report_id", report.ID)
	if err := e.setStatus(ctx, report, model.ReportRunning, "", nil); err != nil {
		return nil, err
	}
	log.Infof("开始处理化合物 [%s]", report.Compound)

	var g errgroup.Group
	g.SetLimit(e.opts.MaxCategories)
	for _, cat := range cats {
		g.Go(func() error {
			if _, err := e.opts.Pipeline.Run(ctx, pipeline.Input{Report: report, Category: cat, Attempt: 1}); err != nil {
				log.WithField("category", cat.ID).Warnf("分类失败: %v", err)
			}
			// 分类失败互不影响，错误只体现在任务状态里
			return nil
		})
	}
	_ = g.Wait()

	return e.aggregate(context.WithoutCancel(ctx), report)
}

// Rerun 对已结束报告的单个分类重新执行，产生新的修订版本后重新汇聚。
// 这是报告终态唯一可以被改写的入口：报告回到 running，审计事件记下重跑的分类和次数，
// 之前的证据、claim group 与结果按修订版本保留，不会被覆盖。
func (e *Engine) Rerun(ctx context.Context, reportID, categoryID string) error {
	e.rerunMu.Lock()
	defer e.rerunMu.Unlock()

	report, err := e.opts.Store.Reports.Get(ctx, reportID)
	if err != nil {
		return err
	}
	if !report.Status.Terminal() || e.isActive(reportID) {
		return fmt.Errorf("report %s is %s: %w", reportID, report.Status, model.ErrNotReady)
	}

	cat, ok := e.categoryConfig(ctx, report, categoryID)
	if !ok {
		return fmt.Errorf("%w: category %q is not part of report %s", model.ErrInvalidRequest, categoryID, reportID)
	}
	attempt := 1
	if job, err := e.opts.Store.Jobs.Get(ctx, reportID+"/"+categoryID); err == nil {
		attempt = job.Attempt + 1
	}

	if err := e.setStatus(ctx, report, model.ReportRunning, "", map[string]any{
		"rerun":   categoryID,
		"attempt": attempt,
	}); err != nil {
		return err
	}
	logger.ForReport(reportID, categoryID).Infof("重新执行分类，第 %d 次", attempt)

	e.launch(reportID, func(ctx context.Context) {
		if e.opts.ReportTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.opts.ReportTimeout)
			defer cancel()
		}
		if _, err := e.opts.Pipeline.Run(ctx, pipeline.Input{Report: report, Category: cat, Attempt: attempt}); err != nil {
			logger.Log.WithField("report_id", reportID).Warnf("重新执行分类失败: %v", err)
		}
		if _, err := e.aggregate(context.WithoutCancel(ctx), report); err != nil {
			logger.Log.WithField("report_id", reportID).Warnf("报告执行结束: %v", err)
		}
	})
	return nil
}

func (e *Engine) categoryConfig(ctx context.Context, report *model.Report, id string) (model.CategoryConfig, bool) {
	member := false
	for _, c := range report.Categories {
		member = member || c == id
	}
	if !member {
		return model.CategoryConfig{}, false
	}
	snap, _ := e.snapshot.Get(report.ID)
	for _, c := range snap {
		if c.ID == id {
			return c, true
		}
	}
	// 快照已淘汰或进程重启过，回退到当前配置
	all, err := e.opts.Categories.Categories(ctx)
	if err != nil {
		return model.CategoryConfig{}, false
	}
	for _, c := range all {
		if c.ID == id {
			return c, true
		}
	}
	return model.CategoryConfig{}, false
}

// aggregate 根据各分类任务的最终阶段决定报告状态
func (e *Engine) aggregate(ctx context.Context, report *model.Report) (*ReportResult, error) {
	jobs, err := e.jobs(ctx, report)
	if err != nil {
		return nil, err
	}
	if report.CategoryMap == nil {
		report.CategoryMap = make(map[string]model.Stage, len(jobs))
	}
	done := 0
	for _, j := range jobs {
		report.CategoryMap[j.CategoryID] = j.Stage
		if j.Stage == model.StageDone {
			done++
		}
	}

	var status model.ReportStatus
	var runErr error
	switch {
	case done == len(report.Categories):
		status = model.ReportCompleted
	case done > 0:
		status = model.ReportPartiallyFailed
	default:
		status = model.ReportFailed
		runErr = &model.ReportError{ReportID: report.ID, Categories: failures(report, jobs)}
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := e.setStatus(ctx, report, status, msg, nil); err != nil {
		return nil, err
	}
	logger.Log.WithField("report_id", report.ID).Infof("报告结束: %s (%d/%d 个分类完成)", status, done, len(report.Categories))

	res, err := e.collect(ctx, report, jobs)
	if err != nil {
		return nil, err
	}
	return res, runErr
}

// jobs 按报告中的分类顺序返回任务，尚未创建的任务视为 queued
func (e *Engine) jobs(ctx context.Context, report *model.Report) ([]model.CategoryJob, error) {
	stored, err := e.opts.Store.Jobs.ListByReport(ctx, report.ID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	byCat := make(map[string]*model.CategoryJob, len(stored))
	for _, j := range stored {
		byCat[j.CategoryID] = j
	}
	out := make([]model.CategoryJob, 0, len(report.Categories))
	for _, id := range report.Categories {
		if j, ok := byCat[id]; ok {
			out = append(out, *j)
			continue
		}
		out = append(out, model.CategoryJob{ReportID: report.ID, CategoryID: id, Stage: model.StageQueued})
	}
	return out, nil
}

func (e *Engine) collect(ctx context.Context, report *model.Report, jobs []model.CategoryJob) (*ReportResult, error) {
	stored, err := e.opts.Store.Results.ListByReport(ctx, report.ID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	latest := make(map[string]*model.CategoryResult, len(stored))
	for _, r := range stored {
		latest[r.CategoryID+"#"+fmt.Sprint(r.Attempt)] = r
	}
	res := &ReportResult{Report: report, Results: []model.CategoryResult{}}
	for _, j := range jobs {
		if j.Stage != model.StageDone {
			continue
		}
		if r, ok := latest[j.CategoryID+"#"+fmt.Sprint(j.Attempt)]; ok {
			res.Results = append(res.Results, *r)
		}
	}
	res.Failures = failures(report, jobs)
	return res, nil
}

func failures(report *model.Report, jobs []model.CategoryJob) []model.CategoryFailure {
	var out []model.CategoryFailure
	for _, j := range jobs {
		if j.Stage == model.StageDone {
			continue
		}
		f := model.CategoryFailure{CategoryID: j.CategoryID, Stage: j.FailedStage, Reason: j.FailReason, Error: j.Error}
		if j.Stage != model.StageFailed {
			// 报告超时时尚未开始的分类
			f.Stage = j.Stage
			f.Reason = model.FailTimeout
			f.Error = "category did not finish before the report ended"
		}
		out = append(out, f)
	}
	return out
}

// GetStatus 返回报告状态，分类阶段取自任务的实时记录
func (e *Engine) GetStatus(ctx context.Context, reportID string) (*ReportStatus, error) {
	report, err := e.opts.Store.Reports.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	jobs, err := e.jobs(ctx, report)
	if err != nil {
		return nil, err
	}
	if report.CategoryMap == nil {
		report.CategoryMap = make(map[string]model.Stage, len(jobs))
	}
	for _, j := range jobs {
		report.CategoryMap[j.CategoryID] = j.Stage
	}
	return &ReportStatus{Report: report, Jobs: jobs}, nil
}

// GetResult 报告未结束时返回 model.ErrNotReady；全部失败时同时返回诊断信息和 *model.ReportError
func (e *Engine) GetResult(ctx context.Context, reportID string) (*ReportResult, error) {
	report, err := e.opts.Store.Reports.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !report.Status.Terminal() {
		return nil, fmt.Errorf("report %s is %s: %w", reportID, report.Status, model.ErrNotReady)
	}
	jobs, err := e.jobs(ctx, report)
	if err != nil {
		return nil, err
	}
	res, err := e.collect(ctx, report, jobs)
	if err != nil {
		return nil, err
	}
	if report.Status == model.ReportFailed {
		return res, &model.ReportError{ReportID: reportID, Categories: res.Failures}
	}
	return res, nil
}

// Cancel 协作式取消，只影响该报告；已结束的报告不做任何事
func (e *Engine) Cancel(ctx context.Context, reportID string) error {
	e.mu.Lock()
	run, ok := e.active[reportID]
	e.mu.Unlock()
	if ok {
		logger.Log.WithField("report_id", reportID).Info("收到取消请求")
		run.cancel()
		return nil
	}
	_, err := e.opts.Store.Reports.Get(ctx, reportID)
	return err
}

// Wait 阻塞到报告当前的运行结束
func (e *Engine) Wait(ctx context.Context, reportID string) error {
	e.mu.Lock()
	run, ok := e.active[reportID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 取消所有运行中的报告并等待退出
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

func (e *Engine) isActive(reportID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[reportID]
	return ok
}

func (e *Engine) setStatus(ctx context.Context, report *model.Report, status model.ReportStatus, msg string, meta map[string]any) error {
	old := report.Status
	now := e.opts.Now().UTC()
	report.Status = status
	report.Error = msg
	report.UpdatedAt = now
	report.CompletedAt = nil
	if status.Terminal() {
		report.CompletedAt = &now
	}
	if err := e.opts.Store.Reports.Put(context.WithoutCancel(ctx), report); err != nil {
		return fmt.Errorf("persist report: %w", err)
	}
	e.audit(ctx, report, old, status, meta)

	p := 0
	if status.Terminal() {
		p = 100
	}
	e.opts.Progress.Publish(progress.Event{ReportID: report.ID, Status: string(status), Progress: p, Timestamp: now})
	return nil
}

func (e *Engine) audit(ctx context.Context, report *model.Report, from, to model.ReportStatus, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["compound"] = report.Compound
	if report.Error != "" {
		meta["error"] = report.Error
	}
	err := e.opts.Store.Audit.Put(context.WithoutCancel(ctx), &model.AuditEvent{
		ID:            uuid.NewString(),
		CorrelationID: report.ID,
		EntityType:    "report",
		EntityID:      report.ID,
		OldState:      string(from),
		NewState:      string(to),
		Metadata:      meta,
		Timestamp:     e.opts.Now().UTC(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.WithField("report_id", report.ID).Errorf("写入审计事件失败: %v", err)
	}
}
