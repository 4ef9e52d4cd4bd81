package service

import (
	"context"
	"errors"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"

	"github.com/iWorld-y/compound_radar/app/compound_radar/internal/biz"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/engine"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/progress"
)

// Engine 服务层依赖的报告编排能力，由 engine.Engine 实现
type Engine interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, reportID string) (*engine.ReportStatus, error)
	GetResult(ctx context.Context, reportID string) (*engine.ReportResult, error)
	Cancel(ctx context.Context, reportID string) error
	Rerun(ctx context.Context, reportID, categoryID string) error
}

// ReportService 报告相关接口
type ReportService struct {
	engine Engine
	audit  *biz.AuditUseCase
	broker *progress.Broker
	log    *log.Helper
}

func NewReportService(e Engine, audit *biz.AuditUseCase, broker *progress.Broker, logger log.Logger) *ReportService {
	return &ReportService{
		engine: e,
		audit:  audit,
		broker: broker,
		log:    log.NewHelper(logger),
	}
}

// SubmitReply 提交结果
type SubmitReply struct {
	ID     string             `json:"id"`
	Status model.ReportStatus `json:"status"`
}

func (s *ReportService) Submit(ctx context.Context, req *engine.SubmitRequest) (*SubmitReply, error) {
	id, err := s.engine.Submit(ctx, *req)
	if err != nil {
		return nil, s.mapError(err)
	}
	return &SubmitReply{ID: id, Status: model.ReportPending}, nil
}

func (s *ReportService) GetStatus(ctx context.Context, id string) (*engine.ReportStatus, error) {
	st, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		return nil, s.mapError(err)
	}
	return st, nil
}

// GetResult 全部分类失败时仍返回诊断信息，报告状态为 failed
func (s *ReportService) GetResult(ctx context.Context, id string) (*engine.ReportResult, error) {
	res, err := s.engine.GetResult(ctx, id)
	var re *model.ReportError
	if errors.As(err, &re) && res != nil {
		return res, nil
	}
	if err != nil {
		return nil, s.mapError(err)
	}
	return res, nil
}

func (s *ReportService) Cancel(ctx context.Context, id string) error {
	return s.mapError(s.engine.Cancel(ctx, id))
}

func (s *ReportService) Rerun(ctx context.Context, id, category string) error {
	return s.mapError(s.engine.Rerun(ctx, id, category))
}

// Audit 报告的审计轨迹，entity 为空时返回全部
func (s *ReportService) Audit(ctx context.Context, id, entity string) ([]*model.AuditEvent, error) {
	if _, err := s.engine.GetStatus(ctx, id); err != nil {
		return nil, s.mapError(err)
	}
	events, err := s.audit.Trail(ctx, id, entity)
	if err != nil {
		return nil, s.mapError(err)
	}
	return events, nil
}

// Usage 报告中各 provider 的调用次数、失败数与耗时
func (s *ReportService) Usage(ctx context.Context, id string) ([]biz.ProviderUsage, error) {
	if _, err := s.engine.GetStatus(ctx, id); err != nil {
		return nil, s.mapError(err)
	}
	usage, err := s.audit.Usage(ctx, id)
	if err != nil {
		return nil, s.mapError(err)
	}
	return usage, nil
}

// Subscribe 订阅报告的进度事件，broker 未配置时返回 nil
func (s *ReportService) Subscribe(ctx context.Context, id string) (<-chan progress.Event, func(), error) {
	if _, err := s.engine.GetStatus(ctx, id); err != nil {
		return nil, nil, s.mapError(err)
	}
	if s.broker == nil {
		return nil, func() {}, kerrors.ServiceUnavailable("PROGRESS_DISABLED", "progress streaming is not enabled")
	}
	ch, cancel := s.broker.Subscribe(id)
	return ch, cancel, nil
}

func (s *ReportService) mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrInvalidRequest):
		return kerrors.BadRequest("INVALID_REQUEST", err.Error())
	case errors.Is(err, model.ErrNotFound):
		return kerrors.NotFound("REPORT_NOT_FOUND", err.Error())
	case errors.Is(err, model.ErrNotReady):
		return kerrors.Conflict("REPORT_NOT_READY", err.Error())
	}
	s.log.Errorf("request failed: %v", err)
	return kerrors.InternalServer("INTERNAL", "internal error")
}
