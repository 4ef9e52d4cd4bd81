package biz

import (
	"context"
	"sort"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

// AuditRepo 审计事件仓库接口
type AuditRepo interface {
	// ListByReport 按写入顺序返回报告的全部审计事件
	ListByReport(ctx context.Context, reportID string) ([]*model.AuditEvent, error)
}

// ProviderUsage 单个 provider 在一份报告中的调用统计
type ProviderUsage struct {
	Provider  string `json:"provider"`
	Calls     int    `json:"calls"`
	Failures  int    `json:"failures"`
	Results   int    `json:"results"`
	LatencyMs int64  `json:"latency_ms"`
}

// AuditUseCase 审计轨迹与 provider 调用统计
type AuditUseCase struct {
	repo AuditRepo
	log  *log.Helper
}

// NewAuditUseCase 创建审计业务逻辑实例
func NewAuditUseCase(repo AuditRepo, logger log.Logger) *AuditUseCase {
	return &AuditUseCase{repo: repo, log: log.NewHelper(logger)}
}

// Trail 按时间排序的审计事件，entityType 非空时只保留该类实体
func (uc *AuditUseCase) Trail(ctx context.Context, reportID, entityType string) ([]*model.AuditEvent, error) {
	events, err := uc.repo.ListByReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.AuditEvent, 0, len(events))
	for _, e := range events {
		if entityType == "" || e.EntityType == entityType {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Usage 汇总 provider_call 事件，按 provider 名称排序
func (uc *AuditUseCase) Usage(ctx context.Context, reportID string) ([]ProviderUsage, error) {
	events, err := uc.Trail(ctx, reportID, "provider_call")
	if err != nil {
		return nil, err
	}
	byProvider := make(map[string]*ProviderUsage)
	for _, e := range events {
		name, _ := e.Metadata["provider"].(string)
		if name == "" {
			uc.log.Warnf("audit event %s has no provider", e.ID)
			continue
		}
		u, ok := byProvider[name]
		if !ok {
			u = &ProviderUsage{Provider: name}
			byProvider[name] = u
		}
		u.Calls++
		if e.NewState == "failed" {
			u.Failures++
		}
		u.Results += int(number(e.Metadata["results"]))
		u.LatencyMs += int64(number(e.Metadata["latency_ms"]))
	}

	out := make([]ProviderUsage, 0, len(byProvider))
	for _, u := range byProvider {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// number 元数据经过 JSON 往返后数字统一为 float64
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
