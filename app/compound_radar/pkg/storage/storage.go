package storage

import (
	"context"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

// Entity 可持久化的实体，Owner 为所属报告 id
type Entity interface {
	Key() string
	Owner() string
}

// Repository 单类实体的存取接口
type Repository[T Entity] interface {
	Put(ctx context.Context, v T) error
	Get(ctx context.Context, key string) (T, error)
	ListByReport(ctx context.Context, reportID string) ([]T, error)
}

// 实体类别，同时作为 entities 表的 kind 列
const (
	KindReport  = "report"
	KindJob     = "category_job"
	KindSnippet = "snippet"
	KindGroup   = "claim_group"
	KindResult  = "category_result"
	KindAudit   = "audit_event"
)

// Store 聚合所有实体的仓储
type Store struct {
	Reports  Repository[*model.Report]
	Jobs     Repository[*model.CategoryJob]
	Snippets Repository[*model.Snippet]
	Groups   Repository[*model.ClaimGroup]
	Results  Repository[*model.CategoryResult]
	Audit    Repository[*model.AuditEvent]
}

// NewMemoryStore 进程内存储，适合单机与测试
func NewMemoryStore() *Store {
	return &Store{
		Reports:  newMemoryRepo[*model.Report](KindReport, false),
		Jobs:     newMemoryRepo[*model.CategoryJob](KindJob, false),
		Snippets: newMemoryRepo[*model.Snippet](KindSnippet, true),
		Groups:   newMemoryRepo[*model.ClaimGroup](KindGroup, true),
		Results:  newMemoryRepo[*model.CategoryResult](KindResult, true),
		Audit:    newMemoryRepo[*model.AuditEvent](KindAudit, true),
	}
}
