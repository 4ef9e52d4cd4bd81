package model

import (
	"fmt"
	"strings"
	"time"
)

// ReportStatus 报告整体状态
type ReportStatus string

const (
	ReportPending         ReportStatus = "pending"
	ReportRunning         ReportStatus = "running"
	ReportCompleted       ReportStatus = "completed"
	ReportPartiallyFailed ReportStatus = "partially-failed"
	ReportFailed          ReportStatus = "failed"
)

// Terminal 是否为终态
func (s ReportStatus) Terminal() bool {
	switch s {
	case ReportCompleted, ReportPartiallyFailed, ReportFailed:
		return true
	}
	return false
}

// Stage 分类任务所处阶段
type Stage string

const (
	StageQueued      Stage = "queued"
	StageCollecting  Stage = "collecting"
	StageVerifying   Stage = "verifying"
	StageMerging     Stage = "merging"
	StageSummarizing Stage = "summarizing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

var stageRank = map[Stage]int{
	StageQueued:      0,
	StageCollecting:  1,
	StageVerifying:   2,
	StageMerging:     3,
	StageSummarizing: 4,
	StageDone:        5,
}

// Terminal 是否为终态
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// CanTransition 阶段只允许前进，或从非终态进入 failed
func (s Stage) CanTransition(to Stage) bool {
	if s.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	from, ok := stageRank[s]
	if !ok {
		return false
	}
	next, ok := stageRank[to]
	return ok && next > from
}

// FailReason 分类任务失败原因
type FailReason string

const (
	FailCollection FailReason = "collection"
	FailTimeout    FailReason = "timeout"
	FailCancelled  FailReason = "cancelled"
	FailInternal   FailReason = "internal"
)

// Report 一次化合物分析任务
type Report struct {
	ID          string           `json:"id"`
	Compound    string           `json:"compound"`
	Categories  []string         `json:"categories"`
	CategoryMap map[string]Stage `json:"category_status"`
	Status      ReportStatus     `json:"status"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (r *Report) Key() string   { return r.ID }
func (r *Report) Owner() string { return r.ID }

// CategoryJob 报告中某个分类的流水线实例
type CategoryJob struct {
	ReportID    string     `json:"report_id"`
	CategoryID  string     `json:"category_id"`
	Stage       Stage      `json:"stage"`
	Attempt     int        `json:"attempt"`
	Retries     int        `json:"retries"`
	FailReason  FailReason `json:"fail_reason,omitempty"`
	FailedStage Stage      `json:"failed_stage,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (j *CategoryJob) Key() string   { return j.ReportID + "/" + j.CategoryID }
func (j *CategoryJob) Owner() string { return j.ReportID }

// SourceTier 来源权威等级
type SourceTier string

const (
	TierPaidAPI      SourceTier = "paid-api"
	TierGovernment   SourceTier = "government"
	TierPeerReviewed SourceTier = "peer-reviewed"
	TierIndustryDB   SourceTier = "industry-database"
	TierCompany      SourceTier = "company"
	TierNews         SourceTier = "news"
	TierUnclassified SourceTier = "unclassified"
)

// Tiers 按权威从高到低排列
var Tiers = []SourceTier{
	TierPaidAPI, TierGovernment, TierPeerReviewed, TierIndustryDB, TierCompany, TierNews, TierUnclassified,
}

// Snippet 单次 provider 调用返回的一条证据
type Snippet struct {
	ID          string     `json:"id"`
	ReportID    string     `json:"report_id"`
	CategoryID  string     `json:"category_id"`
	Attempt     int        `json:"attempt"`
	ProviderID  string     `json:"provider_id"`
	Temperature *float32   `json:"temperature,omitempty"`
	Title       string     `json:"title,omitempty"`
	Text        string     `json:"text"`
	Field       string     `json:"field"`
	Value       string     `json:"value"`
	Basis       string     `json:"basis,omitempty"`
	SourceURL   string     `json:"source_url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Tier        SourceTier `json:"tier,omitempty"`
	Authority   float64    `json:"authority"`
	Recency     float64    `json:"recency"`
	Relevance   float64    `json:"relevance"`
	ExtractedAt time.Time  `json:"extracted_at"`
}

func (s *Snippet) Key() string   { return s.ID }
func (s *Snippet) Owner() string { return s.ReportID }

// ConflictType 冲突类型
type ConflictType string

const (
	ConflictNone           ConflictType = "none"
	ConflictFactual        ConflictType = "factual"
	ConflictTemporal       ConflictType = "temporal"
	ConflictMethodological ConflictType = "methodological"
)

// Strategy 冲突消解策略
type Strategy string

const (
	StrategyAuto                Strategy = ""
	StrategyCredibilityWeighted Strategy = "credibility-weighted"
	StrategyTemporalPrecedence  Strategy = "temporal-precedence"
	StrategyMethodologicalRigor Strategy = "methodological-rigor"
	StrategyConsensus           Strategy = "consensus"
)

// Valid 是否为已知策略
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAuto, StrategyCredibilityWeighted, StrategyTemporalPrecedence,
		StrategyMethodologicalRigor, StrategyConsensus:
		return true
	}
	return false
}

// ResolutionStatus 冲突组的最终状态，只有这两种
type ResolutionStatus string

const (
	Resolved   ResolutionStatus = "resolved"
	Unresolved ResolutionStatus = "unresolved"
)

// Candidate 冲突组中的一个候选取值
type Candidate struct {
	Value      string   `json:"value"`
	Weight     float64  `json:"weight"`
	Count      int      `json:"count"`
	SnippetIDs []string `json:"snippet_ids"`
}

// ClaimGroup 描述同一事实的证据集合
type ClaimGroup struct {
	ID         string           `json:"id"`
	Revision   int              `json:"revision"`
	ReportID   string           `json:"report_id"`
	CategoryID string           `json:"category_id"`
	Field      string           `json:"field"`
	SnippetIDs []string         `json:"snippet_ids"`
	Agreement  bool             `json:"agreement"`
	Conflict   ConflictType     `json:"conflict"`
	Candidates []Candidate      `json:"candidates"`
	Status     ResolutionStatus `json:"status"`
	Value      string           `json:"value,omitempty"`
	Confidence float64          `json:"confidence"`
	Strategy   Strategy         `json:"strategy"`
}

func (g *ClaimGroup) Key() string {
	return fmt.Sprintf("%s/%s/%s@%d", g.ReportID, g.CategoryID, g.ID, g.Revision)
}
func (g *ClaimGroup) Owner() string { return g.ReportID }

// SummarySource 摘要的生成方式
type SummarySource string

const (
	SummaryLLM      SummarySource = "llm"
	SummaryTemplate SummarySource = "template"
	SummaryFallback SummarySource = "fallback"
)

// SourceAttribution 对结果有贡献的证据
type SourceAttribution struct {
	SnippetID  string     `json:"snippet_id"`
	ProviderID string     `json:"provider_id"`
	URL        string     `json:"url,omitempty"`
	Tier       SourceTier `json:"tier"`
}

// AbsentProvider 未能提供证据的 provider
type AbsentProvider struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

// CategoryResult 单个分类的最终输出
type CategoryResult struct {
	ReportID      string              `json:"report_id"`
	CategoryID    string              `json:"category_id"`
	Attempt       int                 `json:"attempt"`
	Summary       string              `json:"summary"`
	SummarySource SummarySource       `json:"summary_source"`
	ClaimGroups   []ClaimGroup        `json:"claim_groups"`
	Confidence    float64             `json:"confidence"`
	DataQuality   float64             `json:"data_quality"`
	Sources       []SourceAttribution `json:"sources"`
	Absent        []AbsentProvider    `json:"absent_providers,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func (r *CategoryResult) Key() string {
	return fmt.Sprintf("%s/%s#%d", r.ReportID, r.CategoryID, r.Attempt)
}
func (r *CategoryResult) Owner() string { return r.ReportID }

// AuditEvent 状态变化的只追加记录
type AuditEvent struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	OldState      string         `json:"old_state,omitempty"`
	NewState      string         `json:"new_state"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (e *AuditEvent) Key() string   { return e.ID }
func (e *AuditEvent) Owner() string { return e.CorrelationID }

// CategoryConfig 分类配置，分类差异只存在于数据中
type CategoryConfig struct {
	ID            string    `yaml:"id" json:"id"`
	Name          string    `yaml:"name" json:"name"`
	Query         string    `yaml:"query" json:"query"`
	Providers     []string  `yaml:"providers" json:"providers"`
	Temperatures  []float32 `yaml:"temperatures" json:"temperatures"`
	Strategy      Strategy  `yaml:"strategy" json:"strategy,omitempty"`
	MaxResults    int       `yaml:"max_results" json:"max_results,omitempty"`
	Summarize     bool      `yaml:"summarize" json:"summarize"`
	SummaryPrompt string    `yaml:"summary_prompt" json:"summary_prompt,omitempty"`
}

// BuildQuery 用化合物名称填充查询模板，模板中没有 {compound} 时直接拼接
func (c CategoryConfig) BuildQuery(compound string) string {
	if c.Query == "" {
		return compound + " " + c.Name
	}
	if strings.Contains(c.Query, "{compound}") {
		return strings.ReplaceAll(c.Query, "{compound}", compound)
	}
	return compound + " " + c.Query
}
