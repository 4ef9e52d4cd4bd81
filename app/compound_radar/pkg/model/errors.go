package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoProvidersEnabled  = errors.New("no providers enabled")
	ErrNoSnippetsCollected = errors.New("no snippets collected")
	ErrStageTimeout        = errors.New("stage timeout")
	ErrReportFailed        = errors.New("no category completed")
	ErrNotReady            = errors.New("report not ready")
	ErrNotFound            = errors.New("not found")
	ErrImmutable           = errors.New("entity is immutable")
	ErrInvalidRequest      = errors.New("invalid request")
)

// StageError 分类任务致命错误，携带足以从审计事件复现的上下文
type StageError struct {
	ReportID   string
	CategoryID string
	Stage      Stage
	Reason     FailReason
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("report %s category %s failed at %s (%s): %v",
		e.ReportID, e.CategoryID, e.Stage, e.Reason, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// SummarizationError 摘要生成失败，由确定性回退兜底，不会导致分类失败
type SummarizationError struct {
	Attempts int
	Err      error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarization failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// CategoryFailure 报告级失败中单个分类的诊断信息
type CategoryFailure struct {
	CategoryID string     `json:"category_id"`
	Stage      Stage      `json:"stage"`
	Reason     FailReason `json:"reason"`
	Error      string     `json:"error"`
}

// ReportError 没有任何分类完成时返回给调用方
type ReportError struct {
	ReportID   string
	Categories []CategoryFailure
}

func (e *ReportError) Error() string {
	ids := make([]string, 0, len(e.Categories))
	for _, c := range e.Categories {
		ids = append(ids, c.CategoryID)
	}
	return fmt.Sprintf("report %s: %v (failed: %s)", e.ReportID, ErrReportFailed, strings.Join(ids, ", "))
}

func (e *ReportError) Unwrap() error { return ErrReportFailed }
