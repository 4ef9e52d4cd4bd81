package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/logger"
	dm "github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
)

// Input 生成摘要所需的上下文
type Input struct {
	ReportID string
	Compound string
	Category dm.CategoryConfig
	Groups   []dm.ClaimGroup
}

// LLM 基于 eino ChatModel 的摘要生成器
type LLM struct {
	cm        model.BaseChatModel
	limiter   *rate.Limiter
	attempts  int
	baseDelay time.Duration
}

// NewLLM 创建摘要生成器，attempts 为最大尝试次数
func NewLLM(cm model.BaseChatModel, limiter *rate.Limiter, attempts int, baseDelay time.Duration) *LLM {
	if attempts <= 0 {
		attempts = 3
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &LLM{cm: cm, limiter: limiter, attempts: attempts, baseDelay: baseDelay}
}

const summaryPrompt = `You are a senior pharmaceutical intelligence analyst.
Write a concise summary (120-200 words) of the "%s" findings for the compound %s.
Use only the verified claims below. Mention unresolved conflicts explicitly and never invent values.
%s
Claims:
%s
Return ONLY JSON, no markdown: {"summary": "..."}`

// Summarize 生成摘要，失败时按指数退避重试，最终返回 SummarizationError
func (l *LLM) Summarize(ctx context.Context, in Input) (string, error) {
	extra := ""
	if in.Category.SummaryPrompt != "" {
		extra = "Additional instructions: " + in.Category.SummaryPrompt + "\n"
	}
	name := in.Category.Name
	if name == "" {
		name = in.Category.ID
	}
	messages := []*schema.Message{
		{Role: schema.System, Content: "You are a JSON generator. Output JSON only."},
		{Role: schema.User, Content: fmt.Sprintf(summaryPrompt, name, in.Compound, extra, claimLines(in.Groups))},
	}

	var lastErr error
	for i := 0; i < l.attempts; i++ {
		if i > 0 {
			delay := l.baseDelay
			if search.IsRateLimited(lastErr) {
				delay = l.baseDelay * time.Duration(1<<(i-1))
			}
			if err := sleep(ctx, delay); err != nil {
				return "", &dm.SummarizationError{Attempts: i, Err: err}
			}
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return "", &dm.SummarizationError{Attempts: i, Err: err}
		}

		resp, err := l.cm.Generate(ctx, messages)
		if err != nil {
			lastErr = err
			logger.ForReport(in.ReportID, in.Category.ID).Warnf("摘要生成失败 (%d/%d): %v", i+1, l.attempts, err)
			continue
		}

		var out struct {
			Summary string `json:"summary"`
		}
		if err := json.Unmarshal([]byte(search.StripFences(resp.Content)), &out); err != nil {
			lastErr = fmt.Errorf("json unmarshal: %w", err)
			continue
		}
		if strings.TrimSpace(out.Summary) == "" {
			lastErr = errors.New("empty summary")
			continue
		}
		return strings.TrimSpace(out.Summary), nil
	}
	return "", &dm.SummarizationError{Attempts: l.attempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func claimLines(groups []dm.ClaimGroup) string {
	var sb strings.Builder
	for _, g := range groups {
		if g.Status == dm.Resolved {
			fmt.Fprintf(&sb, "- %s: %s (confidence %.2f, %s)\n", g.Field, g.Value, g.Confidence, g.Strategy)
			continue
		}
		fmt.Fprintf(&sb, "- %s: UNRESOLVED, candidates: %s\n", g.Field, strings.Join(candidateValues(g), " | "))
	}
	return sb.String()
}

func candidateValues(g dm.ClaimGroup) []string {
	out := make([]string, 0, len(g.Candidates))
	for _, c := range g.Candidates {
		out = append(out, c.Value)
	}
	return out
}

// Template 不调用 LLM 的确定性摘要
func Template(in Input) string {
	name := in.Category.Name
	if name == "" {
		name = in.Category.ID
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", in.Compound, name)
	if len(in.Groups) == 0 {
		sb.WriteString("No claims were collected.\n")
		return sb.String()
	}
	for _, g := range in.Groups {
		if g.Status == dm.Resolved {
			fmt.Fprintf(&sb, "- %s: %s (confidence %.0f%%)\n", g.Field, g.Value, g.Confidence*100)
		} else {
			fmt.Fprintf(&sb, "- %s: unresolved (%s)\n", g.Field, strings.Join(candidateValues(g), " vs "))
		}
	}
	return sb.String()
}

// Fallback 摘要重试耗尽后的兜底：拼接所有已消解的取值
func Fallback(in Input) string {
	parts := make([]string, 0, len(in.Groups))
	for _, g := range in.Groups {
		if g.Status == dm.Resolved {
			parts = append(parts, g.Field+": "+g.Value)
		}
	}
	if len(parts) == 0 {
		return "No resolved claims."
	}
	return strings.Join(parts, "; ")
}
