package search

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Fact LLM 返回的一条结构化事实
type Fact struct {
	Field         string `json:"field"`
	Value         string `json:"value"`
	Basis         string `json:"basis,omitempty"`
	Title         string `json:"title,omitempty"`
	SourceURL     string `json:"source_url,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
}

const factPrompt = `You are a pharmaceutical research analyst.
Compound: %s
Research category: %s
Question: %s

List the distinct, verifiable facts you know about this question. Return ONLY JSON, no markdown:
{"facts": [{"field": "short name of the attribute", "value": "the asserted value", "basis": "measurement basis or study type, empty if unknown", "title": "source title", "source_url": "best source URL, empty if unknown", "published_date": "YYYY-MM-DD, empty if unknown"}]}
Return at most %d facts.`

// FactPrompt LLM provider 共用的提示词
func FactPrompt(req *Request) string {
	n := req.MaxResults
	if n <= 0 {
		n = 8
	}
	return fmt.Sprintf(factPrompt, req.Compound, req.Category, req.Query, n)
}

// StripFences 去掉模型习惯性包裹的 markdown 代码块
func StripFences(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseFacts 解析 {"facts": [...]} 或裸数组
func ParseFacts(content string) ([]Fact, error) {
	s := StripFences(content)
	if s == "" {
		return nil, fmt.Errorf("%w: empty content", ErrMalformed)
	}

	var facts []Fact
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &facts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var wrapper struct {
			Facts []Fact `json:"facts"`
		}
		if err := json.Unmarshal([]byte(s), &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		facts = wrapper.Facts
	}

	out := facts[:0]
	for _, f := range facts {
		f.Field = strings.TrimSpace(f.Field)
		f.Value = strings.TrimSpace(f.Value)
		if f.Field == "" || f.Value == "" {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// FactsToResults 将事实转为通用结果
func FactsToResults(facts []Fact) []Result {
	results := make([]Result, 0, len(facts))
	for _, f := range facts {
		title := f.Title
		if title == "" {
			title = f.Field
		}
		results = append(results, Result{
			Title:         title,
			URL:           f.SourceURL,
			Content:       f.Field + ": " + f.Value,
			Field:         f.Field,
			Value:         f.Value,
			Basis:         f.Basis,
			PublishedDate: f.PublishedDate,
		})
	}
	return results
}
