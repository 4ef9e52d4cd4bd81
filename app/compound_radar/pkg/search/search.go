package search

import (
	"context"
	"strings"
	"time"
)

// Provider 统一的外部信息源接口，搜索引擎与 LLM 都实现它
type Provider interface {
	Name() string
	Search(ctx context.Context, req *Request) (*Response, error)
}

// Request 通用搜索请求
type Request struct {
	Compound    string
	Category    string
	Query       string
	Temperature *float32 // nil 表示使用 provider 默认温度
	MaxResults  int
}

// Response 通用搜索响应
type Response struct {
	Results []Result
}

// Result 单条结果。搜索引擎通常只填 Title/URL/Content，LLM 会额外给出 Field/Value/Basis
type Result struct {
	Title         string
	URL           string
	Content       string
	Field         string
	Value         string
	Basis         string
	Score         float64
	PublishedDate string
}

// Clone 深拷贝响应，缓存命中时避免调用方互相影响
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Results: make([]Result, len(r.Results))}
	copy(out.Results, r.Results)
	return out
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.DateOnly,
	"2006/01/02",
	"2006-01",
	"2006",
}

// ParseDate 解析各 provider 返回的发布日期，无法识别时返回 nil
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
