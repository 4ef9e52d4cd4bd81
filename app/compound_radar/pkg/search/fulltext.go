package search

import (
	"context"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/logger"
)

// FetchFunc 抓取网页正文
type FetchFunc func(url string, timeout time.Duration) (string, error)

// FullText 摘要过短时抓取网页正文补全内容
type FullText struct {
	next      Provider
	minLength int
	maxLength int
	timeout   time.Duration
	fetch     FetchFunc
}

var _ Provider = (*FullText)(nil)

// NewFullText 创建正文补全包装，fetch 为空时使用 readability
func NewFullText(next Provider, minLength, maxLength int, timeout time.Duration, fetch FetchFunc) *FullText {
	if fetch == nil {
		fetch = fetchAndCleanContent
	}
	return &FullText{next: next, minLength: minLength, maxLength: maxLength, timeout: timeout, fetch: fetch}
}

func (f *FullText) Name() string { return f.next.Name() }

func (f *FullText) Search(ctx context.Context, req *Request) (*Response, error) {
	resp, err := f.next.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := range resp.Results {
		if ctx.Err() != nil {
			break
		}
		r := &resp.Results[i]
		if r.URL != "" && len(r.Content) < f.minLength {
			fetched, err := f.fetch(r.URL, f.timeout)
			if err != nil {
				logger.Log.Debugf("抓取正文失败 [%s]: %v", r.URL, err)
			} else if len(fetched) > len(r.Content) {
				r.Content = fetched
			}
		}
		r.Content = truncate(r.Content, f.maxLength)
	}
	return resp, nil
}

func fetchAndCleanContent(url string, timeout time.Duration) (string, error) {
	article, err := readability.FromURL(url, timeout)
	if err != nil {
		return "", err
	}
	return article.TextContent, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
