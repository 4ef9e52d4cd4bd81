package search

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Cleaner 去掉结果中的 HTML 标记
type Cleaner struct {
	next Provider
}

var _ Provider = (*Cleaner)(nil)

func NewCleaner(next Provider) *Cleaner { return &Cleaner{next: next} }

func (c *Cleaner) Name() string { return c.next.Name() }

func (c *Cleaner) Search(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.next.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := range resp.Results {
		r := &resp.Results[i]
		r.Title = StripHTML(r.Title)
		r.Content = StripHTML(r.Content)
		r.Value = StripHTML(r.Value)
	}
	return resp, nil
}

// StripHTML 提取纯文本并压缩空白
func StripHTML(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			doc.Find("script,style,noscript").Remove()
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
