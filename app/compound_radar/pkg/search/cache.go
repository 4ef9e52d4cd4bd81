package search

import (
	"context"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached 以 provider/分类/查询/温度为键缓存成功的响应
type Cached struct {
	next  Provider
	cache *lru.Cache[string, *Response]
}

var _ Provider = (*Cached)(nil)

// NewCached 创建缓存包装
func NewCached(next Provider, size int) (*Cached, error) {
	c, err := lru.New[string, *Response](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) Search(ctx context.Context, req *Request) (*Response, error) {
	key := cacheKey(c.Name(), req)
	if resp, ok := c.cache.Get(key); ok {
		return resp.Clone(), nil
	}
	resp, err := c.next.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, resp.Clone())
	return resp, nil
}

func cacheKey(name string, req *Request) string {
	temp := "default"
	if req.Temperature != nil {
		temp = strconv.FormatFloat(float64(*req.Temperature), 'f', -1, 32)
	}
	return fmt.Sprintf("%s|%s|%s|%d|%s", name, req.Category, req.Query, req.MaxResults, temp)
}
