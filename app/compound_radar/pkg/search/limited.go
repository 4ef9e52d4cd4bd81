package search

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limited 为 provider 加上令牌桶限流与单次调用超时，并统一错误分类
type Limited struct {
	next    Provider
	limiter *rate.Limiter
	timeout time.Duration
}

var _ Provider = (*Limited)(nil)

// NewLimited 创建限流包装，rpm 为每分钟请求数
func NewLimited(next Provider, rpm, burst int, timeout time.Duration) *Limited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60.0)
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
	}
}

func (l *Limited) Name() string { return l.next.Name() }

// Search 等待令牌后在超时内调用下游
func (l *Limited) Search(ctx context.Context, req *Request) (*Response, error) {
	callCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := l.limiter.Wait(callCtx); err != nil {
		if ctx.Err() != nil {
			return nil, Classify(l.Name(), ctx.Err())
		}
		if callCtx.Err() != nil {
			return nil, Classify(l.Name(), callCtx.Err())
		}
		// 令牌在超时前无法就绪
		return nil, &ProviderError{Provider: l.Name(), Kind: KindRateLimited, Err: err}
	}

	resp, err := l.next.Search(callCtx, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, &ProviderError{Provider: l.Name(), Kind: kindOf(ctx.Err()), Err: err}
		case callCtx.Err() != nil:
			return nil, &ProviderError{Provider: l.Name(), Kind: KindTimeout, Err: err}
		}
		return nil, Classify(l.Name(), err)
	}
	return resp, nil
}
