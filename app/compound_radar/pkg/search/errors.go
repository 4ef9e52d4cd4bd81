package search

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind provider 调用失败的分类
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindTransport   ErrorKind = "transport"
	KindCancelled   ErrorKind = "cancelled"
)

// ErrMalformed provider 返回了无法解析的内容
var ErrMalformed = errors.New("malformed provider response")

// ProviderError 单个 provider 调用失败，只影响这一次调用
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StatusError HTTP 接口返回了非 200 状态码
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Code, e.Body)
}

// Classify 将任意错误归类为 ProviderError
func Classify(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return pe
	}
	return &ProviderError{Provider: provider, Kind: kindOf(err), Err: err}
}

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	}

	var se *StatusError
	if errors.As(err, &se) && se.Code == 429 {
		return KindRateLimited
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "resource_exhausted") {
		return KindRateLimited
	}
	return KindTransport
}

// IsRateLimited 是否因为限流失败，调用方据此退避重试
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return kindOf(err) == KindRateLimited
}
