package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
)

const providerName = "gemini"

// contentGenerator *genai.Models 的子集
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client Gemini 事实来源
type Client struct {
	model string
	gen   contentGenerator
}

// Ensure Client implements search.Provider
var _ search.Provider = (*Client)(nil)

// NewClient 创建 Gemini API 客户端
func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	return &Client{model: model, gen: cli.Models}, nil
}

func (c *Client) Name() string { return providerName }

// Search 请求 application/json 输出并解析事实
func (c *Client) Search(ctx context.Context, req *search.Request) (*search.Response, error) {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if req.Temperature != nil {
		t := *req.Temperature
		cfg.Temperature = &t
	}

	resp, err := c.gen.GenerateContent(ctx, c.model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: search.FactPrompt(req)}}}},
		cfg,
	)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, &search.ProviderError{Provider: providerName, Kind: search.KindMalformed, Err: search.ErrMalformed}
	}

	facts, err := search.ParseFacts(resp.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return nil, &search.ProviderError{Provider: providerName, Kind: search.KindMalformed, Err: err}
	}
	return &search.Response{Results: search.FactsToResults(facts)}, nil
}
