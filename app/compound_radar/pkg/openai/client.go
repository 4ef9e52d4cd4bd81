package openai

import (
	"context"
	"fmt"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
)

const systemPrompt = "You are a JSON generator. Output JSON only."

// Config OpenAI 兼容接口配置，Perplexity 等服务只需替换 BaseURL 与 Model
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
}

// Client 把 OpenAI 兼容的对话模型当作事实来源
type Client struct {
	name string
	cm   model.BaseChatModel
}

// Ensure Client implements search.Provider
var _ search.Provider = (*Client)(nil)

// NewClient 初始化 eino ChatModel
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	cm, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Name, err)
	}
	return NewWithModel(cfg.Name, cm), nil
}

// NewWithModel 使用已有的 ChatModel
func NewWithModel(name string, cm model.BaseChatModel) *Client {
	return &Client{name: name, cm: cm}
}

func (c *Client) Name() string { return c.name }

// Search 让模型按 JSON 列出事实
func (c *Client) Search(ctx context.Context, req *search.Request) (*search.Response, error) {
	messages := []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: search.FactPrompt(req)},
	}

	var opts []model.Option
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}

	resp, err := c.cm.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s generate: %w", c.name, err)
	}

	facts, err := search.ParseFacts(resp.Content)
	if err != nil {
		return nil, &search.ProviderError{Provider: c.name, Kind: search.KindMalformed, Err: err}
	}
	return &search.Response{Results: search.FactsToResults(facts)}, nil
}
