package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/config"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/gemini"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/logger"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/openai"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/searxng"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/tavily"
)

// NewProviders 根据配置创建所有启用的 provider，并套上清洗、缓存与限流
func NewProviders(ctx context.Context, cfg *config.Config) (map[string]search.Provider, error) {
	pc := cfg.Providers
	providers := make(map[string]search.Provider)

	add := func(p search.Provider, common config.ProviderCommon, web bool) error {
		if web && pc.FullText.Enabled {
			p = search.NewFullText(p, pc.FullText.MinLength, pc.FullText.MaxLength,
				time.Duration(pc.FullText.Timeout)*time.Second, nil)
		}
		p = search.NewCleaner(p)
		if pc.Cache.Size > 0 {
			cached, err := search.NewCached(p, pc.Cache.Size)
			if err != nil {
				return err
			}
			p = cached
		}
		providers[p.Name()] = search.NewLimited(p, common.RPM, common.Burst, common.CallTimeout())
		return nil
	}

	if pc.Tavily.Enabled {
		if pc.Tavily.APIKey == "" {
			return nil, fmt.Errorf("tavily api key is missing")
		}
		c := tavily.NewClient(pc.Tavily.APIKey,
			tavily.WithSearchDepth(pc.Tavily.SearchDepth), tavily.WithTopic(pc.Tavily.Topic))
		if err := add(c, pc.Tavily.ProviderCommon, true); err != nil {
			return nil, err
		}
	}

	if pc.SearXNG.Enabled {
		if pc.SearXNG.BaseURL == "" {
			return nil, fmt.Errorf("searxng base url is missing")
		}
		c := searxng.NewClient(pc.SearXNG.BaseURL, pc.SearXNG.CallTimeout())
		if err := add(c, pc.SearXNG.ProviderCommon, true); err != nil {
			return nil, err
		}
	}

	for name, chat := range map[string]config.ChatProviderConfig{
		config.ProviderOpenAI:     pc.OpenAI,
		config.ProviderPerplexity: pc.Perplexity,
	} {
		if !chat.Enabled {
			continue
		}
		if chat.APIKey == "" {
			return nil, fmt.Errorf("%s api key is missing", name)
		}
		c, err := openai.NewClient(ctx, openai.Config{Name: name, BaseURL: chat.BaseURL, APIKey: chat.APIKey, Model: chat.Model})
		if err != nil {
			return nil, err
		}
		if err := add(c, chat.ProviderCommon, false); err != nil {
			return nil, err
		}
	}

	if pc.Gemini.Enabled {
		if pc.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini api key is missing")
		}
		c, err := gemini.NewClient(ctx, pc.Gemini.APIKey, pc.Gemini.Model)
		if err != nil {
			return nil, err
		}
		if err := add(c, pc.Gemini.ProviderCommon, false); err != nil {
			return nil, err
		}
	}

	logger.Log.Infof("已启用 %d 个 provider", len(providers))
	return providers, nil
}

// Costs 每个 provider 单次调用成本
func Costs(cfg *config.Config) map[string]float64 {
	pc := cfg.Providers
	return map[string]float64{
		config.ProviderTavily:     pc.Tavily.CostPerCall,
		config.ProviderSearXNG:    pc.SearXNG.CostPerCall,
		config.ProviderOpenAI:     pc.OpenAI.CostPerCall,
		config.ProviderPerplexity: pc.Perplexity.CostPerCall,
		config.ProviderGemini:     pc.Gemini.CostPerCall,
	}
}

// PrimarySources 被标记为一手数据源的 provider
func PrimarySources(cfg *config.Config) map[string]bool {
	pc := cfg.Providers
	out := make(map[string]bool)
	for name, common := range map[string]config.ProviderCommon{
		config.ProviderTavily:     pc.Tavily.ProviderCommon,
		config.ProviderSearXNG:    pc.SearXNG.ProviderCommon,
		config.ProviderOpenAI:     pc.OpenAI.ProviderCommon,
		config.ProviderPerplexity: pc.Perplexity.ProviderCommon,
		config.ProviderGemini:     pc.Gemini.ProviderCommon,
	} {
		if common.PrimarySource {
			out[name] = true
		}
	}
	return out
}
