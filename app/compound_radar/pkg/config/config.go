package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

// provider 名称
const (
	ProviderTavily     = "tavily"
	ProviderSearXNG    = "searxng"
	ProviderOpenAI     = "openai"
	ProviderPerplexity = "perplexity"
	ProviderGemini     = "gemini"
)

// KnownProviders 支持的全部 provider
var KnownProviders = []string{ProviderTavily, ProviderSearXNG, ProviderOpenAI, ProviderPerplexity, ProviderGemini}

// Config 项目配置结构体
type Config struct {
	LLM         LLMConfig              `yaml:"llm"`
	Providers   ProvidersConfig        `yaml:"providers"`
	Categories  []model.CategoryConfig `yaml:"categories"`
	Scoring     ScoringConfig          `yaml:"scoring"`
	Resolver    ResolverConfig         `yaml:"resolver"`
	Pipeline    PipelineConfig         `yaml:"pipeline"`
	Concurrency ConcurrencyConfig      `yaml:"concurrency"`
	DB          DBConfig               `yaml:"db"`
	Log         LogConfig              `yaml:"log"`
	Server      ServerConfig           `yaml:"server"`
}

// LLMConfig 摘要阶段使用的 LLM
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ProviderCommon 每个 provider 共有的限流、超时与成本配置
type ProviderCommon struct {
	Enabled       bool    `yaml:"enabled"`
	RPM           int     `yaml:"rpm"`
	Burst         int     `yaml:"burst"`
	Timeout       int     `yaml:"timeout"` // 秒
	CostPerCall   float64 `yaml:"cost_per_call"`
	PrimarySource bool    `yaml:"primary_source"`
	MaxResults    int     `yaml:"max_results"`
}

// CallTimeout 单次调用超时
func (p ProviderCommon) CallTimeout() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// ProvidersConfig 外部搜索/LLM provider 配置
type ProvidersConfig struct {
	Tavily     TavilyConfig       `yaml:"tavily"`
	SearXNG    SearXNGConfig      `yaml:"searxng"`
	OpenAI     ChatProviderConfig `yaml:"openai"`
	Perplexity ChatProviderConfig `yaml:"perplexity"`
	Gemini     GeminiConfig       `yaml:"gemini"`
	Cache      CacheConfig        `yaml:"cache"`
	FullText   FullTextConfig     `yaml:"full_text"`
}

// TavilyConfig Tavily 配置
type TavilyConfig struct {
	ProviderCommon `yaml:",inline"`
	APIKey         string `yaml:"api_key"`
	SearchDepth    string `yaml:"search_depth"`
	Topic          string `yaml:"topic"`
}

// SearXNGConfig SearXNG 配置
type SearXNGConfig struct {
	ProviderCommon `yaml:",inline"`
	BaseURL        string `yaml:"base_url"`
}

// ChatProviderConfig OpenAI 兼容协议的 provider 配置
type ChatProviderConfig struct {
	ProviderCommon `yaml:",inline"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
}

// GeminiConfig Gemini 配置
type GeminiConfig struct {
	ProviderCommon `yaml:",inline"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
}

// CacheConfig provider 响应缓存，Size 为 0 时关闭
type CacheConfig struct {
	Size int `yaml:"size"`
}

// FullTextConfig 摘要过短时抓取正文
type FullTextConfig struct {
	Enabled   bool `yaml:"enabled"`
	MinLength int  `yaml:"min_length"`
	MaxLength int  `yaml:"max_length"`
	Timeout   int  `yaml:"timeout"` // 秒
}

// ScoringConfig 来源评分配置
type ScoringConfig struct {
	Weights             map[model.SourceTier]float64  `yaml:"weights"`
	Domains             map[model.SourceTier][]string `yaml:"domains"`
	RecencyHalfLifeDays int                           `yaml:"recency_half_life_days"`
	RecencyFloor        float64                       `yaml:"recency_floor"`
}

// ResolverConfig 冲突检测阈值
type ResolverConfig struct {
	GroupThreshold float64 `yaml:"group_threshold"`
	ValueThreshold float64 `yaml:"value_threshold"`
}

// PipelineConfig 流水线阶段预算
type PipelineConfig struct {
	StageTimeout      int `yaml:"stage_timeout"`  // 秒
	JobBudget         int `yaml:"job_budget"`     // 秒
	ReportTimeout     int `yaml:"report_timeout"` // 秒
	SummaryAttempts   int `yaml:"summary_attempts"`
	SummaryRetryDelay int `yaml:"summary_retry_delay"` // 毫秒
}

// ConcurrencyConfig 并发控制配置
type ConcurrencyConfig struct {
	MaxProviderCalls int `yaml:"max_provider_calls"`
	MaxCategories    int `yaml:"max_categories"`
	QPS              int `yaml:"qps"`
	RPM              int `yaml:"rpm"`
}

// DBConfig 数据库相关配置，DSN 优先
type DBConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ConnString 拼接 lib/pq 连接串
func (c DBConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

// LogConfig 日志相关配置
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Timeout string `yaml:"timeout"`
}

// LoadConfig 从指定路径加载配置，并叠加 .env 与环境变量
func LoadConfig(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Parse 解析 YAML 并补齐默认值
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults 零值字段填充默认值
func (c *Config) ApplyDefaults() {
	if c.Concurrency.MaxProviderCalls <= 0 {
		c.Concurrency.MaxProviderCalls = 3
	}
	if c.Concurrency.MaxCategories <= 0 {
		c.Concurrency.MaxCategories = 3
	}
	if c.Concurrency.QPS <= 0 {
		c.Concurrency.QPS = 1
	}
	if c.Concurrency.RPM <= 0 {
		c.Concurrency.RPM = 60
	}

	if c.Resolver.GroupThreshold <= 0 {
		c.Resolver.GroupThreshold = 0.5
	}
	if c.Resolver.ValueThreshold <= 0 {
		c.Resolver.ValueThreshold = 0.6
	}

	if c.Scoring.RecencyHalfLifeDays <= 0 {
		c.Scoring.RecencyHalfLifeDays = 5 * 365
	}
	if c.Scoring.RecencyFloor <= 0 {
		c.Scoring.RecencyFloor = 0.25
	}

	if c.Pipeline.StageTimeout <= 0 {
		c.Pipeline.StageTimeout = 120
	}
	if c.Pipeline.JobBudget <= 0 {
		c.Pipeline.JobBudget = 600
	}
	if c.Pipeline.ReportTimeout <= 0 {
		c.Pipeline.ReportTimeout = 1800
	}
	if c.Pipeline.SummaryAttempts <= 0 {
		c.Pipeline.SummaryAttempts = 3
	}
	if c.Pipeline.SummaryRetryDelay <= 0 {
		c.Pipeline.SummaryRetryDelay = 2000
	}

	if c.Providers.FullText.MinLength <= 0 {
		c.Providers.FullText.MinLength = 500
	}
	if c.Providers.FullText.MaxLength <= 0 {
		c.Providers.FullText.MaxLength = 5000
	}
	if c.Providers.FullText.Timeout <= 0 {
		c.Providers.FullText.Timeout = 30
	}

	for _, p := range []*ProviderCommon{
		&c.Providers.Tavily.ProviderCommon,
		&c.Providers.SearXNG.ProviderCommon,
		&c.Providers.OpenAI.ProviderCommon,
		&c.Providers.Perplexity.ProviderCommon,
		&c.Providers.Gemini.ProviderCommon,
	} {
		if p.Timeout <= 0 {
			p.Timeout = 30
		}
		if p.RPM <= 0 {
			p.RPM = 60
		}
		if p.Burst <= 0 {
			p.Burst = 1
		}
		if p.MaxResults <= 0 {
			p.MaxResults = 8
		}
	}
	if c.Providers.Gemini.Model == "" {
		c.Providers.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Providers.Perplexity.BaseURL == "" {
		c.Providers.Perplexity.BaseURL = "https://api.perplexity.ai"
	}
	if c.Providers.Perplexity.Model == "" {
		c.Providers.Perplexity.Model = "sonar"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "0.0.0.0:8000"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TAVILY_API_KEY"); v != "" {
		c.Providers.Tavily.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("PERPLEXITY_API_KEY"); v != "" {
		c.Providers.Perplexity.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MAX_CONCURRENT_CATEGORIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Concurrency.MaxCategories = n
		}
	}
}

// Validate 校验分类配置
func (c *Config) Validate() error {
	if len(c.Categories) == 0 {
		return errors.New("no categories configured")
	}
	known := make(map[string]bool, len(KnownProviders))
	for _, p := range KnownProviders {
		known[p] = true
	}
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		if cat.ID == "" {
			return errors.New("category without id")
		}
		if seen[cat.ID] {
			return fmt.Errorf("duplicate category %q", cat.ID)
		}
		seen[cat.ID] = true
		if len(cat.Providers) == 0 {
			return fmt.Errorf("category %q has no providers", cat.ID)
		}
		for _, p := range cat.Providers {
			if !known[p] {
				return fmt.Errorf("category %q: unknown provider %q", cat.ID, p)
			}
		}
		if !cat.Strategy.Valid() {
			return fmt.Errorf("category %q: unknown strategy %q", cat.ID, cat.Strategy)
		}
	}
	return nil
}

// StaticCategories 固定的分类配置
type StaticCategories []model.CategoryConfig

// Categories 返回副本，调用方修改不会影响配置
func (s StaticCategories) Categories(_ context.Context) ([]model.CategoryConfig, error) {
	out := make([]model.CategoryConfig, len(s))
	copy(out, s)
	return out, nil
}

// FileCategorySource 每次读取时重新加载配置文件，报告开始时生效
type FileCategorySource struct {
	Path string
}

// Categories 读取文件中的分类配置
func (f FileCategorySource) Categories(_ context.Context) ([]model.CategoryConfig, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read categories: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.Categories, nil
}

// StageBudget 单阶段超时
func (p PipelineConfig) StageBudget() time.Duration {
	return time.Duration(p.StageTimeout) * time.Second
}

// JobDeadline 单个分类任务的总预算
func (p PipelineConfig) JobDeadline() time.Duration {
	return time.Duration(p.JobBudget) * time.Second
}

// ReportDeadline 整个报告的预算
func (p PipelineConfig) ReportDeadline() time.Duration {
	return time.Duration(p.ReportTimeout) * time.Second
}

// RetryDelay 摘要重试间隔
func (p PipelineConfig) RetryDelay() time.Duration {
	return time.Duration(p.SummaryRetryDelay) * time.Millisecond
}
