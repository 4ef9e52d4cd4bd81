package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/go-kratos/kratos/v2"
	klog "github.com/go-kratos/kratos/v2/log"
	"golang.org/x/time/rate"

	"github.com/iWorld-y/compound_radar/app/compound_radar/internal/biz"
	"github.com/iWorld-y/compound_radar/app/compound_radar/internal/server"
	"github.com/iWorld-y/compound_radar/app/compound_radar/internal/service"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/config"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/coordinator"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/engine"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/logger"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/pipeline"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/progress"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/resolver"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/scorer"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/search/factory"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/storage"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/summarize"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name 服务名称
	Name = "compound_radar"
	// Version 服务版本号
	Version string

	flagconf     string
	flagCompound string
	flagCats     string
	flagOut      string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "config", "app/compound_radar/configs/config.yaml", "config path, eg: -config config.yaml")
	flag.StringVar(&flagCompound, "compound", "", "analyse one compound and exit instead of serving HTTP")
	flag.StringVar(&flagCats, "categories", "", "comma separated category ids for -compound, default all")
	flag.StringVar(&flagOut, "out", "", "write the -compound result as JSON to this file instead of stdout")
}

func main() {
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(flagconf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法加载配置文件: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.InitLogger(cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "无法初始化日志: %v\n", err)
		os.Exit(1)
	}
	logger.Log.Info("启动化合物雷达...")

	ctx := context.Background()
	c, cleanup, err := build(ctx, cfg)
	if err != nil {
		logger.Log.Fatalf("初始化失败: %v", err)
	}
	defer cleanup()

	if flagCompound != "" {
		if err := runOnce(ctx, c.engine, c.broker); err != nil {
			logger.Log.Errorf("分析失败: %v", err)
			cleanup()
			os.Exit(1)
		}
		return
	}

	klogger := klog.With(klog.NewStdLogger(os.Stdout),
		"ts", klog.DefaultTimestamp,
		"caller", klog.DefaultCaller,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)
	svc := service.NewReportService(c.engine, biz.NewAuditUseCase(c.store.Audit, klogger), c.broker, klogger)
	hs := server.NewHTTPServer(cfg.Server, svc, klogger)
	app := kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(klogger),
		kratos.Server(hs),
	)
	logger.Log.Infof("HTTP 服务监听 %s", cfg.Server.Addr)
	if err := app.Run(); err != nil {
		logger.Log.Errorf("服务退出: %v", err)
	}
}

type components struct {
	store  *storage.Store
	engine *engine.Engine
	broker *progress.Broker
}

// build 组装存储、provider、流水线与引擎
func build(ctx context.Context, cfg *config.Config) (*components, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closers = nil
	}

	// 配置了数据库时使用 Postgres，否则使用内存存储
	store := storage.NewMemoryStore()
	if conn := cfg.DB.ConnString(); conn != "" {
		db, err := storage.Open(ctx, conn)
		if err != nil {
			logger.Log.Errorf("无法连接数据库: %v，将使用内存存储", err)
		} else {
			pg, err := storage.NewPostgresStore(ctx, db)
			if err != nil {
				_ = db.Close()
				return nil, cleanup, err
			}
			store = pg
			closers = append(closers, func() { _ = db.Close() })
			logger.Log.Info("已成功连接到数据库")
		}
	} else {
		logger.Log.Info("未配置数据库信息，使用内存存储")
	}

	providers, err := factory.NewProviders(ctx, cfg)
	if err != nil {
		return nil, cleanup, fmt.Errorf("搜索客户端初始化失败: %w", err)
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	logger.Log.Infof("已启用 provider: %s", strings.Join(names, ", "))

	coord := coordinator.New(providers, coordinator.Options{
		MaxConcurrent: cfg.Concurrency.MaxProviderCalls,
		Costs:         factory.Costs(cfg),
		Audit:         store.Audit,
	})
	sc := scorer.New(scorer.Config{
		Weights:        cfg.Scoring.Weights,
		Domains:        cfg.Scoring.Domains,
		PrimarySources: factory.PrimarySources(cfg),
		HalfLife:       time.Duration(cfg.Scoring.RecencyHalfLifeDays) * 24 * time.Hour,
		Floor:          cfg.Scoring.RecencyFloor,
	})
	res := resolver.New(resolver.Config{
		GroupThreshold: cfg.Resolver.GroupThreshold,
		ValueThreshold: cfg.Resolver.ValueThreshold,
	})

	var summarizer pipeline.Summarizer
	if cfg.LLM.APIKey != "" {
		chatModel, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("LLM 初始化失败: %w", err)
		}
		limit := rate.Limit(float64(cfg.Concurrency.RPM) / 60.0)
		limiter := rate.NewLimiter(limit, cfg.Concurrency.QPS)
		logger.Log.Infof("摘要限流器已配置: Limit=%.2f req/s, Burst=%d", limit, cfg.Concurrency.QPS)
		summarizer = summarize.NewLLM(chatModel, limiter, cfg.Pipeline.SummaryAttempts, cfg.Pipeline.RetryDelay())
	} else {
		logger.Log.Warn("未配置 LLM，摘要将使用模板生成")
	}

	broker := progress.NewBroker(64)
	closers = append(closers, broker.Close)

	pl := pipeline.New(pipeline.Options{
		Store:        store,
		Collector:    coord,
		Scorer:       sc,
		Resolver:     res,
		Summarizer:   summarizer,
		Progress:     broker,
		StageTimeout: cfg.Pipeline.StageBudget(),
		JobTimeout:   cfg.Pipeline.JobDeadline(),
	})
	eng := engine.New(engine.Options{
		Store:         store,
		Pipeline:      pl,
		Categories:    config.FileCategorySource{Path: flagconf},
		Progress:      broker,
		MaxCategories: cfg.Concurrency.MaxCategories,
		ReportTimeout: cfg.Pipeline.ReportDeadline(),
	})
	closers = append(closers, eng.Close)
	return &components{store: store, engine: eng, broker: broker}, cleanup, nil
}

// runOnce 命令行模式：提交一个化合物，打印进度并输出结果
func runOnce(ctx context.Context, eng *engine.Engine, broker *progress.Broker) error {
	var cats []string
	for _, c := range strings.Split(flagCats, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}

	reportID, err := eng.Submit(ctx, engine.SubmitRequest{Compound: flagCompound, Categories: cats})
	if err != nil {
		return err
	}
	events, unsubscribe := broker.Subscribe(reportID)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			if e.CategoryID == "" {
				logger.ForReport(e.ReportID, "").Infof("报告状态: %s", e.Status)
				if e.Progress == 100 {
					return
				}
				continue
			}
			logger.ForReport(e.ReportID, e.CategoryID).Infof("阶段: %s (%d%%)", e.Stage, e.Progress)
		}
	}()

	if err := eng.Wait(ctx, reportID); err != nil {
		return err
	}
	unsubscribe()
	<-done

	res, err := eng.GetResult(ctx, reportID)
	var re *model.ReportError
	if err != nil && !errors.As(err, &re) {
		return err
	}
	data, mErr := json.MarshalIndent(res, "", "  ")
	if mErr != nil {
		return mErr
	}
	if flagOut != "" {
		if wErr := os.WriteFile(flagOut, data, 0o644); wErr != nil {
			return wErr
		}
		logger.Log.Infof("结果已写入 %s", flagOut)
	} else {
		fmt.Println(string(data))
	}
	return err
}
