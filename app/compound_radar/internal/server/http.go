package server

import (
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"

	"github.com/iWorld-y/compound_radar/app/compound_radar/internal/service"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/config"
	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/engine"
)

// NewHTTPServer 注册报告相关路由
func NewHTTPServer(c config.ServerConfig, s *service.ReportService, logger log.Logger) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			logging.Server(logger),
		),
	}
	if c.Addr != "" {
		opts = append(opts, http.Address(c.Addr))
	}
	if c.Timeout != "" {
		if d, err := time.ParseDuration(c.Timeout); err == nil {
			opts = append(opts, http.Timeout(d))
		}
	}

	srv := http.NewServer(opts...)
	r := srv.Route("/v1")
	r.POST("/reports", submitHandler(s))
	r.GET("/reports/{id}", statusHandler(s))
	r.GET("/reports/{id}/result", resultHandler(s))
	r.GET("/reports/{id}/events", eventsHandler(s))
	r.GET("/reports/{id}/audit", auditHandler(s))
	r.GET("/reports/{id}/usage", usageHandler(s))
	r.POST("/reports/{id}/cancel", cancelHandler(s))
	r.POST("/reports/{id}/categories/{category}/rerun", rerunHandler(s))

	srv.HandleFunc("/healthz", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return srv
}

func submitHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		var req engine.SubmitRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := s.Submit(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusAccepted, reply)
	}
}

func statusHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		st, err := s.GetStatus(ctx, ctx.Vars().Get("id"))
		if err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusOK, st)
	}
}

func resultHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		res, err := s.GetResult(ctx, ctx.Vars().Get("id"))
		if err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusOK, res)
	}
}

func auditHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		events, err := s.Audit(ctx, ctx.Vars().Get("id"), ctx.Query().Get("entity"))
		if err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusOK, map[string]any{"events": events})
	}
}

func usageHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		usage, err := s.Usage(ctx, ctx.Vars().Get("id"))
		if err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusOK, map[string]any{"providers": usage})
	}
}

func cancelHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		if err := s.Cancel(ctx, ctx.Vars().Get("id")); err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func rerunHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		vars := ctx.Vars()
		if err := s.Rerun(ctx, vars.Get("id"), vars.Get("category")); err != nil {
			return err
		}
		return ctx.Result(nethttp.StatusAccepted, map[string]string{"status": "running"})
	}
}

// eventsHandler 以 text/event-stream 推送进度，报告结束或客户端断开时退出
func eventsHandler(s *service.ReportService) http.HandlerFunc {
	return func(ctx http.Context) error {
		events, cancel, err := s.Subscribe(ctx, ctx.Vars().Get("id"))
		if err != nil {
			return err
		}
		defer cancel()

		w := ctx.Response()
		flusher, ok := w.(nethttp.Flusher)
		if !ok {
			return fmt.Errorf("streaming unsupported")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(nethttp.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-ctx.Request().Context().Done():
				return nil
			case e, open := <-events:
				if !open {
					return nil
				}
				data, err := json.Marshal(e)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return nil
				}
				flusher.Flush()
				if e.CategoryID == "" && e.Progress == 100 {
					return nil
				}
			}
		}
	}
}
