// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-broker/internal/api/http"
	"job-broker/internal/api/http/middleware"
	"job-broker/internal/app"
	"job-broker/internal/broker"
	"job-broker/internal/scheduler"
	"job-broker/pkg/errors"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：HTTP 边界 + 派发器 + 后台 ticker + Outbox 发布
type App struct {
	bootstrap    *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	scheduler    *scheduler.Service
	outbox       *scheduler.OutboxProcessor
	redisPub     *scheduler.RedisStreamPublisher
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(ctx context.Context, bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	leaseDuration := app.ParseDuration(cfg.Broker.LeaseDuration, 30*time.Second)
	dispatcher := broker.NewDispatcher(bootstrap.Store, broker.DispatcherConfig{
		GlobalCap:            cfg.Broker.GlobalConcurrencyCap,
		FairRetry:            cfg.Broker.FairRetry,
		DefaultLeaseDuration: leaseDuration,
	})

	// 选主：postgres 用 advisory lock；内存后端单实例恒为 leader
	var elector scheduler.LeaderElector = scheduler.MemElector{}
	var pool *pgxpool.Pool
	if pg, ok := bootstrap.Store.(*broker.PgStore); ok {
		pool = pg.Pool()
		elector = scheduler.NewPgLeaderElector(pool, cfg.Scheduler.LeaderLockKey)
	}
	sched := scheduler.New(bootstrap.Store, elector, scheduler.Config{
		Interval:  app.ParseDuration(cfg.Scheduler.Interval, 10*time.Second),
		ReapLimit: cfg.Scheduler.ReapLimit,
	})

	// Outbox 下游：redis 不可用时直接失败退出，不静默降级
	var publisher scheduler.Publisher = scheduler.LogPublisher{}
	var redisPub *scheduler.RedisStreamPublisher
	if cfg.Outbox.Sink == "redis" {
		p, err := scheduler.NewRedisStreamPublisher(ctx,
			cfg.Outbox.Redis.Addr, cfg.Outbox.Redis.Password, cfg.Outbox.Redis.Stream, cfg.Outbox.Redis.DB)
		if err != nil {
			return nil, errors.Wrap(err, "初始化 Outbox Redis 下游失败")
		}
		publisher = p
		redisPub = p
		bootstrap.Logger.Info("Outbox 下游使用 Redis Stream", "addr", cfg.Outbox.Redis.Addr)
	}
	outbox := scheduler.NewOutboxProcessor(bootstrap.Store, publisher, scheduler.OutboxConfig{
		Interval:  app.ParseDuration(cfg.Outbox.Interval, time.Second),
		BatchSize: cfg.Outbox.BatchSize,
	})

	handler := http.NewHandler(bootstrap.Store, dispatcher, bootstrap.Logger, leaseDuration)
	mw := middleware.New(bootstrap.Store, cfg.API.Middleware.AdminAPIKey, cfg.API.Middleware.Auth)
	rps := 0
	if cfg.API.Middleware.RateLimit {
		rps = cfg.API.Middleware.RateLimitRPS
		if rps <= 0 {
			rps = 100
		}
	}
	router := http.NewRouter(handler, mw, rps)

	return &App{
		bootstrap: bootstrap,
		router:    router,
		scheduler: sched,
		outbox:    outbox,
		redisPub:  redisPub,
	}, nil
}

// Run 启动后台任务与 HTTP 服务，addr 如 ":8080"
func (a *App) Run(ctx context.Context, addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// Hertz slog 扩展，与 bootstrap 日志配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(err, "打开日志文件失败")
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "job-broker-api"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	a.scheduler.Start(ctx)
	a.outbox.Start(ctx)
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	a.outbox.Stop()
	a.scheduler.Stop(ctx)
	if a.redisPub != nil {
		_ = a.redisPub.Close()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	var err error
	if a.hertz != nil {
		err = a.hertz.Shutdown(ctx)
	}
	a.bootstrap.Store.Close()
	return err
}
