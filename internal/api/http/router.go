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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"job-broker/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler *Handler
	mw      *middleware.Middleware

	rateLimitRPS int
}

// NewRouter 创建路由器；rps>0 时在入口挂全局限流
func NewRouter(handler *Handler, mw *middleware.Middleware, rateLimitRPS int) *Router {
	return &Router{handler: handler, mw: mw, rateLimitRPS: rateLimitRPS}
}

// Build 构建 Hertz Server 并注册路由（opts 供 tracing 等注入）
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	h := server.Default(opts...)

	if r.rateLimitRPS > 0 {
		h.Use(r.mw.RateLimit(r.rateLimitRPS))
	}

	h.GET("/health", r.handler.HealthCheck)
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api/v1")

	// 提交侧：租户 API key 或管理端 key
	jobs := api.Group("/jobs", r.mw.APIKeyAuth())
	{
		jobs.POST("", r.handler.CreateJob)
		jobs.GET("/:id", r.handler.GetJob)
		jobs.POST("/:id/cancel", r.handler.CancelJob)
		jobs.GET("/:id/events", r.handler.ListJobEvents)
	}

	// worker 侧：HMAC 签名
	workers := api.Group("/workers", r.mw.WorkerSignature())
	{
		workers.POST("/poll", r.handler.Poll)
		workers.POST("/jobs/:id/heartbeat", r.handler.Heartbeat)
		workers.POST("/jobs/:id/complete", r.handler.Complete)
		workers.POST("/jobs/:id/fail", r.handler.Fail)
	}

	// 管理端：仅 admin key
	admin := api.Group("/admin", r.mw.AdminAuth())
	{
		admin.POST("/tenants", r.handler.CreateTenant)
		admin.GET("/tenants/:id", r.handler.GetTenant)
		admin.POST("/requeue_expired", r.handler.RequeueExpired)
	}

	return h
}
