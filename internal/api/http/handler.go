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

// Package http HTTP 边界：请求解码、参数校验与错误码映射，业务语义全部在 broker 层。
package http

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"job-broker/internal/broker"
	"job-broker/pkg/log"
	"job-broker/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	store      broker.Store
	dispatcher *broker.Dispatcher
	logger     *log.Logger

	// HeartbeatExtend 心跳续租时长，与派发租约时长一致
	HeartbeatExtend time.Duration
}

// NewHandler 创建 HTTP 处理器
func NewHandler(store broker.Store, dispatcher *broker.Dispatcher, logger *log.Logger, heartbeatExtend time.Duration) *Handler {
	if heartbeatExtend <= 0 {
		heartbeatExtend = 30 * time.Second
	}
	return &Handler{store: store, dispatcher: dispatcher, logger: logger, HeartbeatExtend: heartbeatExtend}
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "job-broker",
	})
}

// Metrics Prometheus 文本格式导出
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	c.Response.Header.SetContentType("text/plain; version=0.0.4; charset=utf-8")
	if err := metrics.WritePrometheus(c.Response.BodyWriter()); err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

type createJobRequest struct {
	TenantID         string          `json:"tenant_id"`
	Payload          json.RawMessage `json:"payload"`
	Priority         int             `json:"priority"`
	MaxAttempts      int             `json:"max_attempts"`
	IdempotencyKey   string          `json:"idempotency_key"`
	AvailableAt      *time.Time      `json:"available_at"`
	ExecutionTimeout int             `json:"execution_timeout_seconds"`
	CronSchedule     string          `json:"cron_schedule"`
}

// CreateJob 创建 Job；带 idempotency_key 且已存在时返回已有 Job（200 而非 201）
func (h *Handler) CreateJob(ctx context.Context, c *app.RequestContext) {
	var req createJobRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.TenantID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "tenant_id is required"})
		return
	}
	if req.Priority < 0 || req.Priority > 9 {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "priority must be in [0,9]"})
		return
	}
	if _, err := h.store.GetTenant(ctx, req.TenantID); err != nil {
		h.writeError(c, err)
		return
	}

	now := time.Now().UTC()
	j := &broker.Job{
		ID:               uuid.New().String(),
		TenantID:         req.TenantID,
		Status:           broker.StatusPending,
		Priority:         req.Priority,
		Payload:          req.Payload,
		MaxAttempts:      req.MaxAttempts,
		IdempotencyKey:   req.IdempotencyKey,
		AvailableAt:      now,
		ExecutionTimeout: req.ExecutionTimeout,
		CronSchedule:     req.CronSchedule,
	}
	if req.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if req.AvailableAt != nil && req.AvailableAt.After(now) {
		j.Status = broker.StatusScheduled
		j.AvailableAt = req.AvailableAt.UTC()
	}
	created, err := h.store.CreateJob(ctx, j)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := consts.StatusCreated
	if created.ID != j.ID {
		// idempotency_key 命中已有 Job
		status = consts.StatusOK
	}
	c.JSON(status, jobResponse(created))
}

// GetJob 查询 Job
func (h *Handler) GetJob(ctx context.Context, c *app.RequestContext) {
	j, err := h.store.GetJob(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, jobResponse(j))
}

// CancelJob 幂等取消
func (h *Handler) CancelJob(ctx context.Context, c *app.RequestContext) {
	j, err := h.store.Cancel(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, jobResponse(j))
}

// ListJobEvents Job 审计事件流
func (h *Handler) ListJobEvents(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("id")
	if _, err := h.store.GetJob(ctx, jobID); err != nil {
		h.writeError(c, err)
		return
	}
	events, err := h.store.ListEvents(ctx, jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"events": events,
		"total":  len(events),
	})
}

type pollRequest struct {
	WorkerID             string `json:"worker_id"`
	TenantID             string `json:"tenant_id"`              // 非空为 pinned 模式，须与签名租户一致
	LeaseDurationSeconds int    `json:"lease_duration_seconds"` // <=0 用服务端默认
}

// Poll worker 拉取任务；无可派发返回 204
func (h *Handler) Poll(ctx context.Context, c *app.RequestContext) {
	var req pollRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.WorkerID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "worker_id is required"})
		return
	}
	j, lease, err := h.dispatcher.Dispatch(ctx, req.WorkerID, req.TenantID,
		time.Duration(req.LeaseDurationSeconds)*time.Second)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if j == nil {
		c.Status(consts.StatusNoContent)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"job":         jobResponse(j),
		"lease_token": lease.Token,
		"expires_at":  lease.ExpiresAt,
	})
}

type heartbeatRequest struct {
	LeaseToken    string `json:"lease_token"`
	ExtendSeconds int    `json:"extend_seconds"` // <=0 用服务端默认
}

// Heartbeat 续租；丢失/过期租约返回 409，worker 应放弃执行
func (h *Handler) Heartbeat(ctx context.Context, c *app.RequestContext) {
	var req heartbeatRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil || req.LeaseToken == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "lease_token is required"})
		return
	}
	extend := h.HeartbeatExtend
	if req.ExtendSeconds > 0 {
		extend = time.Duration(req.ExtendSeconds) * time.Second
	}
	expiresAt, err := h.store.Heartbeat(ctx, c.Param("id"), req.LeaseToken, extend)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"expires_at": expiresAt})
}

type completeRequest struct {
	LeaseToken     string          `json:"lease_token"`
	Result         json.RawMessage `json:"result"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Complete 上报成功；重放返回首个写入者的结果
func (h *Handler) Complete(ctx context.Context, c *app.RequestContext) {
	var req completeRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	j, err := h.store.Complete(ctx, c.Param("id"), req.Result, req.LeaseToken, req.IdempotencyKey)
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.CompleteTotal.WithLabelValues("succeeded").Inc()
	if !j.StartedAt.IsZero() {
		metrics.JobDuration.Observe(time.Now().UTC().Sub(j.StartedAt).Seconds())
	}
	c.JSON(consts.StatusOK, jobResponse(j))
}

type failRequest struct {
	LeaseToken string `json:"lease_token"`
	Error      string `json:"error"`
}

// Fail 上报失败；响应体含重试/DLQ 去向
func (h *Handler) Fail(ctx context.Context, c *app.RequestContext) {
	var req failRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	j, err := h.store.Fail(ctx, c.Param("id"), req.Error, req.LeaseToken)
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.CompleteTotal.WithLabelValues("failed").Inc()
	if j.Status == broker.StatusDLQ {
		metrics.DLQTotal.Inc()
	}
	c.JSON(consts.StatusOK, jobResponse(j))
}

type createTenantRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Weight      int    `json:"weight"`
	MaxInflight int    `json:"max_inflight"`
	APIKey      string `json:"api_key"`
}

// CreateTenant 创建/更新租户（管理端）
func (h *Handler) CreateTenant(ctx context.Context, c *app.RequestContext) {
	var req createTenantRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if req.Weight <= 0 || req.MaxInflight <= 0 {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "weight and max_inflight must be > 0"})
		return
	}
	t := &broker.Tenant{
		ID:          req.ID,
		Name:        req.Name,
		Weight:      req.Weight,
		MaxInflight: req.MaxInflight,
		APIKey:      req.APIKey,
	}
	if err := h.store.CreateTenant(ctx, t); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusCreated, t)
}

// GetTenant 查询租户（管理端）
func (h *Handler) GetTenant(ctx context.Context, c *app.RequestContext) {
	t, err := h.store.GetTenant(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, t)
}

// RequeueExpired 手动触发过期租约回收（管理端，运维兜底）
func (h *Handler) RequeueExpired(ctx context.Context, c *app.RequestContext) {
	n, err := h.store.RequeueExpired(ctx, 1000)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if n > 0 {
		metrics.ReapedTotal.Add(float64(n))
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"requeued": n})
}

// writeError 统一错误码映射：未知错误 500，不泄露内部细节
func (h *Handler) writeError(c *app.RequestContext, err error) {
	switch {
	case errors.Is(err, broker.ErrJobNotFound), errors.Is(err, broker.ErrTenantNotFound):
		c.JSON(consts.StatusNotFound, map[string]string{"error": err.Error()})
	case broker.IsLeaseError(err), errors.Is(err, broker.ErrInvalidJobState):
		c.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("请求处理失败", "error", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// jobResponse 对外 Job 视图
func jobResponse(j *broker.Job) map[string]interface{} {
	resp := map[string]interface{}{
		"id":           j.ID,
		"tenant_id":    j.TenantID,
		"status":       j.Status,
		"priority":     j.Priority,
		"payload":      j.Payload,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"available_at": j.AvailableAt,
		"created_at":   j.CreatedAt,
		"updated_at":   j.UpdatedAt,
	}
	if len(j.Result) > 0 {
		resp["result"] = j.Result
	}
	if j.LastError != "" {
		resp["last_error"] = j.LastError
	}
	if j.CronSchedule != "" {
		resp["cron_schedule"] = j.CronSchedule
	}
	if j.ExecutionTimeout > 0 {
		resp["execution_timeout_seconds"] = j.ExecutionTimeout
	}
	if !j.StartedAt.IsZero() {
		resp["started_at"] = j.StartedAt
	}
	return resp
}
