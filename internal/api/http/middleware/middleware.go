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

// Package middleware 边界横切：API key 鉴权、worker HMAC 签名校验与限流
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"job-broker/internal/broker"
)

// Middleware 中间件集合
type Middleware struct {
	store       broker.Store
	adminAPIKey string
	enabled     bool
}

// New enabled=false 时全部放行（本地开发/测试）
func New(store broker.Store, adminAPIKey string, enabled bool) *Middleware {
	return &Middleware{
		store:       store,
		adminAPIKey: adminAPIKey,
		enabled:     enabled,
	}
}

// APIKeyAuth 校验 X-API-Key：管理端 key 或任一租户 key 均可
func (m *Middleware) APIKeyAuth() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.enabled {
			c.Next(ctx)
			return
		}
		key := string(c.GetHeader("X-API-Key"))
		if key == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "missing X-API-Key"})
			c.Abort()
			return
		}
		if m.adminAPIKey != "" && hmac.Equal([]byte(key), []byte(m.adminAPIKey)) {
			c.Next(ctx)
			return
		}
		t, err := m.store.GetTenantByAPIKey(ctx, key)
		if err != nil {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			c.Abort()
			return
		}
		c.Set("tenant_id", t.ID)
		c.Next(ctx)
	}
}

// AdminAuth 仅管理端 key
func (m *Middleware) AdminAuth() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.enabled {
			c.Next(ctx)
			return
		}
		key := string(c.GetHeader("X-API-Key"))
		if m.adminAPIKey == "" || !hmac.Equal([]byte(key), []byte(m.adminAPIKey)) {
			c.JSON(consts.StatusForbidden, map[string]string{"error": "admin API key required"})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}

// WorkerSignature 校验 worker 请求：X-Worker-Signature = hex(HMAC-SHA256(tenant.api_key, raw body))，
// 密钥按 X-Tenant-ID 查租户取 api_key，租户间不可互相伪造。
// 签名覆盖完整请求体，防重放靠租约 token 一次性语义。
func (m *Middleware) WorkerSignature() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.enabled {
			c.Next(ctx)
			return
		}
		tenantID := string(c.GetHeader("X-Tenant-ID"))
		sig := string(c.GetHeader("X-Worker-Signature"))
		if tenantID == "" || sig == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "missing worker credentials"})
			c.Abort()
			return
		}
		t, err := m.store.GetTenant(ctx, tenantID)
		if err != nil || t.APIKey == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "unknown tenant or no api key"})
			c.Abort()
			return
		}
		mac := hmac.New(sha256.New, []byte(t.APIKey))
		mac.Write(c.Request.Body())
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			c.Abort()
			return
		}
		c.Set("tenant_id", tenantID)
		c.Next(ctx)
	}
}

// RateLimit 令牌桶全局限流；超限 429
func (m *Middleware) RateLimit(rps int) app.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), rps)
	return func(ctx context.Context, c *app.RequestContext) {
		if !limiter.Allow() {
			c.JSON(consts.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}
