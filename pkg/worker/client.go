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

// Package worker 供外部 worker 进程接入 broker 的 SDK：
// 签名、poll/heartbeat/complete/fail 客户端与带心跳的执行循环。
package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Job broker 下发的任务视图
type Job struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Status           string          `json:"status"`
	Priority         int             `json:"priority"`
	Payload          json.RawMessage `json:"payload"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	ExecutionTimeout int             `json:"execution_timeout_seconds"`
}

// Leased 一次认领结果
type Leased struct {
	Job        Job       `json:"job"`
	LeaseToken string    `json:"lease_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ClientConfig SDK 客户端配置
type ClientConfig struct {
	BaseURL    string
	TenantID   string // 非空为 pinned 模式
	WorkerID   string
	SigningKey string // 本租户的 api_key，服务端按 X-Tenant-ID 查表校验
	Timeout    time.Duration
}

// Client broker HTTP 客户端。请求体先序列化成字节再签名，
// 保证签名覆盖与发送完全一致的 payload。
type Client struct {
	http     *resty.Client
	tenantID string
	workerID string
	key      []byte
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http:     httpc,
		tenantID: cfg.TenantID,
		workerID: cfg.WorkerID,
		key:      []byte(cfg.SigningKey),
	}
}

func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) post(ctx context.Context, path string, req, out interface{}) (*resty.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	r := c.http.R().
		SetContext(ctx).
		SetHeader("X-Tenant-ID", c.tenantID).
		SetHeader("X-Worker-Signature", c.sign(body)).
		SetBody(body)
	if out != nil {
		r.SetResult(out)
	}
	return r.Post(path)
}

// Poll 拉取一个任务；无可派发返回 (nil, nil)
func (c *Client) Poll(ctx context.Context) (*Leased, error) {
	var leased Leased
	resp, err := c.post(ctx, "/api/v1/workers/poll", map[string]string{
		"worker_id": c.workerID,
		"tenant_id": c.tenantID,
	}, &leased)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode() {
	case 200:
		return &leased, nil
	case 204:
		return nil, nil
	default:
		return nil, fmt.Errorf("poll: unexpected status %d: %s", resp.StatusCode(), resp.String())
	}
}

// Heartbeat 续租；409 表示租约已失效，worker 应放弃执行
func (c *Client) Heartbeat(ctx context.Context, jobID, leaseToken string) error {
	resp, err := c.post(ctx, "/api/v1/workers/jobs/"+jobID+"/heartbeat", map[string]string{
		"lease_token": leaseToken,
	}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() == 409 {
		return ErrLeaseLost
	}
	if resp.IsError() {
		return fmt.Errorf("heartbeat: unexpected status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Complete 上报成功；idempotencyKey 供重放去重
func (c *Client) Complete(ctx context.Context, jobID, leaseToken string, result json.RawMessage, idempotencyKey string) error {
	resp, err := c.post(ctx, "/api/v1/workers/jobs/"+jobID+"/complete", map[string]interface{}{
		"lease_token":     leaseToken,
		"result":          result,
		"idempotency_key": idempotencyKey,
	}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() == 409 {
		return ErrLeaseLost
	}
	if resp.IsError() {
		return fmt.Errorf("complete: unexpected status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Fail 上报失败
func (c *Client) Fail(ctx context.Context, jobID, leaseToken, errMsg string) error {
	resp, err := c.post(ctx, "/api/v1/workers/jobs/"+jobID+"/fail", map[string]string{
		"lease_token": leaseToken,
		"error":       errMsg,
	}, nil)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("fail: unexpected status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
