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

// Package broker 任务代理核心：多租户 Job 存储、租约（Lease）协议、公平派发、
// 生命周期命令与事务性 Outbox。数据库是唯一共享介质，所有不变式在 Store 层保证。
package broker

import (
	"encoding/json"
	"time"
)

// Job 一条待执行的工作单元；payload 为不透明文档，broker 不解释其语义
type Job struct {
	ID       string
	TenantID string
	Status   JobStatus
	// Priority 0..9，越大越优先；ticker 会对久等的 PENDING 做 priority aging
	Priority int
	Payload  json.RawMessage
	Result   json.RawMessage
	// Attempts 已执行次数（含租约过期视为失败的次数）；attempts >= max_attempts 时进 DLQ
	Attempts    int
	MaxAttempts int
	// IdempotencyKey (tenant_id, idempotency_key) 唯一，用于创建去重；空表示不去重
	IdempotencyKey string
	// AvailableAt 仅对 SCHEDULED/PENDING 有意义：早于 now 才可被认领
	AvailableAt time.Time
	// StartedAt 最近一次被租约认领的时刻；零值表示尚未开始
	StartedAt time.Time
	// ExecutionTimeout 执行墙钟上限（秒），0 表示无限制；heartbeat 超过此值即拒绝续租
	ExecutionTimeout int
	LastError        string
	// CronSchedule 标准 5 段 cron 表达式；非空时每次认领会派生下一次 SCHEDULED 实例
	CronSchedule string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tenant 租户与其调度策略（weight 加权公平、max_inflight 并发上限）
type Tenant struct {
	ID   string
	Name string
	// Weight 加权随机抽样的权重，>0
	Weight int
	// MaxInflight 该租户同时持有的有效租约上限，>0
	MaxInflight int
	// APIKey 为空表示该租户未启用 worker 签名认证
	APIKey    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lease 对 Job 的限时占用；token 是唯一的所有权凭证，heartbeat/complete/fail 均以其鉴权
type Lease struct {
	JobID           string
	WorkerID        string
	Token           string
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
}

// Expired 租约在 now 时刻是否已过期
func (l *Lease) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// JobEvent 追加式审计日志；与产生它的状态变更共享同一事务
type JobEvent struct {
	ID        int64
	JobID     string
	Type      EventType
	Timestamp time.Time
	Meta      map[string]interface{}
}

// OutboxEvent 事务性 Outbox 行；与状态变更同事务写入，由 OutboxProcessor 异步发布
type OutboxEvent struct {
	ID          int64
	EventType   string
	Payload     json.RawMessage
	Status      string // PENDING | PUBLISHED
	CreatedAt   time.Time
	PublishedAt time.Time
}

// Outbox 状态
const (
	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"
)

// Outbox 事件类型
const (
	OutboxJobCompleted = "JOB_COMPLETED"
	OutboxJobFailed    = "JOB_FAILED"
)
