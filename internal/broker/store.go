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

package broker

import (
	"context"
	"encoding/json"
	"time"
)

// PublishFunc 发布一条 Outbox 事件；失败则该行保持 PENDING，下个 tick 重试
type PublishFunc func(ctx context.Context, ev *OutboxEvent) error

// Store 任务存储：租户、Job、租约协议、生命周期命令、ticker 任务与 Outbox。
// 每个生命周期命令是单一事务单元——任何未被就地恢复的错误回滚整个事务。
type Store interface {
	// CreateTenant 创建租户（策略字段 weight/max_inflight 必须 >0）
	CreateTenant(ctx context.Context, t *Tenant) error
	// GetTenant 不存在返回 ErrTenantNotFound
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	// GetTenantByAPIKey 供 API key 鉴权；不存在返回 ErrTenantNotFound
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
	// ListActiveTenants 公平派发第一步：有可认领 PENDING 且有效租约数 < max_inflight 的租户
	ListActiveTenants(ctx context.Context, now time.Time) ([]*Tenant, error)

	// CreateJob 创建 Job 并写 CREATED 事件；idempotency_key 冲突时返回已有 Job
	CreateJob(ctx context.Context, j *Job) (*Job, error)
	// GetJob 不存在返回 ErrJobNotFound
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListEvents 按时间序返回 Job 的审计事件
	ListEvents(ctx context.Context, jobID string) ([]*JobEvent, error)

	// Lease 原子认领：单事务内 skip-locked 选行 → 置 LEASED → 插入租约 → LEASED 事件 →
	// 有 cron_schedule 时派生下一次 SCHEDULED 实例。无可认领返回 (nil, nil, nil)。
	Lease(ctx context.Context, workerID, tenantID string, duration time.Duration) (*Job, *Lease, error)
	// CountLiveLeases 有效租约总数（expires_at > now），全局并发上限用
	CountLiveLeases(ctx context.Context, now time.Time) (int, error)

	// Heartbeat 续租；token 即所有权。过期或超 execution_timeout 返回 ErrLeaseExpired
	Heartbeat(ctx context.Context, jobID, leaseToken string, extend time.Duration) (time.Time, error)
	// Complete 幂等完成：completion ledger 去重，重放返回首个写入者的结果
	Complete(ctx context.Context, jobID string, result json.RawMessage, leaseToken, idempotencyKey string) (*Job, error)
	// Fail 失败：attempts+1；达 max_attempts 进 DLQ，否则回 PENDING + backoff
	Fail(ctx context.Context, jobID, errMsg, leaseToken string) (*Job, error)
	// Cancel 幂等取消：终态原样返回，否则置 CANCELED 并删除租约
	Cancel(ctx context.Context, jobID string) (*Job, error)
	// RequeueExpired 回收过期租约（批量，skip-locked）；过期计为一次失败尝试
	RequeueExpired(ctx context.Context, limit int) (int, error)

	// PromoteScheduled 将到期的 SCHEDULED 置为 PENDING，返回条数
	PromoteScheduled(ctx context.Context, now time.Time) (int, error)
	// AgePriorities priority aging：等待过 (priority+1) 分钟的 PENDING 提 1 级，封顶 9
	AgePriorities(ctx context.Context, now time.Time) (int, error)
	// QueueDepths 各租户 PENDING 数，gauge 用
	QueueDepths(ctx context.Context) (map[string]int64, error)

	// ProcessOutbox 单事务：取一批 PENDING（skip-locked、created_at 序）→ 发布 → 置 PUBLISHED。
	// 单条发布失败保持 PENDING 不阻塞批次。返回成功发布数。
	ProcessOutbox(ctx context.Context, batchSize int, publish PublishFunc) (int, error)

	Close()
}
