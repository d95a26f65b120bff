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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore 内存实现：map + mutex，语义与 PgStore 一致，供单进程部署与测试
type MemStore struct {
	mu          sync.Mutex
	tenants     map[string]*Tenant
	jobs        map[string]*Job
	leases      map[string]*Lease // key: job_id
	events      []*JobEvent
	completions map[string]json.RawMessage // key: job_id + "\x00" + idempotency_key → 首个写入者的 result
	outbox      []*OutboxEvent
	retry       RetryPolicy
	eventSeq    int64
	outboxSeq   int64
}

// NewMemStore 创建内存 Store
func NewMemStore() *MemStore {
	return &MemStore{
		tenants:     make(map[string]*Tenant),
		jobs:        make(map[string]*Job),
		leases:      make(map[string]*Lease),
		completions: make(map[string]json.RawMessage),
		retry:       DefaultRetryPolicy,
	}
}

// SetRetryPolicy 覆盖退避策略（测试用）
func (s *MemStore) SetRetryPolicy(p RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = p
}

func (s *MemStore) Close() {}

func (s *MemStore) CreateTenant(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *t
	if cp.Weight <= 0 {
		cp.Weight = 1
	}
	if cp.MaxInflight <= 0 {
		cp.MaxInflight = 100
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.tenants[cp.ID] = &cp
	return nil
}

func (s *MemStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) GetTenantByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	if apiKey == "" {
		return nil, ErrTenantNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.APIKey == apiKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTenantNotFound
}

func (s *MemStore) ListActiveTenants(ctx context.Context, now time.Time) ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inflight := make(map[string]int)
	for jobID, l := range s.leases {
		if l.ExpiresAt.After(now) {
			if j, ok := s.jobs[jobID]; ok {
				inflight[j.TenantID]++
			}
		}
	}
	pending := make(map[string]bool)
	for _, j := range s.jobs {
		if j.Status == StatusPending && !j.AvailableAt.After(now) {
			pending[j.TenantID] = true
		}
	}
	var out []*Tenant
	for id, t := range s.tenants {
		if pending[id] && inflight[id] < t.MaxInflight {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *MemStore) CreateJob(ctx context.Context, j *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if j.IdempotencyKey != "" {
		for _, existing := range s.jobs {
			if existing.TenantID == j.TenantID && existing.IdempotencyKey == j.IdempotencyKey {
				cp := *existing
				return &cp, nil
			}
		}
	}
	cp := *j
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.MaxAttempts <= 0 {
		cp.MaxAttempts = 3
	}
	if cp.AvailableAt.IsZero() {
		cp.AvailableAt = now
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.jobs[cp.ID] = &cp
	s.appendEvent(cp.ID, EventCreated, nil, now)
	out := cp
	return &out, nil
}

func (s *MemStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) ListEvents(ctx context.Context, jobID string) ([]*JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JobEvent
	for _, e := range s.events {
		if e.JobID == jobID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Lease 与 PgStore 同语义：priority DESC, available_at ASC 取一条并原子置 LEASED
func (s *MemStore) Lease(ctx context.Context, workerID, tenantID string, duration time.Duration) (*Job, *Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var picked *Job
	for _, j := range s.jobs {
		if j.Status != StatusPending || j.AvailableAt.After(now) {
			continue
		}
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		if picked == nil ||
			j.Priority > picked.Priority ||
			(j.Priority == picked.Priority && j.AvailableAt.Before(picked.AvailableAt)) {
			picked = j
		}
	}
	if picked == nil {
		return nil, nil, nil
	}
	picked.Status = StatusLeased
	picked.StartedAt = now
	picked.UpdatedAt = now
	lease := &Lease{
		JobID:           picked.ID,
		WorkerID:        workerID,
		Token:           uuid.New().String(),
		ExpiresAt:       now.Add(duration),
		LastHeartbeatAt: now,
	}
	s.leases[picked.ID] = lease
	s.appendEvent(picked.ID, EventLeased, map[string]interface{}{
		"worker_id":   workerID,
		"lease_token": lease.Token,
	}, now)
	if picked.CronSchedule != "" {
		s.spawnNextCron(picked, now)
	}
	jc := *picked
	lc := *lease
	return &jc, &lc, nil
}

// spawnNextCron 派生下一次 SCHEDULED 实例；表达式非法则警告并跳过，调用方持锁
func (s *MemStore) spawnNextCron(j *Job, now time.Time) {
	next, ok := NextCronFire(j.CronSchedule, j.AvailableAt, now)
	if !ok {
		slog.Warn("invalid cron schedule, skipping recurrence", "job_id", j.ID, "schedule", j.CronSchedule)
		return
	}
	nj := &Job{
		ID:               uuid.New().String(),
		TenantID:         j.TenantID,
		Status:           StatusScheduled,
		Priority:         j.Priority,
		Payload:          j.Payload,
		MaxAttempts:      j.MaxAttempts,
		AvailableAt:      next,
		ExecutionTimeout: j.ExecutionTimeout,
		CronSchedule:     j.CronSchedule,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.jobs[nj.ID] = nj
}

func (s *MemStore) CountLiveLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.leases {
		if l.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Heartbeat(ctx context.Context, jobID, leaseToken string, extend time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	l, ok := s.leases[jobID]
	if !ok || l.Token != leaseToken {
		return time.Time{}, ErrLeaseNotFound
	}
	if l.Expired(now) {
		return time.Time{}, ErrLeaseExpired
	}
	if j, ok := s.jobs[jobID]; ok && j.ExecutionTimeout > 0 && !j.StartedAt.IsZero() {
		if now.Sub(j.StartedAt) > time.Duration(j.ExecutionTimeout)*time.Second {
			return time.Time{}, ErrLeaseExpired
		}
	}
	l.ExpiresAt = now.Add(extend)
	l.LastHeartbeatAt = now
	return l.ExpiresAt, nil
}

func (s *MemStore) Complete(ctx context.Context, jobID string, result json.RawMessage, leaseToken, idempotencyKey string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if idempotencyKey != "" {
		if _, dup := s.completions[jobID+"\x00"+idempotencyKey]; dup {
			// 重放：首个写入者的结果为准
			cp := *j
			return &cp, nil
		}
	}
	if j.Status == StatusSucceeded {
		cp := *j
		return &cp, nil
	}
	if !j.Status.Leasable() {
		return nil, ErrInvalidJobState
	}
	if leaseToken != "" {
		l, ok := s.leases[jobID]
		if !ok || l.Token != leaseToken {
			return nil, ErrInvalidJobState // lease lost
		}
	}
	if idempotencyKey != "" {
		// ledger 与状态变更同一临界区，等价于 Pg 的同事务插入
		s.completions[jobID+"\x00"+idempotencyKey] = result
	}
	j.Status = StatusSucceeded
	j.Result = result
	j.UpdatedAt = now
	delete(s.leases, jobID)
	s.appendEvent(jobID, EventCompleted, nil, now)
	s.appendOutbox(OutboxJobCompleted, map[string]interface{}{
		"job_id":       j.ID,
		"tenant_id":    j.TenantID,
		"result":       json.RawMessage(result),
		"completed_at": now.Format(time.RFC3339Nano),
	}, now)
	cp := *j
	return &cp, nil
}

func (s *MemStore) Fail(ctx context.Context, jobID, errMsg, leaseToken string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !j.Status.Leasable() {
		return nil, ErrInvalidJobState
	}
	if leaseToken != "" {
		l, ok := s.leases[jobID]
		if !ok || l.Token != leaseToken {
			return nil, ErrInvalidJobState
		}
	}
	j.Attempts++
	j.LastError = errMsg
	j.UpdatedAt = now
	var ev EventType
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusDLQ
		ev = EventDLQRouted
	} else {
		j.Status = StatusPending
		j.AvailableAt = s.retry.NextRetryAt(now, j.Attempts)
		ev = EventRetried
	}
	delete(s.leases, jobID)
	s.appendEvent(jobID, ev, map[string]interface{}{
		"error":    errMsg,
		"attempts": j.Attempts,
		"max":      j.MaxAttempts,
	}, now)
	s.appendOutbox(OutboxJobFailed, map[string]interface{}{
		"job_id":    j.ID,
		"tenant_id": j.TenantID,
		"error":     errMsg,
		"attempts":  j.Attempts,
		"status":    string(j.Status),
	}, now)
	cp := *j
	return &cp, nil
}

func (s *MemStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status.Terminal() {
		cp := *j
		return &cp, nil
	}
	j.Status = StatusCanceled
	j.UpdatedAt = now
	delete(s.leases, jobID)
	s.appendEvent(jobID, EventCanceled, nil, now)
	cp := *j
	return &cp, nil
}

func (s *MemStore) RequeueExpired(ctx context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for jobID, l := range s.leases {
		if count >= limit {
			break
		}
		if !l.Expired(now) {
			continue
		}
		j, ok := s.jobs[jobID]
		if !ok {
			delete(s.leases, jobID)
			continue
		}
		j.Attempts++
		j.LastError = "lease_expired"
		j.UpdatedAt = now
		var ev EventType
		if j.Attempts >= j.MaxAttempts {
			j.Status = StatusDLQ
			ev = EventDLQRouted
		} else {
			j.Status = StatusPending
			j.AvailableAt = now
			ev = EventRetried
		}
		delete(s.leases, jobID)
		s.appendEvent(jobID, ev, map[string]interface{}{
			"reason":    "lease_expired",
			"worker_id": l.WorkerID,
		}, now)
		count++
	}
	return count, nil
}

func (s *MemStore) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == StatusScheduled && !j.AvailableAt.After(now) {
			j.Status = StatusPending
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemStore) AgePriorities(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status != StatusPending || j.Priority >= 9 {
			continue
		}
		// 阶梯：等待每满 1 分钟爬 1 级
		if j.CreatedAt.Before(now.Add(-time.Duration(j.Priority+1) * time.Minute)) {
			j.Priority++
			n++
		}
	}
	return n, nil
}

func (s *MemStore) QueueDepths(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for _, j := range s.jobs {
		if j.Status == StatusPending {
			out[j.TenantID]++
		}
	}
	return out, nil
}

func (s *MemStore) ProcessOutbox(ctx context.Context, batchSize int, publish PublishFunc) (int, error) {
	s.mu.Lock()
	var batch []*OutboxEvent
	for _, ev := range s.outbox {
		if len(batch) >= batchSize {
			break
		}
		if ev.Status == OutboxPending {
			batch = append(batch, ev)
		}
	}
	s.mu.Unlock()

	published := 0
	now := time.Now().UTC()
	for _, ev := range batch {
		cp := *ev
		if err := publish(ctx, &cp); err != nil {
			continue
		}
		s.mu.Lock()
		ev.Status = OutboxPublished
		ev.PublishedAt = now
		s.mu.Unlock()
		published++
	}
	return published, nil
}

// PendingOutbox 未发布行数（测试用）
func (s *MemStore) PendingOutbox() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.outbox {
		if ev.Status == OutboxPending {
			n++
		}
	}
	return n
}

// GetLease 当前租约（测试用）；无则返回 nil
func (s *MemStore) GetLease(jobID string) *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[jobID]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// ExpireLease 将租约立即置为过期（测试用）
func (s *MemStore) ExpireLease(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[jobID]; ok {
		l.ExpiresAt = time.Now().UTC().Add(-time.Second)
	}
}

// SetCreatedAt 回拨创建时刻（测试 aging 用）
func (s *MemStore) SetCreatedAt(jobID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.CreatedAt = at
	}
}

// SetAvailableAt 重置可用时刻（测试用）
func (s *MemStore) SetAvailableAt(jobID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.AvailableAt = at
	}
}

func (s *MemStore) appendEvent(jobID string, typ EventType, meta map[string]interface{}, now time.Time) {
	s.eventSeq++
	s.events = append(s.events, &JobEvent{
		ID:        s.eventSeq,
		JobID:     jobID,
		Type:      typ,
		Timestamp: now,
		Meta:      meta,
	})
}

func (s *MemStore) appendOutbox(eventType string, payload map[string]interface{}, now time.Time) {
	b, _ := json.Marshal(payload)
	s.outboxSeq++
	s.outbox = append(s.outbox, &OutboxEvent{
		ID:        s.outboxSeq,
		EventType: eventType,
		Payload:   b,
		Status:    OutboxPending,
		CreatedAt: now,
	})
}
