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
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemStore {
	t.Helper()
	s := NewMemStore()
	// 退避为 0，重试的 job 立即可再次认领
	s.SetRetryPolicy(RetryPolicy{Base: 0, Max: 0})
	if err := s.CreateTenant(context.Background(), &Tenant{ID: "t1", Weight: 1, MaxInflight: 10}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return s
}

func mustCreateJob(t *testing.T, s Store, j *Job) *Job {
	t.Helper()
	created, err := s.CreateJob(context.Background(), j)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return created
}

func TestCreateJob_IdempotencyKeyReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	first := mustCreateJob(t, s, &Job{TenantID: "t1", IdempotencyKey: "k1"})
	second := mustCreateJob(t, s, &Job{TenantID: "t1", IdempotencyKey: "k1"})
	if second.ID != first.ID {
		t.Errorf("相同 idempotency_key 应返回已有 Job: %s != %s", second.ID, first.ID)
	}
}

func TestLease_SingleClaimUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	mustCreateJob(t, s, &Job{TenantID: "t1"})

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	got := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, _, err := s.Lease(context.Background(), "w", "", 30*time.Second)
			if err != nil {
				t.Errorf("Lease: %v", err)
				return
			}
			if j != nil {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if got != 1 {
		t.Fatalf("单个 PENDING job 被认领 %d 次", got)
	}
}

func TestLease_PriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	low := mustCreateJob(t, s, &Job{TenantID: "t1", Priority: 1})
	high := mustCreateJob(t, s, &Job{TenantID: "t1", Priority: 5})
	_ = low

	j, _, err := s.Lease(context.Background(), "w", "", 30*time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if j == nil || j.ID != high.ID {
		t.Fatalf("应先认领高优先级 job")
	}
}

func TestLease_SkipsFutureAvailableAt(t *testing.T) {
	s := newTestStore(t)
	j := mustCreateJob(t, s, &Job{TenantID: "t1"})
	s.SetAvailableAt(j.ID, time.Now().UTC().Add(time.Hour))

	got, _, err := s.Lease(context.Background(), "w", "", 30*time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if got != nil {
		t.Fatal("未到 available_at 的 job 不应被认领")
	}
}

func TestComplete_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1"})
	_, lease, err := s.Lease(context.Background(), "w", "", 30*time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Lease: %v", err)
	}

	result := json.RawMessage(`{"ok":true}`)
	done, err := s.Complete(context.Background(), created.ID, result, lease.Token, "idem-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusSucceeded {
		t.Errorf("status: got %s", done.Status)
	}
	if s.GetLease(created.ID) != nil {
		t.Error("完成后租约应被删除")
	}
	if s.PendingOutbox() != 1 {
		t.Errorf("应写入 1 条 Outbox, got %d", s.PendingOutbox())
	}
}

func TestComplete_IdempotentReplay(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1"})
	_, lease, _ := s.Lease(context.Background(), "w", "", 30*time.Second)

	first := json.RawMessage(`{"n":1}`)
	if _, err := s.Complete(context.Background(), created.ID, first, lease.Token, "same-key"); err != nil {
		t.Fatalf("首次 Complete: %v", err)
	}
	// 同 key 重放：不报错，返回首个写入者的结果
	replay, err := s.Complete(context.Background(), created.ID, json.RawMessage(`{"n":2}`), lease.Token, "same-key")
	if err != nil {
		t.Fatalf("重放 Complete: %v", err)
	}
	if string(replay.Result) != `{"n":1}` {
		t.Errorf("重放应返回首个结果, got %s", replay.Result)
	}
	// 不同 key 且已 SUCCEEDED：no-op
	again, err := s.Complete(context.Background(), created.ID, json.RawMessage(`{"n":3}`), lease.Token, "other-key")
	if err != nil {
		t.Fatalf("已成功 job 的 Complete: %v", err)
	}
	if string(again.Result) != `{"n":1}` {
		t.Errorf("已成功 job 不应改写结果, got %s", again.Result)
	}
}

func TestComplete_WrongTokenRejected(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1"})
	_, _, _ = s.Lease(context.Background(), "w", "", 30*time.Second)

	_, err := s.Complete(context.Background(), created.ID, nil, "bogus-token", "")
	if !errors.Is(err, ErrInvalidJobState) {
		t.Fatalf("错误 token 应拒绝: got %v", err)
	}
}

func TestFail_RetryThenDLQ(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1", MaxAttempts: 3})

	for attempt := 1; attempt <= 3; attempt++ {
		j, lease, err := s.Lease(context.Background(), "w", "", 30*time.Second)
		if err != nil || j == nil {
			t.Fatalf("第 %d 次 Lease 失败: %v", attempt, err)
		}
		failed, err := s.Fail(context.Background(), j.ID, "boom", lease.Token)
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if attempt < 3 {
			if failed.Status != StatusPending {
				t.Fatalf("第 %d 次失败后应回 PENDING, got %s", attempt, failed.Status)
			}
		} else {
			if failed.Status != StatusDLQ {
				t.Fatalf("达到 max_attempts 应进 DLQ, got %s", failed.Status)
			}
		}
	}
	final, _ := s.GetJob(context.Background(), created.ID)
	if final.Attempts != 3 {
		t.Errorf("attempts: got %d", final.Attempts)
	}
	if final.LastError != "boom" {
		t.Errorf("last_error: got %q", final.LastError)
	}
}

func TestFail_BackoffDelaysNextLease(t *testing.T) {
	s := newTestStore(t)
	s.SetRetryPolicy(RetryPolicy{Base: time.Hour, Max: 2 * time.Hour})
	mustCreateJob(t, s, &Job{TenantID: "t1", MaxAttempts: 5})

	j, lease, _ := s.Lease(context.Background(), "w", "", 30*time.Second)
	if _, err := s.Fail(context.Background(), j.ID, "boom", lease.Token); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _, err := s.Lease(context.Background(), "w", "", 30*time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if got != nil {
		t.Fatal("退避期内不应被再次认领")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1"})
	_, lease, _ := s.Lease(context.Background(), "w", "", 30*time.Second)

	canceled, err := s.Cancel(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Errorf("status: got %s", canceled.Status)
	}
	if s.GetLease(created.ID) != nil {
		t.Error("取消后租约应被删除")
	}
	// 重复取消返回原状态
	again, err := s.Cancel(context.Background(), created.ID)
	if err != nil || again.Status != StatusCanceled {
		t.Fatalf("重复 Cancel: %v, %s", err, again.Status)
	}
	// 失效 token 的 complete 被拒
	if _, err := s.Complete(context.Background(), created.ID, nil, lease.Token, ""); !errors.Is(err, ErrInvalidJobState) {
		t.Errorf("取消后 complete 应拒绝: got %v", err)
	}
}

func TestHeartbeat_ExtendsAndRejects(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1"})
	_, lease, _ := s.Lease(context.Background(), "w", "", time.Second)

	newExp, err := s.Heartbeat(context.Background(), created.ID, lease.Token, time.Minute)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !newExp.After(lease.ExpiresAt) {
		t.Error("心跳应延长租约")
	}
	if _, err := s.Heartbeat(context.Background(), created.ID, "wrong", time.Minute); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("错误 token: got %v", err)
	}
	s.ExpireLease(created.ID)
	if _, err := s.Heartbeat(context.Background(), created.ID, lease.Token, time.Minute); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("过期租约: got %v", err)
	}
}

func TestHeartbeat_ExecutionTimeoutWallClock(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1", ExecutionTimeout: 1})
	j, lease, _ := s.Lease(context.Background(), "w", "", time.Hour)
	if j == nil {
		t.Fatal("Lease 未返回 job")
	}
	// 回拨 started_at 模拟超时
	s.mu.Lock()
	s.jobs[created.ID].StartedAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()
	if _, err := s.Heartbeat(context.Background(), created.ID, lease.Token, time.Minute); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("超过 execution_timeout 应拒绝续租: got %v", err)
	}
}

func TestRequeueExpired_RecoversAndCountsAttempt(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1", MaxAttempts: 3})
	_, lease, _ := s.Lease(context.Background(), "w", "", 30*time.Second)
	s.ExpireLease(created.ID)

	n, err := s.RequeueExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("应回收 1 条, got %d", n)
	}
	j, _ := s.GetJob(context.Background(), created.ID)
	if j.Status != StatusPending || j.Attempts != 1 || j.LastError != "lease_expired" {
		t.Errorf("回收后状态异常: %s attempts=%d last_error=%q", j.Status, j.Attempts, j.LastError)
	}
	// 旧 token 全部失效
	if _, err := s.Complete(context.Background(), created.ID, nil, lease.Token, ""); !errors.Is(err, ErrInvalidJobState) {
		t.Errorf("回收后旧 token 应失效: got %v", err)
	}
	// 可被立即重新认领
	got, _, _ := s.Lease(context.Background(), "w2", "", 30*time.Second)
	if got == nil || got.ID != created.ID {
		t.Fatal("回收后的 job 应可被重新认领")
	}
}

func TestRequeueExpired_PoisonPillToDLQ(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1", MaxAttempts: 2})
	for i := 0; i < 2; i++ {
		j, _, err := s.Lease(context.Background(), "w", "", 30*time.Second)
		if err != nil || j == nil {
			t.Fatalf("第 %d 次 Lease: %v", i+1, err)
		}
		s.ExpireLease(created.ID)
		if _, err := s.RequeueExpired(context.Background(), 100); err != nil {
			t.Fatalf("RequeueExpired: %v", err)
		}
	}
	j, _ := s.GetJob(context.Background(), created.ID)
	if j.Status != StatusDLQ {
		t.Fatalf("反复过期应进 DLQ, got %s", j.Status)
	}
}

func TestPromoteScheduled(t *testing.T) {
	s := newTestStore(t)
	due := mustCreateJob(t, s, &Job{TenantID: "t1", Status: StatusScheduled})
	s.SetAvailableAt(due.ID, time.Now().UTC().Add(-time.Second))
	future := mustCreateJob(t, s, &Job{TenantID: "t1", Status: StatusScheduled})
	s.SetAvailableAt(future.ID, time.Now().UTC().Add(time.Hour))

	n, err := s.PromoteScheduled(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	if n != 1 {
		t.Fatalf("应晋升 1 条, got %d", n)
	}
	j1, _ := s.GetJob(context.Background(), due.ID)
	j2, _ := s.GetJob(context.Background(), future.ID)
	if j1.Status != StatusPending || j2.Status != StatusScheduled {
		t.Errorf("晋升结果异常: %s / %s", j1.Status, j2.Status)
	}
}

func TestAgePriorities_ClimbsAndCaps(t *testing.T) {
	s := newTestStore(t)
	j := mustCreateJob(t, s, &Job{TenantID: "t1", Priority: 8})
	s.SetCreatedAt(j.ID, time.Now().UTC().Add(-time.Hour))

	now := time.Now().UTC()
	if n, _ := s.AgePriorities(context.Background(), now); n != 1 {
		t.Fatalf("应提升 1 条")
	}
	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Priority != 9 {
		t.Fatalf("priority: got %d", got.Priority)
	}
	// 封顶后不再提升
	if n, _ := s.AgePriorities(context.Background(), now); n != 0 {
		t.Fatal("priority 9 不应继续提升")
	}
}

func TestAgePriorities_ThresholdScalesWithPriority(t *testing.T) {
	s := newTestStore(t)
	j := mustCreateJob(t, s, &Job{TenantID: "t1", Priority: 5})
	// 等待 3 分钟 < 阈值 (5+1) 分钟，不提升
	s.SetCreatedAt(j.ID, time.Now().UTC().Add(-3*time.Minute))
	if n, _ := s.AgePriorities(context.Background(), time.Now().UTC()); n != 0 {
		t.Fatal("未到阈值不应提升")
	}
}

func TestQueueDepths(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateTenant(context.Background(), &Tenant{ID: "t2", Weight: 1, MaxInflight: 10})
	mustCreateJob(t, s, &Job{TenantID: "t1"})
	mustCreateJob(t, s, &Job{TenantID: "t1"})
	mustCreateJob(t, s, &Job{TenantID: "t2"})

	depths, err := s.QueueDepths(context.Background())
	if err != nil {
		t.Fatalf("QueueDepths: %v", err)
	}
	if depths["t1"] != 2 || depths["t2"] != 1 {
		t.Errorf("depths: %v", depths)
	}
}

func TestProcessOutbox_PublishAndRetry(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1"})
	_, lease, _ := s.Lease(context.Background(), "w", "", 30*time.Second)
	if _, err := s.Complete(context.Background(), created.ID, nil, lease.Token, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// 首次发布失败：行保持 PENDING
	fail := func(ctx context.Context, ev *OutboxEvent) error { return errors.New("sink down") }
	if n, err := s.ProcessOutbox(context.Background(), 50, fail); err != nil || n != 0 {
		t.Fatalf("失败发布: n=%d err=%v", n, err)
	}
	if s.PendingOutbox() != 1 {
		t.Fatal("发布失败的行应保持 PENDING")
	}

	var published []*OutboxEvent
	ok := func(ctx context.Context, ev *OutboxEvent) error {
		published = append(published, ev)
		return nil
	}
	if n, err := s.ProcessOutbox(context.Background(), 50, ok); err != nil || n != 1 {
		t.Fatalf("成功发布: n=%d err=%v", n, err)
	}
	if s.PendingOutbox() != 0 {
		t.Fatal("发布后不应有 PENDING")
	}
	if len(published) != 1 || published[0].EventType != OutboxJobCompleted {
		t.Errorf("published: %+v", published)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(published[0].Payload, &payload); err != nil {
		t.Fatalf("payload 非 JSON: %v", err)
	}
	if payload["job_id"] != created.ID {
		t.Errorf("payload job_id: %v", payload["job_id"])
	}
}

func TestEvents_AuditTrail(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1", MaxAttempts: 2})
	_, lease, _ := s.Lease(context.Background(), "w", "", 30*time.Second)
	_, _ = s.Fail(context.Background(), created.ID, "boom", lease.Token)
	_, lease2, _ := s.Lease(context.Background(), "w", "", 30*time.Second)
	_, _ = s.Complete(context.Background(), created.ID, nil, lease2.Token, "")

	events, err := s.ListEvents(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []EventType{EventCreated, EventLeased, EventRetried, EventLeased, EventCompleted}
	if len(types) != len(want) {
		t.Fatalf("事件数: got %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("事件 %d: got %s want %s", i, types[i], want[i])
		}
	}
}

func TestLease_CronSpawnsNextInstance(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1", CronSchedule: "*/5 * * * *"})

	j, _, err := s.Lease(context.Background(), "w", "", 30*time.Second)
	if err != nil || j == nil || j.ID != created.ID {
		t.Fatalf("Lease: %v", err)
	}
	s.mu.Lock()
	var spawned *Job
	for _, cand := range s.jobs {
		if cand.ID != created.ID {
			spawned = cand
		}
	}
	s.mu.Unlock()
	if spawned == nil {
		t.Fatal("认领 cron job 应派生下一次实例")
	}
	if spawned.Status != StatusScheduled || spawned.CronSchedule != created.CronSchedule {
		t.Errorf("派生实例异常: %s %q", spawned.Status, spawned.CronSchedule)
	}
	if !spawned.AvailableAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("派生实例 available_at 应在未来: %v", spawned.AvailableAt)
	}
}

func TestLease_InvalidCronSkipsSpawn(t *testing.T) {
	s := newTestStore(t)
	created := mustCreateJob(t, s, &Job{TenantID: "t1", CronSchedule: "not a cron"})

	j, _, err := s.Lease(context.Background(), "w", "", 30*time.Second)
	if err != nil || j == nil {
		t.Fatalf("非法 cron 不应阻断认领: %v", err)
	}
	s.mu.Lock()
	total := len(s.jobs)
	s.mu.Unlock()
	if total != 1 {
		t.Fatalf("非法 cron 不应派生实例, jobs=%d", total)
	}
	_ = created
}
