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
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"job-broker/internal/api/http/middleware"
	"job-broker/internal/broker"
	"job-broker/pkg/log"
)

func newTestServer(t *testing.T) (*server.Hertz, *broker.MemStore) {
	t.Helper()
	store := broker.NewMemStore()
	store.SetRetryPolicy(broker.RetryPolicy{Base: 0, Max: 0})
	if err := store.CreateTenant(context.Background(), &broker.Tenant{ID: "t1", Name: "t1", Weight: 1, MaxInflight: 10}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	dispatcher := broker.NewDispatcher(store, broker.DispatcherConfig{DefaultLeaseDuration: 30 * time.Second})
	handler := NewHandler(store, dispatcher, logger, 30*time.Second)
	mw := middleware.New(store, "", false)
	return NewRouter(handler, mw, 0).Build(":0"), store
}

func doJSON(h *server.Hertz, method, path string, body interface{}) (int, map[string]interface{}) {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	w := ut.PerformRequest(h.Engine, method, path, &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)})
	resp := w.Result()
	out := map[string]interface{}{}
	_ = json.Unmarshal(resp.Body(), &out)
	return resp.StatusCode(), out
}

func TestHealthCheck(t *testing.T) {
	h, _ := newTestServer(t)
	code, body := doJSON(h, "GET", "/health", nil)
	if code != 200 || body["status"] != "ok" {
		t.Fatalf("health: %d %v", code, body)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	h, _ := newTestServer(t)

	cases := []struct {
		name string
		req  map[string]interface{}
		want int
	}{
		{"缺 tenant_id", map[string]interface{}{"payload": map[string]string{"a": "b"}}, 400},
		{"priority 越界", map[string]interface{}{"tenant_id": "t1", "priority": 10}, 400},
		{"未知租户", map[string]interface{}{"tenant_id": "ghost"}, 404},
		{"合法请求", map[string]interface{}{"tenant_id": "t1", "priority": 5}, 201},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := doJSON(h, "POST", "/api/v1/jobs", tc.req)
			if code != tc.want {
				t.Fatalf("status = %d, want %d (%v)", code, tc.want, body)
			}
		})
	}
}

func TestCreateJob_IdempotencyReturns200(t *testing.T) {
	h, _ := newTestServer(t)
	req := map[string]interface{}{"tenant_id": "t1", "idempotency_key": "once"}

	code, first := doJSON(h, "POST", "/api/v1/jobs", req)
	if code != 201 {
		t.Fatalf("首次创建: %d", code)
	}
	code, second := doJSON(h, "POST", "/api/v1/jobs", req)
	if code != 200 {
		t.Fatalf("幂等命中应返回 200: %d", code)
	}
	if first["id"] != second["id"] {
		t.Errorf("幂等命中应返回同一 Job: %v vs %v", first["id"], second["id"])
	}
}

func TestCreateJob_FutureAvailableAtScheduled(t *testing.T) {
	h, store := newTestServer(t)
	code, body := doJSON(h, "POST", "/api/v1/jobs", map[string]interface{}{
		"tenant_id":    "t1",
		"available_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	if code != 201 {
		t.Fatalf("创建失败: %d %v", code, body)
	}
	j, err := store.GetJob(context.Background(), body["id"].(string))
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != broker.StatusScheduled {
		t.Errorf("未来 available_at 应为 SCHEDULED: %s", j.Status)
	}
}

func TestPoll_EmptyQueue204(t *testing.T) {
	h, _ := newTestServer(t)
	code, _ := doJSON(h, "POST", "/api/v1/workers/poll", map[string]string{"worker_id": "w1"})
	if code != 204 {
		t.Fatalf("空队列应 204: %d", code)
	}
}

func TestWorkerLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestServer(t)
	code, created := doJSON(h, "POST", "/api/v1/jobs", map[string]interface{}{
		"tenant_id": "t1", "payload": map[string]string{"task": "x"},
	})
	if code != 201 {
		t.Fatalf("创建失败: %d", code)
	}
	jobID := created["id"].(string)

	code, polled := doJSON(h, "POST", "/api/v1/workers/poll", map[string]string{"worker_id": "w1"})
	if code != 200 {
		t.Fatalf("poll: %d", code)
	}
	token := polled["lease_token"].(string)

	code, hb := doJSON(h, "POST", "/api/v1/workers/jobs/"+jobID+"/heartbeat", map[string]string{"lease_token": token})
	if code != 200 || hb["expires_at"] == nil {
		t.Fatalf("heartbeat: %d %v", code, hb)
	}

	code, done := doJSON(h, "POST", "/api/v1/workers/jobs/"+jobID+"/complete", map[string]interface{}{
		"lease_token": token, "result": map[string]int{"n": 1},
	})
	if code != 200 || done["status"] != string(broker.StatusSucceeded) {
		t.Fatalf("complete: %d %v", code, done)
	}

	// 旧 token 再上报失败 → 409
	code, _ = doJSON(h, "POST", "/api/v1/workers/jobs/"+jobID+"/fail", map[string]string{
		"lease_token": token, "error": "late",
	})
	if code != 409 {
		t.Fatalf("终态后 fail 应 409: %d", code)
	}
}

// poll/heartbeat 的时长字段透传到存储层，缺省才用服务端默认
func TestWorkerRequestedDurations(t *testing.T) {
	h, _ := newTestServer(t)
	code, _ := doJSON(h, "POST", "/api/v1/jobs", map[string]interface{}{"tenant_id": "t1"})
	if code != 201 {
		t.Fatalf("创建失败: %d", code)
	}

	before := time.Now().UTC()
	code, polled := doJSON(h, "POST", "/api/v1/workers/poll", map[string]interface{}{
		"worker_id": "w1", "lease_duration_seconds": 3600,
	})
	if code != 200 {
		t.Fatalf("poll: %d", code)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, polled["expires_at"].(string))
	if err != nil {
		t.Fatalf("expires_at: %v", err)
	}
	if expiresAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("lease_duration_seconds=3600 未生效: %v", expiresAt)
	}

	jobID := polled["job"].(map[string]interface{})["id"].(string)
	token := polled["lease_token"].(string)
	code, hb := doJSON(h, "POST", "/api/v1/workers/jobs/"+jobID+"/heartbeat", map[string]interface{}{
		"lease_token": token, "extend_seconds": 7200,
	})
	if code != 200 {
		t.Fatalf("heartbeat: %d", code)
	}
	renewed, err := time.Parse(time.RFC3339Nano, hb["expires_at"].(string))
	if err != nil {
		t.Fatalf("heartbeat expires_at: %v", err)
	}
	if renewed.Before(before.Add(119 * time.Minute)) {
		t.Errorf("extend_seconds=7200 未生效: %v", renewed)
	}
}

func TestHeartbeat_UnknownLease409(t *testing.T) {
	h, _ := newTestServer(t)
	code, created := doJSON(h, "POST", "/api/v1/jobs", map[string]interface{}{"tenant_id": "t1"})
	if code != 201 {
		t.Fatalf("创建失败: %d", code)
	}
	code, _ = doJSON(h, "POST", "/api/v1/workers/jobs/"+created["id"].(string)+"/heartbeat",
		map[string]string{"lease_token": "bogus"})
	if code != 409 {
		t.Fatalf("未知租约应 409: %d", code)
	}
}

func TestFail_RetriesThenDLQ(t *testing.T) {
	h, _ := newTestServer(t)
	code, created := doJSON(h, "POST", "/api/v1/jobs", map[string]interface{}{
		"tenant_id": "t1", "max_attempts": 2,
	})
	if code != 201 {
		t.Fatalf("创建失败: %d", code)
	}
	jobID := created["id"].(string)

	for attempt := 1; attempt <= 2; attempt++ {
		code, polled := doJSON(h, "POST", "/api/v1/workers/poll", map[string]string{"worker_id": "w1"})
		if code != 200 {
			t.Fatalf("第 %d 次 poll: %d", attempt, code)
		}
		code, failed := doJSON(h, "POST", "/api/v1/workers/jobs/"+jobID+"/fail", map[string]string{
			"lease_token": polled["lease_token"].(string), "error": "boom",
		})
		if code != 200 {
			t.Fatalf("第 %d 次 fail: %d", attempt, code)
		}
		want := string(broker.StatusPending)
		if attempt == 2 {
			want = string(broker.StatusDLQ)
		}
		if failed["status"] != want {
			t.Fatalf("第 %d 次失败后状态 %v, want %s", attempt, failed["status"], want)
		}
	}
}

func TestCancelJob_Idempotent(t *testing.T) {
	h, _ := newTestServer(t)
	code, created := doJSON(h, "POST", "/api/v1/jobs", map[string]interface{}{"tenant_id": "t1"})
	if code != 201 {
		t.Fatalf("创建失败: %d", code)
	}
	jobID := created["id"].(string)
	for i := 0; i < 2; i++ {
		code, body := doJSON(h, "POST", "/api/v1/jobs/"+jobID+"/cancel", nil)
		if code != 200 || body["status"] != string(broker.StatusCanceled) {
			t.Fatalf("第 %d 次 cancel: %d %v", i, code, body)
		}
	}
}

func TestGetJob_NotFound(t *testing.T) {
	h, _ := newTestServer(t)
	code, _ := doJSON(h, "GET", "/api/v1/jobs/missing", nil)
	if code != 404 {
		t.Fatalf("未知 Job 应 404: %d", code)
	}
}

func TestListJobEvents(t *testing.T) {
	h, _ := newTestServer(t)
	code, created := doJSON(h, "POST", "/api/v1/jobs", map[string]interface{}{"tenant_id": "t1"})
	if code != 201 {
		t.Fatalf("创建失败: %d", code)
	}
	jobID := created["id"].(string)
	doJSON(h, "POST", "/api/v1/jobs/"+jobID+"/cancel", nil)

	code, body := doJSON(h, "GET", "/api/v1/jobs/"+jobID+"/events", nil)
	if code != 200 {
		t.Fatalf("events: %d", code)
	}
	if body["total"].(float64) < 2 {
		t.Errorf("应至少有 CREATED/CANCELLED 两条事件: %v", body)
	}
}

func TestAdminCreateTenant(t *testing.T) {
	h, store := newTestServer(t)
	code, _ := doJSON(h, "POST", "/api/v1/admin/tenants", map[string]interface{}{
		"id": "t2", "name": "second", "weight": 3, "max_inflight": 5,
	})
	if code != 201 {
		t.Fatalf("创建租户: %d", code)
	}
	tenant, err := store.GetTenant(context.Background(), "t2")
	if err != nil || tenant.Weight != 3 {
		t.Fatalf("租户未落库: %v %+v", err, tenant)
	}

	code, _ = doJSON(h, "POST", "/api/v1/admin/tenants", map[string]interface{}{"id": "bad", "weight": 0, "max_inflight": 5})
	if code != 400 {
		t.Fatalf("weight=0 应 400: %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	w := ut.PerformRequest(h.Engine, "GET", "/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("metrics: %d", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("job_start_delay_seconds")) {
		t.Error("导出内容缺少任务指标")
	}
}
