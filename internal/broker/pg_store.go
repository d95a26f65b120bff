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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore PostgreSQL 实现：jobs/job_leases/job_events/job_completions/outbox_events，
// 供 API 与 Scheduler 进程共享；所有生命周期命令单事务执行
type PgStore struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewPgStore 创建基于 PostgreSQL 的 Store；dsn 为连接串
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{pool: pool, retry: DefaultRetryPolicy}, nil
}

// Pool 暴露连接池（leader elector 与测试复用同一 DSN）
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

// SetRetryPolicy 覆盖退避策略（测试用）
func (s *PgStore) SetRetryPolicy(p RetryPolicy) {
	s.retry = p
}

// Close 关闭连接池
func (s *PgStore) Close() {
	s.pool.Close()
}

// EnsureSchema 建表与索引（幂等）；部署用 migration 工具时可跳过
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
	id text PRIMARY KEY,
	name text NOT NULL,
	weight int NOT NULL DEFAULT 1,
	max_inflight int NOT NULL DEFAULT 100,
	api_key text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS jobs (
	id uuid PRIMARY KEY,
	tenant_id text NOT NULL REFERENCES tenants(id),
	status text NOT NULL DEFAULT 'PENDING',
	priority int NOT NULL DEFAULT 0,
	payload jsonb NOT NULL DEFAULT '{}',
	result jsonb,
	attempts int NOT NULL DEFAULT 0,
	max_attempts int NOT NULL DEFAULT 3,
	idempotency_key text,
	available_at timestamptz NOT NULL DEFAULT now(),
	started_at timestamptz,
	execution_timeout int,
	last_error text,
	cron_schedule text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_jobs_poll ON jobs (status, available_at) WHERE status = 'PENDING';
CREATE UNIQUE INDEX IF NOT EXISTS ix_jobs_idempotency ON jobs (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS ix_jobs_tenant ON jobs (tenant_id);
CREATE TABLE IF NOT EXISTS job_leases (
	job_id uuid PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
	worker_id text NOT NULL,
	lease_token uuid NOT NULL,
	expires_at timestamptz NOT NULL,
	last_heartbeat_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_job_leases_expires ON job_leases (expires_at);
CREATE TABLE IF NOT EXISTS job_events (
	id bigserial PRIMARY KEY,
	job_id uuid NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	event_type text NOT NULL,
	ts timestamptz NOT NULL DEFAULT now(),
	meta jsonb NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS ix_job_events_job ON job_events (job_id);
CREATE TABLE IF NOT EXISTS job_completions (
	job_id uuid NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	idempotency_key text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, idempotency_key)
);
CREATE TABLE IF NOT EXISTS outbox_events (
	id bigserial PRIMARY KEY,
	event_type text NOT NULL,
	payload jsonb NOT NULL DEFAULT '{}',
	status text NOT NULL DEFAULT 'PENDING',
	created_at timestamptz NOT NULL DEFAULT now(),
	published_at timestamptz
);
CREATE INDEX IF NOT EXISTS ix_outbox_pending ON outbox_events (created_at) WHERE status = 'PENDING';
`)
	return err
}

const jobCols = `id, tenant_id, status, priority, payload, result, attempts, max_attempts, idempotency_key, available_at, started_at, execution_timeout, last_error, cron_schedule, created_at, updated_at`

// rowScanner pgx.Row 与 pgx.Rows 的公共 Scan
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status string
	var result []byte
	var idempotencyKey, lastError, cronSchedule *string
	var startedAt *time.Time
	var executionTimeout *int
	err := row.Scan(&j.ID, &j.TenantID, &status, &j.Priority, &j.Payload, &result,
		&j.Attempts, &j.MaxAttempts, &idempotencyKey, &j.AvailableAt, &startedAt,
		&executionTimeout, &lastError, &cronSchedule, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.Result = result
	if idempotencyKey != nil {
		j.IdempotencyKey = *idempotencyKey
	}
	if startedAt != nil {
		j.StartedAt = *startedAt
	}
	if executionTimeout != nil {
		j.ExecutionTimeout = *executionTimeout
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	if cronSchedule != nil {
		j.CronSchedule = *cronSchedule
	}
	return &j, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func (s *PgStore) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.Weight <= 0 {
		t.Weight = 1
	}
	if t.MaxInflight <= 0 {
		t.MaxInflight = 100
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, weight, max_inflight, api_key) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = $2, weight = $3, max_inflight = $4, api_key = $5, updated_at = now()`,
		t.ID, t.Name, t.Weight, t.MaxInflight, nullStr(t.APIKey))
	return err
}

const tenantCols = `id, name, weight, max_inflight, COALESCE(api_key, ''), created_at, updated_at`

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Weight, &t.MaxInflight, &t.APIKey, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PgStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = $1`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *PgStore) GetTenantByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	if apiKey == "" {
		return nil, ErrTenantNotFound
	}
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantCols+` FROM tenants WHERE api_key = $1`, apiKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *PgStore) CreateJob(ctx context.Context, j *Job) (*Job, error) {
	now := time.Now().UTC()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := j.Status
	if status == "" {
		status = StatusPending
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	availableAt := j.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	payload := j.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// idempotency_key 去重：已有则返回现有 Job
	if j.IdempotencyKey != "" {
		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobCols+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`,
			j.TenantID, j.IdempotencyKey))
		if err == nil {
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	created, err := scanJob(tx.QueryRow(ctx,
		`INSERT INTO jobs (id, tenant_id, status, priority, payload, attempts, max_attempts, idempotency_key, available_at, execution_timeout, cron_schedule, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, $11)
		 RETURNING `+jobCols,
		id, j.TenantID, string(status), j.Priority, payload, maxAttempts,
		nullStr(j.IdempotencyKey), availableAt, nullInt(j.ExecutionTimeout), nullStr(j.CronSchedule), now))
	if err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, created.ID, EventCreated, nil, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *PgStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *PgStore) ListEvents(ctx context.Context, jobID string) ([]*JobEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, event_type, ts, meta FROM job_events WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*JobEvent
	for rows.Next() {
		var e JobEvent
		var typ string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.JobID, &typ, &e.Timestamp, &meta); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Meta)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// insertEvent 在调用方事务内追加审计事件
func insertEvent(ctx context.Context, tx pgx.Tx, jobID string, typ EventType, meta map[string]interface{}, now time.Time) error {
	metaJSON := []byte("{}")
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metaJSON = b
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, ts, meta) VALUES ($1, $2, $3, $4)`,
		jobID, string(typ), now, metaJSON)
	return err
}

// insertOutbox 在调用方事务内写 Outbox 行；与状态变更同 commit，保证「已提交必有事件」
func insertOutbox(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]interface{}, now time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO outbox_events (event_type, payload, status, created_at) VALUES ($1, $2, 'PENDING', $3)`,
		eventType, b, now)
	return err
}
