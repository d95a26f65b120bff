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
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Lease 原子认领：skip-locked 选行消除并发 worker 抢同一行的 convoy——
// 每个事务各拿一行、互不等待。命令全程单事务。
func (s *PgStore) Lease(ctx context.Context, workerID, tenantID string, duration time.Duration) (*Job, *Lease, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	// 1. 选一条可认领的行并立即锁定；已被锁的行跳过
	query := `SELECT ` + jobCols + ` FROM jobs
		WHERE status = 'PENDING' AND available_at <= $1`
	args := []interface{}{now}
	if tenantID != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	query += ` ORDER BY priority DESC, available_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	j, err := scanJob(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	// 2. 状态迁移
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = 'LEASED', started_at = $1, updated_at = $1 WHERE id = $2`,
		now, j.ID)
	if err != nil {
		return nil, nil, err
	}
	j.Status = StatusLeased
	j.StartedAt = now
	j.UpdatedAt = now

	// 3. 租约
	lease := &Lease{
		JobID:           j.ID,
		WorkerID:        workerID,
		Token:           uuid.New().String(),
		ExpiresAt:       now.Add(duration),
		LastHeartbeatAt: now,
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO job_leases (job_id, worker_id, lease_token, expires_at, last_heartbeat_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		lease.JobID, lease.WorkerID, lease.Token, lease.ExpiresAt, lease.LastHeartbeatAt)
	if err != nil {
		return nil, nil, err
	}

	// 4. 审计
	if err := insertEvent(ctx, tx, j.ID, EventLeased, map[string]interface{}{
		"worker_id":   workerID,
		"lease_token": lease.Token,
		"expires_at":  lease.ExpiresAt.Format(time.RFC3339Nano),
	}, now); err != nil {
		return nil, nil, err
	}

	// 5. cron 派生：以原 available_at 为基准防漂移；表达式非法仅警告
	if j.CronSchedule != "" {
		if next, ok := NextCronFire(j.CronSchedule, j.AvailableAt, now); ok {
			_, err = tx.Exec(ctx,
				`INSERT INTO jobs (id, tenant_id, status, priority, payload, attempts, max_attempts, available_at, execution_timeout, cron_schedule, created_at, updated_at)
				 VALUES ($1, $2, 'SCHEDULED', $3, $4, 0, $5, $6, $7, $8, $9, $9)`,
				uuid.New().String(), j.TenantID, j.Priority, j.Payload, j.MaxAttempts,
				next, nullInt(j.ExecutionTimeout), j.CronSchedule, now)
			if err != nil {
				return nil, nil, err
			}
		} else {
			slog.Warn("invalid cron schedule, skipping recurrence", "job_id", j.ID, "schedule", j.CronSchedule)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return j, lease, nil
}

func (s *PgStore) CountLiveLeases(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM job_leases WHERE expires_at > $1`, now).Scan(&n)
	return n, err
}

// ListActiveTenants 公平派发的候选集：有可认领 PENDING 且有效租约数未达 max_inflight
func (s *PgStore) ListActiveTenants(ctx context.Context, now time.Time) ([]*Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tenantCols+` FROM tenants t
		WHERE EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.tenant_id = t.id AND j.status = 'PENDING' AND j.available_at <= $1
		)
		AND (
			SELECT count(*) FROM job_leases l
			JOIN jobs j2 ON j2.id = l.job_id
			WHERE j2.tenant_id = t.id AND l.expires_at > $1
		) < t.max_inflight
		ORDER BY t.id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Heartbeat token 即所有权，无需 worker_id 校验；execution_timeout 是独立于滚动租约的墙钟上限
func (s *PgStore) Heartbeat(ctx context.Context, jobID, leaseToken string, extend time.Duration) (time.Time, error) {
	now := time.Now().UTC()
	var expiresAt time.Time
	var startedAt *time.Time
	var executionTimeout *int
	err := s.pool.QueryRow(ctx, `
		SELECT l.expires_at, j.started_at, j.execution_timeout
		FROM job_leases l JOIN jobs j ON j.id = l.job_id
		WHERE l.job_id = $1 AND l.lease_token = $2`,
		jobID, leaseToken).Scan(&expiresAt, &startedAt, &executionTimeout)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrLeaseNotFound
		}
		return time.Time{}, err
	}
	if expiresAt.Before(now) {
		return time.Time{}, ErrLeaseExpired
	}
	if executionTimeout != nil && *executionTimeout > 0 && startedAt != nil {
		if now.Sub(*startedAt) > time.Duration(*executionTimeout)*time.Second {
			return time.Time{}, ErrLeaseExpired
		}
	}
	newExpiresAt := now.Add(extend)
	_, err = s.pool.Exec(ctx,
		`UPDATE job_leases SET expires_at = $1, last_heartbeat_at = $2 WHERE job_id = $3 AND lease_token = $4`,
		newExpiresAt, now, jobID, leaseToken)
	if err != nil {
		return time.Time{}, err
	}
	return newExpiresAt, nil
}
