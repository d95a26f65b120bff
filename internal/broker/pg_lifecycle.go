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

	"github.com/jackc/pgx/v5"
)

// Complete 幂等完成。completion ledger 用 ON CONFLICT DO NOTHING 探测重复：
// 0 行受影响即重放，读回当前 Job 返回（首个写入者的 result 为准），不中断事务。
func (s *PgStore) Complete(ctx context.Context, jobID string, result json.RawMessage, leaseToken, idempotencyKey string) (*Job, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	if idempotencyKey != "" {
		var dup bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM job_completions WHERE job_id = $1 AND idempotency_key = $2)`,
			jobID, idempotencyKey).Scan(&dup)
		if err != nil {
			return nil, err
		}
		if dup {
			return j, tx.Commit(ctx)
		}
	}
	if j.Status == StatusSucceeded {
		return j, tx.Commit(ctx)
	}
	if !j.Status.Leasable() {
		return nil, ErrInvalidJobState
	}
	if leaseToken != "" {
		var ok bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM job_leases WHERE job_id = $1 AND lease_token = $2)`,
			jobID, leaseToken).Scan(&ok)
		if err != nil {
			return nil, err
		}
		if !ok {
			// lease lost：过期被回收或被取消
			return nil, ErrInvalidJobState
		}
	}
	if idempotencyKey != "" {
		// 并发重放在这里碰撞：后到者 0 行，按重放分支读回返回
		ct, err := tx.Exec(ctx,
			`INSERT INTO job_completions (job_id, idempotency_key, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			jobID, idempotencyKey, now)
		if err != nil {
			return nil, err
		}
		if ct.RowsAffected() == 0 {
			fresh, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, jobID))
			if err != nil {
				return nil, err
			}
			return fresh, tx.Commit(ctx)
		}
	}

	resultJSON := result
	if resultJSON == nil {
		resultJSON = []byte("null")
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = 'SUCCEEDED', result = $1, updated_at = $2 WHERE id = $3`,
		resultJSON, now, jobID)
	if err != nil {
		return nil, err
	}
	// 兜底删除该 job 的任意租约（未带 token 的调用路径）
	if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, jobID, EventCompleted, map[string]interface{}{
		"lease_token": leaseToken,
	}, now); err != nil {
		return nil, err
	}
	if err := insertOutbox(ctx, tx, OutboxJobCompleted, map[string]interface{}{
		"job_id":       j.ID,
		"tenant_id":    j.TenantID,
		"result":       json.RawMessage(resultJSON),
		"completed_at": now.Format(time.RFC3339Nano),
	}, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	j.Status = StatusSucceeded
	j.Result = resultJSON
	j.UpdatedAt = now
	return j, nil
}

// Fail attempts+1 后分支：达 max_attempts 进 DLQ，否则回 PENDING + 指数退避
func (s *PgStore) Fail(ctx context.Context, jobID, errMsg, leaseToken string) (*Job, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if !j.Status.Leasable() {
		return nil, ErrInvalidJobState
	}
	if leaseToken != "" {
		var token string
		err := tx.QueryRow(ctx, `SELECT lease_token FROM job_leases WHERE job_id = $1`, jobID).Scan(&token)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrInvalidJobState
			}
			return nil, err
		}
		if token != leaseToken {
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
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = 'DLQ', attempts = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
			j.Attempts, errMsg, now, jobID)
	} else {
		j.Status = StatusPending
		j.AvailableAt = s.retry.NextRetryAt(now, j.Attempts)
		ev = EventRetried
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = 'PENDING', attempts = $1, last_error = $2, available_at = $3, updated_at = $4 WHERE id = $5`,
			j.Attempts, errMsg, j.AvailableAt, now, jobID)
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, jobID, ev, map[string]interface{}{
		"error":       errMsg,
		"attempts":    j.Attempts,
		"max":         j.MaxAttempts,
		"lease_token": leaseToken,
	}, now); err != nil {
		return nil, err
	}
	if err := insertOutbox(ctx, tx, OutboxJobFailed, map[string]interface{}{
		"job_id":    j.ID,
		"tenant_id": j.TenantID,
		"error":     errMsg,
		"attempts":  j.Attempts,
		"status":    string(j.Status),
	}, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// Cancel 幂等：终态原样返回；否则置 CANCELED 并删除租约（令牌随之失效）
func (s *PgStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if j.Status.Terminal() {
		return j, tx.Commit(ctx)
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = 'CANCELED', updated_at = $1 WHERE id = $2`, now, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, jobID); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, jobID, EventCanceled, nil, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	j.Status = StatusCanceled
	j.UpdatedAt = now
	return j, nil
}

// RequeueExpired 回收过期租约。过期计为一次失败尝试：worker 反复 crash 的毒丸 job
// 随 max_attempts 收敛到 DLQ，而不是无限震荡。
func (s *PgStore) RequeueExpired(ctx context.Context, limit int) (int, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT job_id, worker_id FROM job_leases WHERE expires_at < $1
		 ORDER BY expires_at LIMIT $2 FOR UPDATE SKIP LOCKED`,
		now, limit)
	if err != nil {
		return 0, err
	}
	type expired struct{ jobID, workerID string }
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.jobID, &e.workerID); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, e := range batch {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1 FOR UPDATE`, e.jobID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return 0, err
		}
		j.Attempts++
		var ev EventType
		if j.Attempts >= j.MaxAttempts {
			ev = EventDLQRouted
			_, err = tx.Exec(ctx,
				`UPDATE jobs SET status = 'DLQ', attempts = $1, last_error = 'lease_expired', updated_at = $2 WHERE id = $3`,
				j.Attempts, now, e.jobID)
		} else {
			ev = EventRetried
			_, err = tx.Exec(ctx,
				`UPDATE jobs SET status = 'PENDING', attempts = $1, last_error = 'lease_expired', available_at = $2, updated_at = $2 WHERE id = $3`,
				j.Attempts, now, e.jobID)
		}
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM job_leases WHERE job_id = $1`, e.jobID); err != nil {
			return 0, err
		}
		if err := insertEvent(ctx, tx, e.jobID, ev, map[string]interface{}{
			"reason":    "lease_expired",
			"worker_id": e.workerID,
		}, now); err != nil {
			return 0, err
		}
		count++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}
