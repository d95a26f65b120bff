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
	"time"
)

// PromoteScheduled 到期的 SCHEDULED 批量置为 PENDING
func (s *PgStore) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'PENDING', updated_at = $1
		 WHERE status = 'SCHEDULED' AND available_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// AgePriorities 低优先级等得越久提升越快：等待阈值 (priority+1) 分钟，每次 +1，封顶 9
func (s *PgStore) AgePriorities(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE jobs SET priority = priority + 1, updated_at = $1
		 WHERE status = 'PENDING' AND priority < 9
		   AND created_at < ($1::timestamptz - make_interval(mins => priority + 1))`, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *PgStore) QueueDepths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, count(*) FROM jobs WHERE status = 'PENDING' GROUP BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	depths := make(map[string]int64)
	for rows.Next() {
		var tenantID string
		var n int64
		if err := rows.Scan(&tenantID, &n); err != nil {
			return nil, err
		}
		depths[tenantID] = n
	}
	return depths, rows.Err()
}

// ProcessOutbox 取一批 PENDING（skip-locked 防多实例重复拉取）逐条发布。
// 单条失败保持 PENDING 留给下个 tick；至少一次投递，消费端按 event id 去重。
func (s *PgStore) ProcessOutbox(ctx context.Context, batchSize int, publish PublishFunc) (int, error) {
	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, event_type, payload, created_at FROM outbox_events
		 WHERE status = 'PENDING' ORDER BY created_at LIMIT $1 FOR UPDATE SKIP LOCKED`,
		batchSize)
	if err != nil {
		return 0, err
	}
	var batch []*OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		ev.Payload = json.RawMessage(payload)
		ev.Status = OutboxPending
		batch = append(batch, &ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range batch {
		if err := publish(ctx, ev); err != nil {
			slog.Warn("outbox publish failed, will retry", "event_id", ev.ID, "event_type", ev.EventType, "err", err)
			continue
		}
		_, err := tx.Exec(ctx,
			`UPDATE outbox_events SET status = 'PUBLISHED', published_at = $1 WHERE id = $2`,
			now, ev.ID)
		if err != nil {
			return 0, err
		}
		published++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return published, nil
}
