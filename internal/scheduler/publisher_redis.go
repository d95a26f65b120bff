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

package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"job-broker/internal/broker"
)

// RedisStreamPublisher 把 Outbox 事件写入 Redis Stream。
// 条目带 event_id，消费端按它去重（至少一次投递）。
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisStreamPublisher(ctx context.Context, addr, password, stream string, db int) (*RedisStreamPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = "job-events"
	}
	return &RedisStreamPublisher{client: client, stream: stream}, nil
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, ev *broker.OutboxEvent) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": ev.EventType,
			"payload":    string(ev.Payload),
		},
	}).Err()
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
