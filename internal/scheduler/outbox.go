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
	"log/slog"
	"sync"
	"time"

	"job-broker/internal/broker"
	"job-broker/pkg/metrics"
)

// Publisher 把 Outbox 事件送到外部系统。实现必须可重试：
// Outbox 是至少一次投递，同一事件可能被重复发布。
type Publisher interface {
	Publish(ctx context.Context, ev *broker.OutboxEvent) error
}

// LogPublisher 没配下游时的兜底：只写结构化日志
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev *broker.OutboxEvent) error {
	slog.Info("outbox event", "event_id", ev.ID, "event_type", ev.EventType, "payload", string(ev.Payload))
	return nil
}

// OutboxConfig Outbox 发布参数
type OutboxConfig struct {
	Interval  time.Duration
	BatchSize int
}

// OutboxProcessor 周期性把 PENDING Outbox 批量发布出去
type OutboxProcessor struct {
	store     broker.Store
	publisher Publisher
	cfg       OutboxConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewOutboxProcessor(store broker.Store, publisher Publisher, cfg OutboxConfig) *OutboxProcessor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if publisher == nil {
		publisher = LogPublisher{}
	}
	return &OutboxProcessor{store: store, publisher: publisher, cfg: cfg, stopCh: make(chan struct{})}
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.drain(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *OutboxProcessor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *OutboxProcessor) drain(ctx context.Context) {
	n, err := p.store.ProcessOutbox(ctx, p.cfg.BatchSize, p.publisher.Publish)
	if err != nil {
		slog.Warn("outbox drain failed", "err", err)
		return
	}
	if n > 0 {
		metrics.OutboxPublishedTotal.Add(float64(n))
	}
}
