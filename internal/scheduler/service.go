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

// Package scheduler 后台 ticker：选主、SCHEDULED 晋升、priority aging、
// 过期租约回收、队列 gauge 刷新与 Outbox 发布。
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"job-broker/internal/broker"
	"job-broker/pkg/metrics"
)

// Config ticker 参数
type Config struct {
	// Interval tick 间隔
	Interval time.Duration
	// ReapLimit 单 tick 最多回收的过期租约数
	ReapLimit int
}

// Service 周期性维护任务。晋升/aging/回收只在 leader 上跑；
// gauge 刷新每个实例都跑（指标抓取不依赖选主结果）。
type Service struct {
	store   broker.Store
	elector LeaderElector
	cfg     Config

	isLeader bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(store broker.Store, elector LeaderElector, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ReapLimit <= 0 {
		cfg.ReapLimit = 100
	}
	return &Service{store: store, elector: elector, cfg: cfg, stopCh: make(chan struct{})}
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		s.tick(ctx)
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Service) Stop(ctx context.Context) {
	close(s.stopCh)
	s.wg.Wait()
	s.elector.Release(ctx)
	metrics.LeaderStatus.Set(0)
}

// tick 单次维护。每步错误只记日志不中断——下个 tick 重来，
// ticker 永不因单步失败退出。
func (s *Service) tick(ctx context.Context) {
	leader, err := s.elector.TryAcquire(ctx)
	if err != nil {
		slog.Warn("leader election failed", "err", err)
		leader = false
	}
	if leader != s.isLeader {
		if leader {
			slog.Info("acquired leadership")
		} else {
			slog.Info("lost leadership")
		}
		s.isLeader = leader
	}
	if leader {
		metrics.LeaderStatus.Set(1)
	} else {
		metrics.LeaderStatus.Set(0)
	}

	now := time.Now().UTC()
	if leader {
		if n, err := s.store.PromoteScheduled(ctx, now); err != nil {
			slog.Warn("promote scheduled failed", "err", err)
		} else if n > 0 {
			slog.Debug("promoted scheduled jobs", "count", n)
		}
		if n, err := s.store.AgePriorities(ctx, now); err != nil {
			slog.Warn("priority aging failed", "err", err)
		} else if n > 0 {
			slog.Debug("aged job priorities", "count", n)
		}
		if n, err := s.store.RequeueExpired(ctx, s.cfg.ReapLimit); err != nil {
			slog.Warn("requeue expired leases failed", "err", err)
		} else if n > 0 {
			metrics.ReapedTotal.Add(float64(n))
			slog.Info("requeued expired leases", "count", n)
		}
	}

	// gauge 刷新不分主从
	if depths, err := s.store.QueueDepths(ctx); err != nil {
		slog.Warn("queue depth refresh failed", "err", err)
	} else {
		metrics.QueueDepth.Reset()
		for tenantID, n := range depths {
			metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(n))
		}
	}
	if n, err := s.store.CountLiveLeases(ctx, now); err != nil {
		slog.Warn("live lease count failed", "err", err)
	} else {
		metrics.JobsInflight.Set(float64(n))
	}
}
