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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseLost 租约失效（过期被回收、任务被取消或重复上报）
var ErrLeaseLost = errors.New("lease lost")

// HandlerFunc 业务执行函数；返回的 result 会随 complete 上报
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// RunnerConfig 执行循环配置
type RunnerConfig struct {
	Concurrency  int
	PollInterval time.Duration // 无任务时的轮询间隔
	Heartbeat    time.Duration // 心跳间隔，应明显小于租约时长
}

// Runner poll → 执行 → complete/fail 的循环，执行期间后台心跳续租。
// 心跳返回租约失效时取消执行上下文，业务侧应尽快响应 ctx.Done()。
type Runner struct {
	client  *Client
	handler HandlerFunc
	cfg     RunnerConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRunner(client *Client, handler HandlerFunc, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	return &Runner{client: client, handler: handler, cfg: cfg, stopCh: make(chan struct{})}
}

func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx)
		}()
	}
}

func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		leased, err := r.client.Poll(ctx)
		if err != nil {
			slog.Warn("poll failed", "err", err)
			r.sleep(r.cfg.PollInterval)
			continue
		}
		if leased == nil {
			r.sleep(r.cfg.PollInterval)
			continue
		}
		r.execute(ctx, leased)
	}
}

func (r *Runner) execute(ctx context.Context, leased *Leased) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if leased.Job.ExecutionTimeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(jobCtx, time.Duration(leased.Job.ExecutionTimeout)*time.Second)
		defer cancelTimeout()
	}

	// 后台心跳：失效即取消业务执行
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(r.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := r.client.Heartbeat(ctx, leased.Job.ID, leased.LeaseToken); err != nil {
					if errors.Is(err, ErrLeaseLost) {
						slog.Warn("lease lost, abandoning job", "job_id", leased.Job.ID)
						cancel()
						return
					}
					slog.Warn("heartbeat failed", "job_id", leased.Job.ID, "err", err)
				}
			}
		}
	}()

	result, err := r.handler(jobCtx, &leased.Job)
	cancel()
	<-hbDone

	if err != nil {
		if reportErr := r.client.Fail(ctx, leased.Job.ID, leased.LeaseToken, err.Error()); reportErr != nil {
			slog.Error("fail report failed", "job_id", leased.Job.ID, "err", reportErr)
		}
		return
	}
	idemKey := fmt.Sprintf("%s-%s", leased.Job.ID, uuid.New().String())
	if reportErr := r.client.Complete(ctx, leased.Job.ID, leased.LeaseToken, result, idemKey); reportErr != nil {
		if errors.Is(reportErr, ErrLeaseLost) {
			slog.Warn("complete rejected, lease lost", "job_id", leased.Job.ID)
			return
		}
		slog.Error("complete report failed", "job_id", leased.Job.ID, "err", reportErr)
	}
}

func (r *Runner) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-r.stopCh:
	}
}
