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
	"math/rand"
	"time"

	"job-broker/pkg/metrics"
)

// DispatcherConfig 派发策略参数
type DispatcherConfig struct {
	// GlobalCap 全局并发上限（有效租约数），0 为不限
	GlobalCap int
	// FairRetry 共享模式下加权抽签的兜底轮数：抽中租户恰好没有可认领行时换一家重抽
	FairRetry int
	// DefaultLeaseDuration 租约时长
	DefaultLeaseDuration time.Duration
}

// Dispatcher 把 worker 的 poll 转成一次认领。pinned 模式直取指定租户；
// 共享模式先按权重抽租户再认领，避免单一大户饿死其他租户。
type Dispatcher struct {
	store Store
	cfg   DispatcherConfig
}

func NewDispatcher(store Store, cfg DispatcherConfig) *Dispatcher {
	if cfg.FairRetry <= 0 {
		cfg.FairRetry = 3
	}
	if cfg.DefaultLeaseDuration <= 0 {
		cfg.DefaultLeaseDuration = 30 * time.Second
	}
	return &Dispatcher{store: store, cfg: cfg}
}

// Dispatch tenantID 非空为 pinned 模式；leaseDuration<=0 用默认租约时长。
// 无可认领返回 (nil, nil, nil)，worker 端按 204 处理后退避重试。
func (d *Dispatcher) Dispatch(ctx context.Context, workerID, tenantID string, leaseDuration time.Duration) (*Job, *Lease, error) {
	now := time.Now().UTC()
	if leaseDuration <= 0 {
		leaseDuration = d.cfg.DefaultLeaseDuration
	}
	if d.cfg.GlobalCap > 0 {
		n, err := d.store.CountLiveLeases(ctx, now)
		if err != nil {
			return nil, nil, err
		}
		if n >= d.cfg.GlobalCap {
			return nil, nil, nil
		}
	}

	if tenantID != "" {
		return d.claim(ctx, workerID, tenantID, leaseDuration)
	}

	// 共享模式：候选集已过滤 max_inflight，按 weight 加权抽签。
	// 候选集与认领之间没有锁，抽中者可能已被抢空，换一家重抽有限次。
	tenants, err := d.store.ListActiveTenants(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < d.cfg.FairRetry && len(tenants) > 0; i++ {
		idx := weightedPick(tenants)
		j, lease, err := d.claim(ctx, workerID, tenants[idx].ID, leaseDuration)
		if err != nil {
			return nil, nil, err
		}
		if j != nil {
			return j, lease, nil
		}
		tenants = append(tenants[:idx], tenants[idx+1:]...)
	}
	return nil, nil, nil
}

func (d *Dispatcher) claim(ctx context.Context, workerID, tenantID string, leaseDuration time.Duration) (*Job, *Lease, error) {
	j, lease, err := d.store.Lease(ctx, workerID, tenantID, leaseDuration)
	if err != nil || j == nil {
		return nil, nil, err
	}
	metrics.LeaseTotal.WithLabelValues(j.TenantID).Inc()
	metrics.StartDelay.Observe(j.StartedAt.Sub(j.AvailableAt).Seconds())
	return j, lease, nil
}

// weightedPick 权重和上掷点落段；weight 均非正时退化为均匀
func weightedPick(tenants []*Tenant) int {
	total := 0
	for _, t := range tenants {
		if t.Weight > 0 {
			total += t.Weight
		}
	}
	if total <= 0 {
		return rand.Intn(len(tenants))
	}
	r := rand.Intn(total)
	for i, t := range tenants {
		if t.Weight <= 0 {
			continue
		}
		r -= t.Weight
		if r < 0 {
			return i
		}
	}
	return len(tenants) - 1
}
