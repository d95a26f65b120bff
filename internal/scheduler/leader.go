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
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLeaderLockKey pg advisory lock key，全部实例必须一致
const DefaultLeaderLockKey = 84728472

// LeaderElector 每个 tick 询问一次。TryAcquire 可重入：已是 leader 再次调用仍返回 true。
type LeaderElector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// PgLeaderElector 基于 pg_try_advisory_lock 的选主。session 级锁要求锁的生命周期
// 绑定同一条连接，所以从 pool 里长期占住一条专用连接；连接断开锁自动释放，
// 其他实例在下个 tick 接任。
type PgLeaderElector struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewPgLeaderElector(pool *pgxpool.Pool, key int64) *PgLeaderElector {
	if key == 0 {
		key = DefaultLeaderLockKey
	}
	return &PgLeaderElector{pool: pool, key: key}
}

// TryAcquire 惰性取专用连接后尝试锁；任何错误丢弃连接，下个 tick 重建重试
func (e *PgLeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		conn, err := e.pool.Acquire(ctx)
		if err != nil {
			return false, err
		}
		e.conn = conn
	}
	var got bool
	err := e.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, e.key).Scan(&got)
	if err != nil {
		e.conn.Release()
		e.conn = nil
		return false, err
	}
	return got, nil
}

// Release 归还专用连接；session 锁随连接释放
func (e *PgLeaderElector) Release(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return
	}
	_, _ = e.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, e.key)
	e.conn.Release()
	e.conn = nil
}

// MemElector 单实例（mem store）场景恒为 leader
type MemElector struct{}

func (MemElector) TryAcquire(context.Context) (bool, error) { return true, nil }
func (MemElector) Release(context.Context)                  {}
