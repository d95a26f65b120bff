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
	"math/rand"
	"time"
)

// RetryPolicy 指数退避：delay = min(base · 2^min(attempts,20), max)，可选 [0, 0.1·delay) 均匀抖动。
// 抖动用于打散共享下游故障后的重试风暴。
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// DefaultRetryPolicy base 10s、上限 1h、带抖动
var DefaultRetryPolicy = RetryPolicy{
	Base:   10 * time.Second,
	Max:    time.Hour,
	Jitter: true,
}

// Delay 第 attempts 次失败后的确定性退避（不含抖动）；attempts<=0 视为 0
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^20 ≈ 11 天，必然触顶 Max；截断避免移位溢出
	if attempts > 20 {
		attempts = 20
	}
	d := p.Base << uint(attempts)
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	return d
}

// NextDelay 含抖动的退避
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	d := p.Delay(attempts)
	if p.Jitter {
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
	}
	return d
}

// NextRetryAt 下一次可被认领的时刻
func (p RetryPolicy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(p.NextDelay(attempts))
}
