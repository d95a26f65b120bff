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
	"time"

	"github.com/robfig/cron/v3"
)

// NextCronFire 计算标准 5 段 cron 表达式在 base 之后的下一次触发时刻。
// base 取 job.available_at 以避免漂移（原排程为准），零值时退化为 now。
// 表达式非法返回 ok=false，调用方记警告并跳过本次派生，不使 lease 失败。
func NextCronFire(schedule string, base, now time.Time) (time.Time, bool) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, false
	}
	if base.IsZero() {
		base = now
	}
	return sched.Next(base), true
}
