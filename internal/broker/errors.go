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

import "errors"

// 哨兵错误；HTTP 层据此映射状态码（404/400/409）
var (
	// ErrJobNotFound 引用的 job 不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrTenantNotFound 引用的 tenant 不存在
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrInvalidJobState 状态机禁止的迁移（如 complete 一个 PENDING 的 job、租约已丢失）
	ErrInvalidJobState = errors.New("invalid job state")
	// ErrLeaseNotFound 租约不存在或 token 不匹配
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrLeaseExpired 租约已过期，或超过 execution_timeout 墙钟上限
	ErrLeaseExpired = errors.New("lease expired")
)

// IsLeaseError heartbeat 类错误（409）；worker 应放弃执行
func IsLeaseError(err error) bool {
	return errors.Is(err, ErrLeaseNotFound) || errors.Is(err, ErrLeaseExpired)
}
