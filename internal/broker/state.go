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

// JobStatus 任务状态机；列出的状态即完整定义域，不是扩展点
type JobStatus string

const (
	StatusScheduled JobStatus = "SCHEDULED"
	StatusPending   JobStatus = "PENDING"
	StatusLeased    JobStatus = "LEASED"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	// StatusFailedRetryable 保留值：fail 直接回 PENDING + 未来 available_at，不产生此状态
	StatusFailedRetryable JobStatus = "FAILED_RETRYABLE"
	StatusFailedFinal     JobStatus = "FAILED_FINAL"
	StatusCanceled        JobStatus = "CANCELED"
	StatusDLQ             JobStatus = "DLQ"
)

// Terminal 终态：不再参与调度，租约不可存在
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailedFinal, StatusCanceled, StatusDLQ:
		return true
	}
	return false
}

// Leasable 该状态下允许持有租约
func (s JobStatus) Leasable() bool {
	return s == StatusLeased || s == StatusRunning
}

// EventType 审计事件类型
type EventType string

const (
	EventCreated      EventType = "CREATED"
	EventLeased       EventType = "LEASED"
	EventLeaseRenewed EventType = "LEASE_RENEWED"
	EventCompleted    EventType = "COMPLETED"
	EventRetried      EventType = "RETRIED"
	EventDLQRouted    EventType = "DLQ_ROUTED"
	EventCanceled     EventType = "CANCELED"
)
