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

// Package worker Worker 进程装配：SDK 客户端 + 执行循环。
// 默认 handler 回显 payload，接入方替换为真实业务。
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"job-broker/pkg/config"
	"job-broker/pkg/log"
	sdk "job-broker/pkg/worker"
)

// App Worker 应用
type App struct {
	logger *log.Logger
	runner *sdk.Runner
	cancel context.CancelFunc
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）；handler 为 nil 时使用回显实现
func NewApp(cfg *config.Config, handler sdk.HandlerFunc) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}

	workerID := cfg.Worker.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}
	baseURL := cfg.Worker.BrokerURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := sdk.NewClient(sdk.ClientConfig{
		BaseURL:    baseURL,
		TenantID:   cfg.Worker.TenantID,
		WorkerID:   workerID,
		SigningKey: cfg.Worker.APIKey,
	})

	if handler == nil {
		handler = echoHandler
	}
	runner := sdk.NewRunner(client, handler, sdk.RunnerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: parseDuration(cfg.Worker.PollInterval, 2*time.Second),
		Heartbeat:    parseDuration(cfg.Worker.Heartbeat, 10*time.Second),
	})

	logger.Info("Worker 初始化完成", "worker_id", workerID, "broker", baseURL, "tenant_id", cfg.Worker.TenantID)
	return &App{logger: logger, runner: runner}, nil
}

// Start 启动执行循环
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.runner.Start(ctx)
	return nil
}

// Shutdown 等待在执行的任务收尾
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.runner.Stop()
	a.logger.Info("Worker 已停止")
	return nil
}

// echoHandler 演示实现：原样返回 payload
func echoHandler(_ context.Context, job *sdk.Job) (json.RawMessage, error) {
	out, err := json.Marshal(map[string]interface{}{
		"echo":   job.Payload,
		"job_id": job.ID,
	})
	return out, err
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
