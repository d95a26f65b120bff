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

package app

import (
	"context"
	"time"

	"job-broker/internal/broker"
	"job-broker/pkg/config"
	"job-broker/pkg/errors"
	"job-broker/pkg/log"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务装配
type Bootstrap struct {
	Config *config.Config
	Logger *log.Logger
	Store  broker.Store
}

// NewBootstrap 根据配置创建 Logger 与 Store；store=postgres 时建表
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, errors.Wrap(err, "初始化日志失败")
	}

	var store broker.Store
	if cfg != nil && cfg.Broker.Store == "postgres" && cfg.Broker.DSN != "" {
		pg, err := broker.NewPgStore(ctx, cfg.Broker.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "初始化存储(postgres)失败")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, errors.Wrap(err, "初始化 schema 失败")
		}
		store = pg
		logger.Info("存储使用 PostgreSQL 后端")
	} else {
		store = broker.NewMemStore()
		logger.Info("存储使用内存后端（单实例，不持久化）")
	}

	return &Bootstrap{Config: cfg, Logger: logger, Store: store}, nil
}

// ParseDuration 配置字符串转 Duration，非法或空用默认值
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
