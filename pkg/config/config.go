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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// BrokerConfig 任务存储与派发配置
type BrokerConfig struct {
	Store                string `mapstructure:"store"`                  // memory | postgres
	DSN                  string `mapstructure:"dsn"`                    // Postgres 连接串，store=postgres 时必填；支持 ${ENV} 占位
	LeaseDuration        string `mapstructure:"lease_duration"`         // 租约时长，如 "30s"，空则默认 30s
	GlobalConcurrencyCap int    `mapstructure:"global_concurrency_cap"` // 全局并发上限（有效租约数），<=0 不限
	FairRetry            int    `mapstructure:"fair_retry"`             // 共享模式加权抽签兜底轮数，<=0 默认 3
}

// SchedulerConfig 后台 ticker 配置
type SchedulerConfig struct {
	Interval      string `mapstructure:"interval"`        // tick 间隔，如 "10s"，空则默认 10s
	ReapLimit     int    `mapstructure:"reap_limit"`      // 单 tick 回收上限，<=0 默认 100
	LeaderLockKey int64  `mapstructure:"leader_lock_key"` // pg advisory lock key，0 使用内置默认
}

// OutboxConfig Outbox 发布配置
type OutboxConfig struct {
	Interval  string      `mapstructure:"interval"`   // 发布轮询间隔，如 "1s"
	BatchSize int         `mapstructure:"batch_size"` // 单批条数，<=0 默认 50
	Sink      string      `mapstructure:"sink"`       // log | redis
	Redis     RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis Stream 下游配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"` // 支持 ${ENV} 占位
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// MiddlewareConfig 中间件配置。worker 签名密钥不在这里：
// 签名用各租户的 api_key 校验，按 X-Tenant-ID 查表。
type MiddlewareConfig struct {
	Auth         bool   `mapstructure:"auth"`          // 开启 API key 与 worker 签名校验
	AdminAPIKey  string `mapstructure:"admin_api_key"` // 管理端 key，支持 ${ENV} 占位
	RateLimit    bool   `mapstructure:"rate_limit"`
	RateLimitRPS int    `mapstructure:"rate_limit_rps"`
}

// WorkerConfig Worker 进程配置
type WorkerConfig struct {
	BrokerURL    string `mapstructure:"broker_url"`    // API 基址，如 "http://localhost:8080"
	WorkerID     string `mapstructure:"worker_id"`     // 空则启动时生成
	TenantID     string `mapstructure:"tenant_id"`     // 非空为 pinned 模式
	APIKey       string `mapstructure:"api_key"`       // 本租户的 api_key，用于请求签名；支持 ${ENV} 占位
	Concurrency  int    `mapstructure:"concurrency"`   // 并发执行数，<=0 默认 1
	PollInterval string `mapstructure:"poll_interval"` // 无任务时的轮询间隔，如 "2s"
	Heartbeat    string `mapstructure:"heartbeat"`     // 心跳间隔，如 "10s"；应小于租约时长
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换敏感字段中的 ${ENV} 占位
func replaceEnvVars(config *Config) {
	config.Broker.DSN = expandEnv(config.Broker.DSN)
	config.Outbox.Redis.Password = expandEnv(config.Outbox.Redis.Password)
	config.API.Middleware.AdminAPIKey = expandEnv(config.API.Middleware.AdminAPIKey)
	config.Worker.APIKey = expandEnv(config.Worker.APIKey)
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")); val != "" {
			return val
		}
	}
	return v
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
