package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 OpenTrade 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Identity     IdentityConfig     `json:"identity"`
	Chain        ChainConfig        `json:"chain"`
	SessionCache SessionCacheConfig `json:"session_cache"`
	Reputation   ReputationConfig   `json:"reputation_queue"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
	} `json:"audit"`
}

// IdentityConfig 选择身份注册表的持久化后端。
type IdentityConfig struct {
	Driver                 string `json:"driver"`
	DataDir                string `json:"data_dir"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// ChainConfig 描述链上注册表解析器的接入参数，enabled 为假时不启用。
type ChainConfig struct {
	Enabled         bool   `json:"enabled"`
	RPCURL          string `json:"rpc_url"`
	ContractAddress string `json:"contract_address"`
}

// SessionCacheConfig 选择会话验证缓存的后端。
type SessionCacheConfig struct {
	Driver     string      `json:"driver"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ReputationConfig 选择交互结果队列的后端。
type ReputationConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// OrchestratorConfig 描述编排方身份与智能体花名册。
type OrchestratorConfig struct {
	DID          string  `json:"did"`
	RosterPath   string  `json:"roster_path"`
	MaxRiskLevel float64 `json:"max_risk_level"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Identity.Driver == "" {
		c.Identity.Driver = "file"
	}

	if c.SessionCache.Driver == "" {
		c.SessionCache.Driver = "memory"
	}
	if c.SessionCache.TTLSeconds <= 0 {
		c.SessionCache.TTLSeconds = 3600
	}

	if c.Reputation.Driver == "" {
		c.Reputation.Driver = "memory"
	}
	if c.Reputation.Workers <= 0 {
		// 信誉变更需要串行应用，默认单消费者。
		c.Reputation.Workers = 1
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Identity.DataDir == "" {
		c.Identity.DataDir = c.Runtime.DataDir
	} else if !filepath.IsAbs(c.Identity.DataDir) {
		c.Identity.DataDir = filepath.Join(baseDir, c.Identity.DataDir)
	}

	if c.Orchestrator.RosterPath != "" && !filepath.IsAbs(c.Orchestrator.RosterPath) {
		c.Orchestrator.RosterPath = filepath.Join(baseDir, c.Orchestrator.RosterPath)
	}
}
