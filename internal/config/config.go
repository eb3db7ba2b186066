package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 X402-Flow 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Registry RegistryConfig `json:"registry"`
	Escrow   EscrowConfig   `json:"escrow"`
	Executor ExecutorConfig `json:"executor"`
	Chain    ChainConfig    `json:"chain"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `json:"address"`
	ShutdownTimeout int    `json:"shutdown_timeout_seconds"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Workflow WorkflowStoreConfig `json:"workflow_store"`
	Redis    RedisConfig         `json:"redis"`
}

// WorkflowStoreConfig 选择工作流持久化后端。
type WorkflowStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// RedisConfig 描述 Redis 连接。缓存、签名存储与事件发布共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EventsConfig 选择事件总线实现。
type EventsConfig struct {
	Driver   string `json:"driver"`
	AMQPURL  string `json:"amqp_url"`
	Exchange string `json:"exchange"`
}

// RegistryConfig 描述外部服务注册中心。
type RegistryConfig struct {
	BaseURL         string  `json:"base_url"`
	CacheTTLSeconds int     `json:"cache_ttl_seconds"`
	MatchThreshold  float64 `json:"match_threshold"`
}

// EscrowConfig 描述托管账本与收款配置。
type EscrowConfig struct {
	Driver               string `json:"driver"`
	Asset                string `json:"asset"`
	RequirementTTLSecond int    `json:"requirement_ttl_seconds"`
}

// ExecutorConfig 控制执行引擎行为。
type ExecutorConfig struct {
	TimeoutSeconds  int  `json:"timeout_seconds"`
	RollbackEnabled bool `json:"rollback_enabled"`
}

// ChainConfig 描述区块链接入方式。签名密钥由外部钱包文件提供，
// 口令通过环境变量注入。
type ChainConfig struct {
	ConfigPath   string `json:"config_path"`
	DefaultChain string `json:"default_chain"`
	KeystorePath string `json:"keystore_path"`
	ChainID      int64  `json:"chain_id"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level    string `json:"level"`
	Dir      string `json:"dir"`
	AuditDir string `json:"audit_dir"`
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
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10
	}

	if c.Storage.Workflow.Driver == "" {
		c.Storage.Workflow.Driver = "memory"
	}
	if c.Storage.Workflow.TTLMinutes <= 0 {
		c.Storage.Workflow.TTLMinutes = 7 * 24 * 60
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "x402.events"
	}

	if c.Registry.CacheTTLSeconds <= 0 {
		c.Registry.CacheTTLSeconds = 60
	}
	if c.Registry.MatchThreshold <= 0 {
		c.Registry.MatchThreshold = 0.3
	}

	if c.Escrow.Driver == "" {
		c.Escrow.Driver = "memory"
	}
	if c.Escrow.Asset == "" {
		c.Escrow.Asset = "USDC"
	}
	if c.Escrow.RequirementTTLSecond <= 0 {
		c.Escrow.RequirementTTLSecond = 300
	}

	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 600
	}

	if c.Chain.ConfigPath == "" {
		c.Chain.ConfigPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chain.ConfigPath) {
		c.Chain.ConfigPath = filepath.Join(baseDir, c.Chain.ConfigPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// ExecutorTimeout 返回执行引擎的超时时长。
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

// WorkflowTTL 返回工作流记录的保留时长。
func (c *Config) WorkflowTTL() time.Duration {
	return time.Duration(c.Storage.Workflow.TTLMinutes) * time.Minute
}

// RegistryCacheTTL 返回注册中心查询结果的缓存时长。
func (c *Config) RegistryCacheTTL() time.Duration {
	return time.Duration(c.Registry.CacheTTLSeconds) * time.Second
}

// RequirementTTL 返回签发的支付要求有效期。
func (c *Config) RequirementTTL() time.Duration {
	return time.Duration(c.Escrow.RequirementTTLSecond) * time.Second
}
