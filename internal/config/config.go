package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"OpenLLM-Core/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "LLMCORE_CONFIG"

// DefaultJitter 是未配置 retry.jitter 时的抖动比例。
const DefaultJitter = 0.25

// Config 描述了运行时在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Logging      logger.Config      `yaml:"logging" toml:"logging"`
	Catalog      CatalogConfig      `yaml:"catalog" toml:"catalog"`
	Retry        RetryConfig        `yaml:"retry" toml:"retry"`
	HTTP         HTTPConfig         `yaml:"http" toml:"http"`
	Swarm        SwarmConfig        `yaml:"swarm" toml:"swarm"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Usage        UsageConfig        `yaml:"usage" toml:"usage"`
	Jobs         JobsConfig         `yaml:"jobs" toml:"jobs"`
	Runtime      RuntimeConfig      `yaml:"runtime" toml:"runtime"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address                string `yaml:"address" toml:"address"`
	MetricsAddress         string `yaml:"metrics_address" toml:"metrics_address"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	// RateLimit 为 API 全局每秒请求数，0 表示不限流。
	RateLimit float64    `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int        `yaml:"rate_burst" toml:"rate_burst"`
	Auth      AuthConfig `yaml:"auth" toml:"auth"`
}

// AuthConfig 控制 API 的身份认证，mode 为 disabled 或 api_key。
type AuthConfig struct {
	Mode string         `yaml:"mode" toml:"mode"`
	Keys []APIKeyConfig `yaml:"keys" toml:"keys"`
}

// APIKeyConfig 描述一个静态 API 密钥，key 支持 env:VAR 形式。
type APIKeyConfig struct {
	Name        string   `yaml:"name" toml:"name"`
	Key         string   `yaml:"key" toml:"key"`
	Permissions []string `yaml:"permissions" toml:"permissions"`
	Disabled    bool     `yaml:"disabled" toml:"disabled"`
}

// CatalogConfig 指向模型目录文件。
type CatalogConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RetryConfig 对应单次逻辑调用的退避参数。Jitter 为空时使用 DefaultJitter，显式写 0 表示关闭抖动。
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelayMS int      `yaml:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMS  int      `yaml:"max_delay_ms" toml:"max_delay_ms"`
	Multiplier  float64  `yaml:"multiplier" toml:"multiplier"`
	Jitter      *float64 `yaml:"jitter" toml:"jitter"`
	Seed        int64    `yaml:"seed" toml:"seed"`
}

// HTTPConfig 控制访问服务商时使用的 HTTP 客户端。
type HTTPConfig struct {
	TimeoutSeconds   int   `yaml:"timeout_seconds" toml:"timeout_seconds"`
	MaxResponseBytes int64 `yaml:"max_response_bytes" toml:"max_response_bytes"`
}

// SwarmConfig 为批量并发调用提供默认值。
type SwarmConfig struct {
	Concurrency        int `yaml:"concurrency" toml:"concurrency"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" toml:"call_timeout_seconds"`
}

// ConversationConfig 控制工具循环。
type ConversationConfig struct {
	MaxToolRounds  int    `yaml:"max_tool_rounds" toml:"max_tool_rounds"`
	ToolWorkers    int    `yaml:"tool_workers" toml:"tool_workers"`
	ToolPolicy     string `yaml:"tool_policy" toml:"tool_policy"`
	IdleTTLMinutes int    `yaml:"idle_ttl_minutes" toml:"idle_ttl_minutes"`
	MaxActive      int    `yaml:"max_active" toml:"max_active"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address" toml:"address"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Key      string `yaml:"key" toml:"key"`
}

// SQLConfig 描述 MySQL 或 SQLite 连接。
type SQLConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// RabbitMQConfig 描述 AMQP 连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
	Queue    string `yaml:"queue" toml:"queue"`
}

// UsageConfig 选择用量记录的落地方式，可同时启用多个。
type UsageConfig struct {
	Sinks    []string       `yaml:"sinks" toml:"sinks"`
	FilePath string         `yaml:"file_path" toml:"file_path"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	SQL      SQLConfig      `yaml:"sql" toml:"sql"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq"`
}

// QueueConfig 选择异步任务队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver" toml:"driver"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq"`
}

// JobsConfig 控制异步调用任务。
type JobsConfig struct {
	Store      SQLConfig   `yaml:"store" toml:"store"`
	Queue      QueueConfig `yaml:"queue" toml:"queue"`
	Workers    int         `yaml:"workers" toml:"workers"`
	MaxRetries int         `yaml:"max_retries" toml:"max_retries"`
	// FallbackModel 在任务最终失败时用于补偿调用，留空表示不补偿。
	FallbackModel string `yaml:"fallback_model" toml:"fallback_model"`
	// AlertWebhook 接收任务告警的 HTTP 地址。
	AlertWebhook string `yaml:"alert_webhook" toml:"alert_webhook"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" toml:"data_dir"`
}

// ResolvePath 优先使用显式路径，其次读取环境变量。
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv(EnvConfigPath)
}

// Load 根据扩展名解析 YAML、TOML 或 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(content)).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("解析 TOML 配置失败: %w", err)
		}
	case ".yaml", ".yml", ".json":
		// JSON 是 YAML 的子集，统一交给 yaml.v3 解析。
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s", filepath.Ext(path))
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回未加载任何文件时的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults(".")
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LLMCORE_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("LLMCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LLMCORE_CATALOG"); v != "" {
		c.Catalog.Path = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = int(c.Server.RateLimit) + 1
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}

	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(baseDir, "models.yaml")
	} else if !filepath.IsAbs(c.Catalog.Path) {
		c.Catalog.Path = filepath.Join(baseDir, c.Catalog.Path)
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMS <= 0 {
		c.Retry.BaseDelayMS = 200
	}
	if c.Retry.MaxDelayMS <= 0 {
		c.Retry.MaxDelayMS = 10_000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.Jitter == nil {
		jitter := DefaultJitter
		c.Retry.Jitter = &jitter
	}

	if c.HTTP.TimeoutSeconds <= 0 {
		c.HTTP.TimeoutSeconds = 30
	}
	if c.HTTP.MaxResponseBytes <= 0 {
		c.HTTP.MaxResponseBytes = 10 << 20
	}

	if c.Swarm.Concurrency <= 0 {
		c.Swarm.Concurrency = 4
	}

	if c.Conversation.MaxToolRounds <= 0 {
		c.Conversation.MaxToolRounds = 5
	}
	if c.Conversation.ToolWorkers <= 0 {
		c.Conversation.ToolWorkers = 4
	}
	if c.Conversation.ToolPolicy == "" {
		c.Conversation.ToolPolicy = "sequential"
	}
	if c.Conversation.IdleTTLMinutes <= 0 {
		c.Conversation.IdleTTLMinutes = 60
	}
	if c.Conversation.MaxActive <= 0 {
		c.Conversation.MaxActive = 1000
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if len(c.Usage.Sinks) == 0 {
		c.Usage.Sinks = []string{"log"}
	}
	if c.Usage.FilePath == "" {
		c.Usage.FilePath = filepath.Join(c.Runtime.DataDir, "usage", "usage.json")
	}
	if c.Usage.Redis.Key == "" {
		c.Usage.Redis.Key = "llmcore:usage"
	}
	if c.Usage.RabbitMQ.Exchange == "" {
		c.Usage.RabbitMQ.Exchange = "llmcore.usage"
	}

	if c.Jobs.Store.Driver == "" {
		c.Jobs.Store.Driver = "memory"
	}
	if c.Jobs.Queue.Driver == "" {
		c.Jobs.Queue.Driver = "memory"
	}
	if c.Jobs.Queue.Redis.Key == "" {
		c.Jobs.Queue.Redis.Key = "llmcore:jobs"
	}
	if c.Jobs.Queue.RabbitMQ.Queue == "" {
		c.Jobs.Queue.RabbitMQ.Queue = "llmcore.jobs"
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 2
	}
	if c.Jobs.MaxRetries < 0 {
		c.Jobs.MaxRetries = 0
	}
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	var errs []error
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier 必须 >= 1，当前为 %v", c.Retry.Multiplier))
	}
	if j := c.Retry.JitterRatio(); j < 0 || j > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter 必须位于 [0,1]，当前为 %v", j))
	}
	switch c.Server.Auth.Mode {
	case "disabled", "api_key":
	default:
		errs = append(errs, fmt.Errorf("未知的 server.auth.mode: %s", c.Server.Auth.Mode))
	}
	switch c.Conversation.ToolPolicy {
	case "sequential", "concurrent_safe":
	default:
		errs = append(errs, fmt.Errorf("未知的 conversation.tool_policy: %s", c.Conversation.ToolPolicy))
	}
	for _, sink := range c.Usage.Sinks {
		switch sink {
		case "log", "memory", "file", "redis", "sql", "rabbitmq":
		default:
			errs = append(errs, fmt.Errorf("未知的 usage sink: %s", sink))
		}
	}
	return errors.Join(errs...)
}

// BaseDelay 返回退避基础时长。
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay 返回退避上限。
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// JitterRatio 返回抖动比例，未配置时为 DefaultJitter。
func (r RetryConfig) JitterRatio() float64 {
	if r.Jitter == nil {
		return DefaultJitter
	}
	return *r.Jitter
}

// Timeout 返回 HTTP 超时。
func (h HTTPConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// IdleTTL 返回会话的空闲过期时间。
func (c ConversationConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLMinutes) * time.Minute
}

// CallTimeout 返回批量调用中单次调用的超时，0 表示不限制。
func (s SwarmConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}
