package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 martiand 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Directory DirectoryConfig `yaml:"directory"`
	Transport TransportConfig `yaml:"transport"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Services  ServicesConfig  `yaml:"services"`
	Onchain   OnchainConfig   `yaml:"onchain"`
	LLM       LLMConfig       `yaml:"llm"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Logging   LoggingConfig   `yaml:"logging"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

// ServerConfig 控制客户端网关的监听地址与限流参数。
type ServerConfig struct {
	Address        string  `yaml:"address"`
	MetricsAddress string  `yaml:"metrics_address"`
	ReadLimitBytes int64   `yaml:"read_limit_bytes"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
}

// DirectoryConfig 描述服务地址簿的存储方式。
type DirectoryConfig struct {
	Driver         string               `yaml:"driver"`
	Path           string               `yaml:"path"`
	LockTimeout    time.Duration        `yaml:"lock_timeout"`
	LockPoll       time.Duration        `yaml:"lock_poll"`
	ResolveRetries int                  `yaml:"resolve_retries"`
	ResolveDelay   time.Duration        `yaml:"resolve_delay"`
	Redis          RedisDirectoryConfig `yaml:"redis"`
}

// RedisDirectoryConfig 用于多主机部署时的 Redis 地址簿。
type RedisDirectoryConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// TransportConfig 选择服务之间的消息通道。
type TransportConfig struct {
	Driver   string               `yaml:"driver"`
	Redis    RedisTransportConfig `yaml:"redis"`
	RabbitMQ RabbitMQConfig       `yaml:"rabbitmq"`
}

// RedisTransportConfig 描述基于 Redis list 的信箱。
type RedisTransportConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	BlockWait time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述基于 RabbitMQ 的信箱。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Prefix   string `yaml:"prefix"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// WorkflowConfig 控制会话工作流的超时与快照存储。
type WorkflowConfig struct {
	Store            string        `yaml:"store"`
	DSN              string        `yaml:"dsn"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	StrategyTimeout  time.Duration `yaml:"strategy_timeout"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	MaxSessions      int           `yaml:"max_sessions"`
	// MailboxSize 是单个会话可排队的命令数，队列满时新命令以 SESSION_BUSY 拒绝。
	MailboxSize int `yaml:"mailbox_size"`
}

// ServicesConfig 指定本进程运行哪些逻辑服务，以及它们在地址簿中的名字。
type ServicesConfig struct {
	Enabled []string          `yaml:"enabled"`
	Names   map[string]string `yaml:"names"`
	// Seed 参与地址推导，同一部署中的所有进程必须一致。
	Seed string `yaml:"seed"`
}

// OnchainConfig 描述链上交易后端的 HTTP 地址。
type OnchainConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig 用于配置策略生成器。
type LLMConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回 OpenAI 调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// KnowledgeConfig 指定协议知识库文件。
type KnowledgeConfig struct {
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AlertingConfig 控制工作流失败告警。
type AlertingConfig struct {
	WebhookURL  string `yaml:"webhook_url"`
	MinSeverity string `yaml:"min_severity"`
}

// ProfilingConfig 开启持续性能剖析。
type ProfilingConfig struct {
	PyroscopeAddress string `yaml:"pyroscope_address"`
	ApplicationName  string `yaml:"application_name"`
}

// 逻辑服务的标准名称。
const (
	ServiceGateway   = "gateway"
	ServiceStrategy  = "strategy"
	ServiceScout     = "scout"
	ServiceRisk      = "risk"
	ServiceExecution = "execution"
)

// AllServices 按启动顺序列出全部逻辑服务，网关最后启动。
var AllServices = []string{ServiceStrategy, ServiceScout, ServiceRisk, ServiceExecution, ServiceGateway}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 YAML 内容，并以 baseDir 作为相对路径的基准目录。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置，适合测试与本地单进程运行。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// ServiceName 返回逻辑服务在地址簿中登记的名字。
func (c *Config) ServiceName(service string) string {
	if name := strings.TrimSpace(c.Services.Names[service]); name != "" {
		return name
	}
	return service + "_agent"
}

// Enabled 判断本进程是否需要运行指定逻辑服务。
func (c *Config) Enabled(service string) bool {
	for _, s := range c.Services.Enabled {
		if strings.EqualFold(strings.TrimSpace(s), service) {
			return true
		}
	}
	return false
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadLimitBytes <= 0 {
		c.Server.ReadLimitBytes = 64 * 1024
	}
	if c.Server.RatePerSecond <= 0 {
		c.Server.RatePerSecond = 5
	}
	if c.Server.Burst <= 0 {
		c.Server.Burst = 10
	}

	if c.Directory.Driver == "" {
		c.Directory.Driver = "file"
	}
	if c.Directory.Path == "" {
		c.Directory.Path = "data/addresses.json"
	}
	c.Directory.Path = resolvePath(baseDir, c.Directory.Path)
	if c.Directory.LockTimeout <= 0 {
		c.Directory.LockTimeout = 5 * time.Second
	}
	if c.Directory.LockPoll <= 0 {
		c.Directory.LockPoll = 100 * time.Millisecond
	}
	if c.Directory.ResolveRetries <= 0 {
		c.Directory.ResolveRetries = 5
	}
	if c.Directory.ResolveDelay <= 0 {
		c.Directory.ResolveDelay = time.Second
	}
	if c.Directory.Redis.Key == "" {
		c.Directory.Redis.Key = "martian:addresses"
	}
	if c.Directory.Redis.LockTTL <= 0 {
		c.Directory.Redis.LockTTL = 10 * time.Second
	}

	if c.Transport.Driver == "" {
		c.Transport.Driver = "memory"
	}
	if c.Transport.Redis.Prefix == "" {
		c.Transport.Redis.Prefix = "martian:inbox:"
	}
	if c.Transport.Redis.BlockWait <= 0 {
		c.Transport.Redis.BlockWait = 5 * time.Second
	}
	if c.Transport.RabbitMQ.Prefix == "" {
		c.Transport.RabbitMQ.Prefix = "martian.inbox."
	}

	if c.Workflow.Store == "" {
		c.Workflow.Store = "memory"
	}
	if c.Workflow.RequestTimeout <= 0 {
		c.Workflow.RequestTimeout = 30 * time.Second
	}
	if c.Workflow.StrategyTimeout <= 0 {
		c.Workflow.StrategyTimeout = 60 * time.Second
	}
	if c.Workflow.ExecutionTimeout <= 0 {
		c.Workflow.ExecutionTimeout = 45 * time.Second
	}
	if c.Workflow.MailboxSize <= 0 {
		c.Workflow.MailboxSize = 8
	}

	if len(c.Services.Enabled) == 0 {
		c.Services.Enabled = append([]string(nil), AllServices...)
	}
	if c.Services.Seed == "" {
		c.Services.Seed = "secret_seed_phrase"
	}

	if c.Onchain.BaseURL == "" {
		c.Onchain.BaseURL = "http://localhost:3001"
	}
	if c.Onchain.Timeout <= 0 {
		c.Onchain.Timeout = 30 * time.Second
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "static"
	}
	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolvePath(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
	if c.Alerting.MinSeverity == "" {
		c.Alerting.MinSeverity = "warning"
	}
	if c.Profiling.ApplicationName == "" {
		c.Profiling.ApplicationName = "martiand"
	}
}

func (c *Config) validate() error {
	switch c.Directory.Driver {
	case "file", "redis":
	default:
		return fmt.Errorf("未知的地址簿驱动: %s", c.Directory.Driver)
	}
	switch c.Transport.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的消息通道驱动: %s", c.Transport.Driver)
	}
	switch c.Workflow.Store {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的工作流存储: %s", c.Workflow.Store)
	}
	for _, s := range c.Services.Enabled {
		known := false
		for _, candidate := range AllServices {
			if strings.EqualFold(strings.TrimSpace(s), candidate) {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("未知的逻辑服务: %s", s)
		}
	}
	return nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
