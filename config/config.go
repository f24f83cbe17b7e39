// =============================================================================
// 📦 chatflow 配置
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CHATFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/chatflow/orchestrator"
	"github.com/BaSui01/chatflow/types"
)

// Config chatflow 的完整配置结构
type Config struct {
	// Server HTTP / websocket 服务配置
	Server ServerConfig `yaml:"server"`
	// Orchestration 编排配置
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	// Agents 角色池
	Agents []AgentConfig `yaml:"agents"`
	// Redis 发言窗口持久化（Addr 为空时禁用）
	Redis RedisConfig `yaml:"redis"`
	// Archive Run 归档
	Archive ArchiveConfig `yaml:"archive"`
	// Log 日志配置
	Log LogConfig `yaml:"log"`
	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	// 监听地址，如 ":8080"
	Addr string `yaml:"addr"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OrchestrationConfig 编排配置，与 orchestrator.Config 一一对应
type OrchestrationConfig struct {
	EnableMultiResponse  bool          `yaml:"enable_multi_response"`
	MaxResponders        int           `yaml:"max_responders"`
	ResponseThreshold    float64       `yaml:"response_threshold"`
	ResponseInterval     time.Duration `yaml:"response_interval"`
	PrioritizeMentioned  bool          `yaml:"prioritize_mentioned"`
	FairnessPenalty      float64       `yaml:"fairness_penalty"`
	AvgResponseTime      time.Duration `yaml:"avg_response_time"`
	CleanupDelay         time.Duration `yaml:"cleanup_delay"`
	HistoryTokenBudget   int           `yaml:"history_token_budget"`
	TriggerRatePerSecond float64       `yaml:"trigger_rate_per_second"`
	// 闲聊轮转：enabled 时编排器空闲期间周期性让角色自主发言
	AmbientEnabled  bool   `yaml:"ambient_enabled"`
	AmbientSchedule string `yaml:"ambient_schedule"` // 可选 cron 表达式
}

// ToOrchestrator 转换为 orchestrator.Config
func (c OrchestrationConfig) ToOrchestrator() orchestrator.Config {
	return orchestrator.Config{
		EnableMultiResponse:  c.EnableMultiResponse,
		MaxResponders:        c.MaxResponders,
		ResponseThreshold:    c.ResponseThreshold,
		ResponseInterval:     c.ResponseInterval,
		PrioritizeMentioned:  c.PrioritizeMentioned,
		FairnessPenalty:      c.FairnessPenalty,
		AvgResponseTime:      c.AvgResponseTime,
		CleanupDelay:         c.CleanupDelay,
		HistoryTokenBudget:   c.HistoryTokenBudget,
		TriggerRatePerSecond: c.TriggerRatePerSecond,
	}
}

// AgentConfig 单个角色的配置
type AgentConfig struct {
	ID      string        `yaml:"id"`
	Name    string        `yaml:"name"`
	Aliases []string      `yaml:"aliases"`
	Role    types.RoleTag `yaml:"role"`
	Traits  *types.Traits `yaml:"traits"`
}

// ToAgent 转换为 types.Agent
func (c AgentConfig) ToAgent() types.Agent {
	return types.Agent{
		ID:      c.ID,
		Name:    c.Name,
		Aliases: append([]string(nil), c.Aliases...),
		Traits:  c.Traits,
		Role:    c.Role,
	}
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

// ArchiveConfig Run 归档配置
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig 日志配置
type LogConfig struct {
	// debug / info / warn / error
	Level string `yaml:"level"`
	// json / console
	Format string `yaml:"format"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default 返回默认配置
func Default() Config {
	oc := orchestrator.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Orchestration: OrchestrationConfig{
			EnableMultiResponse:  oc.EnableMultiResponse,
			MaxResponders:        oc.MaxResponders,
			ResponseThreshold:    oc.ResponseThreshold,
			ResponseInterval:     oc.ResponseInterval,
			PrioritizeMentioned:  oc.PrioritizeMentioned,
			FairnessPenalty:      oc.FairnessPenalty,
			AvgResponseTime:      oc.AvgResponseTime,
			CleanupDelay:         oc.CleanupDelay,
			HistoryTokenBudget:   oc.HistoryTokenBudget,
			TriggerRatePerSecond: oc.TriggerRatePerSecond,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "chatflow.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "chatflow",
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Validate 校验配置并收敛越界值
func (c *Config) Validate() error {
	if c.Orchestration.ResponseThreshold < 0 {
		c.Orchestration.ResponseThreshold = 0
	}
	if c.Orchestration.ResponseThreshold > 1 {
		c.Orchestration.ResponseThreshold = 1
	}
	if c.Orchestration.MaxResponders < 1 {
		c.Orchestration.MaxResponders = 1
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	return nil
}

// =============================================================================
// 🎯 加载器
// =============================================================================

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader 创建加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "CHATFLOW"}
}

// WithConfigPath 指定 YAML 配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 指定环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load 按 默认值 → YAML → 环境变量 的优先级加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	l.applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// applyEnv 环境变量覆盖。只覆盖运维最常调整的标量项。
func (l *Loader) applyEnv(cfg *Config) {
	if v := l.env("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := l.env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := l.env("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := l.env("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := l.env("ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := l.env("OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := l.env("MAX_RESPONDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestration.MaxResponders = n
		}
	}
	if v := l.env("RESPONSE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Orchestration.ResponseThreshold = f
		}
	}
}

func (l *Loader) env(key string) string {
	return os.Getenv(l.envPrefix + "_" + key)
}
