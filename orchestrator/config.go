package orchestrator

import "time"

// Config 编排配置。配置变更只影响下一次触发的 Run，
// 绝不会改写进行中的 RunState。
type Config struct {
	// 是否允许多个角色响应同一条消息
	EnableMultiResponse bool `json:"enable_multi_response" yaml:"enable_multi_response"`
	// 单次触发最多响应人数，运行时收敛到 [1, 池大小]
	MaxResponders int `json:"max_responders" yaml:"max_responders"`
	// 普通候选的接受阈值，收敛到 [0,1]
	ResponseThreshold float64 `json:"response_threshold" yaml:"response_threshold"`
	// 闲聊轮转的触发间隔
	ResponseInterval time.Duration `json:"response_interval" yaml:"response_interval"`
	// 被点名的候选是否绕过阈值并优先发言
	PrioritizeMentioned bool `json:"prioritize_mentioned" yaml:"prioritize_mentioned"`
	// 上一轮发言者的评分扣减（惩罚而非排除）
	FairnessPenalty float64 `json:"fairness_penalty" yaml:"fairness_penalty"`
	// 单个响应的平均耗时估计，用于计算预计结束时间
	AvgResponseTime time.Duration `json:"avg_response_time" yaml:"avg_response_time"`
	// Run 终结后状态保留多久再清理，留给观察者渲染最终状态
	CleanupDelay time.Duration `json:"cleanup_delay" yaml:"cleanup_delay"`
	// 提供给生成后端的历史上下文 token 预算
	HistoryTokenBudget int `json:"history_token_budget" yaml:"history_token_budget"`
	// 每秒允许的触发次数，0 表示不限制
	TriggerRatePerSecond float64 `json:"trigger_rate_per_second" yaml:"trigger_rate_per_second"`
}

// DefaultConfig 返回默认编排配置
func DefaultConfig() Config {
	return Config{
		EnableMultiResponse:  true,
		MaxResponders:        3,
		ResponseThreshold:    0.5,
		ResponseInterval:     30 * time.Second,
		PrioritizeMentioned:  true,
		FairnessPenalty:      0.2,
		AvgResponseTime:      8 * time.Second,
		CleanupDelay:         5 * time.Second,
		HistoryTokenBudget:   2048,
		TriggerRatePerSecond: 0,
	}
}

// normalized 返回按池大小收敛后的配置副本
func (c Config) normalized(poolSize int) Config {
	if c.ResponseThreshold < 0 {
		c.ResponseThreshold = 0
	}
	if c.ResponseThreshold > 1 {
		c.ResponseThreshold = 1
	}
	if poolSize < 1 {
		poolSize = 1
	}
	if c.MaxResponders < 1 {
		c.MaxResponders = 1
	}
	if c.MaxResponders > poolSize {
		c.MaxResponders = poolSize
	}
	if !c.EnableMultiResponse {
		c.MaxResponders = 1
	}
	if c.FairnessPenalty < 0 {
		c.FairnessPenalty = 0
	}
	if c.FairnessPenalty > 1 {
		c.FairnessPenalty = 1
	}
	if c.AvgResponseTime <= 0 {
		c.AvgResponseTime = DefaultConfig().AvgResponseTime
	}
	if c.CleanupDelay < 0 {
		c.CleanupDelay = 0
	}
	return c
}
