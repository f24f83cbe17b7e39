package types

import "time"

// Priority 候选人优先级标签
type Priority string

const (
	PriorityMentioned Priority = "mentioned" // 被显式点名，优先发言
	PriorityNormal    Priority = "normal"
)

// CandidateScore 单个候选人的评分结果。
// Reason 仅用于调试与观测，绝不参与控制流。
type CandidateScore struct {
	AgentID  string   `json:"agent_id"`
	Score    float64  `json:"score"` // [0,1]
	Priority Priority `json:"priority"`
	Reason   string   `json:"reason,omitempty"`
}

// ResponsePlan 一次触发产生的有序执行计划。
// 创建后不可变，取消时整体丢弃。
type ResponsePlan struct {
	ID                string           `json:"id"`
	TriggerID         string           `json:"trigger_id"`
	Order             []string         `json:"order"` // 发言顺序 = 插入顺序
	Candidates        []CandidateScore `json:"candidates"` // 全量候选评分，用于审计
	Total             int              `json:"total"`
	Fallback          bool             `json:"fallback,omitempty"` // 无人过线时回退到单一最佳候选
	EstimatedDuration time.Duration    `json:"estimated_duration"`
	CreatedAt         time.Time        `json:"created_at"`
}
