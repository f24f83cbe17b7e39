package types

import "time"

// RunPhase 整个 Run 的全局状态
type RunPhase string

const (
	PhaseIdle      RunPhase = "idle"
	PhaseRunning   RunPhase = "running"
	PhasePaused    RunPhase = "paused"
	PhaseCompleted RunPhase = "completed"
	PhaseCancelled RunPhase = "cancelled"
)

// Terminal reports whether the phase is an end state of a run.
func (p RunPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// Active reports whether a run occupies the single execution slot.
// A new trigger is rejected while the current run is active.
func (p RunPhase) Active() bool {
	return p == PhaseRunning || p == PhasePaused
}

// SlotStatus 计划中单个槽位（某个响应者）的状态
type SlotStatus string

const (
	SlotWaiting   SlotStatus = "waiting"
	SlotThinking  SlotStatus = "thinking"
	SlotCompleted SlotStatus = "completed"
	SlotFailed    SlotStatus = "error"
	SlotSkipped   SlotStatus = "skipped"
)

// Terminal reports whether the slot reached an end state.
func (s SlotStatus) Terminal() bool {
	return s == SlotCompleted || s == SlotFailed || s == SlotSkipped
}

// Response 某个响应者成功生成的回复
type Response struct {
	AgentID     string        `json:"agent_id"`
	Text        string        `json:"text"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// SlotError 某个响应者的生成失败记录，Reason 来自后端，仅做展示
type SlotError struct {
	AgentID    string    `json:"agent_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SlotView 槽位的只读视图
type SlotView struct {
	Index   int        `json:"index"`
	AgentID string     `json:"agent_id"`
	Status  SlotStatus `json:"status"`
}

// RunSnapshot 对外暴露的 RunState 只读快照。
// 消费方（展示层、websocket 观察者）只能通过快照读取状态，
// 唯一的变更入口是五个控制操作。
type RunSnapshot struct {
	RunID              string        `json:"run_id"`
	Phase              RunPhase      `json:"phase"`
	Plan               *ResponsePlan `json:"plan,omitempty"`
	Slots              []SlotView    `json:"slots,omitempty"`
	CurrentIndex       int           `json:"current_index"`
	Completed          []Response    `json:"completed,omitempty"`
	Errors             []SlotError   `json:"errors,omitempty"`
	Paused             bool          `json:"paused"`
	Cancelled          bool          `json:"cancelled"`
	Progress           float64       `json:"progress"` // [0,1] 已终结槽位占比
	StartedAt          time.Time     `json:"started_at,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedEnd       time.Time     `json:"estimated_end,omitempty"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// Empty reports whether the snapshot describes the idle (no run) state.
func (s RunSnapshot) Empty() bool {
	return s.RunID == "" && s.Phase == PhaseIdle
}
