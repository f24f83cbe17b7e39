package types

import "time"

// TriggerMessage 触发一次编排循环的消息，对单次循环只读
type TriggerMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Mentions  []string  `json:"mentions,omitempty"` // 从文本解析出的 agent id 列表
	Timestamp time.Time `json:"timestamp"`
}

// HistoryMessage 近期对话记录中的一条消息，
// 以值传递进入评分与上下文构建，避免共享可变状态
type HistoryMessage struct {
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}
