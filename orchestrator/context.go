package orchestrator

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/generation"
	"github.com/BaSui01/chatflow/types"
)

// TokenCounter 统计一段文本占用的 token 数
type TokenCounter interface {
	Count(text string) int
}

// ContextBuilder 把近期对话历史裁剪到 token 预算内，
// 作为生成调用的会话上下文。裁剪从最旧的消息开始丢弃。
type ContextBuilder struct {
	counter TokenCounter
	logger  *zap.Logger
}

// NewContextBuilder 创建上下文构建器。
// 优先使用 tiktoken 的 cl100k_base 编码精确计数，
// 编码器加载失败（离线环境）时退化为按字符估算。
func NewContextBuilder(logger *zap.Logger) *ContextBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "context_builder"))

	counter := newTiktokenCounter()
	if counter == nil {
		logger.Warn("tiktoken encoder unavailable, using character estimate")
		return &ContextBuilder{counter: estimateCounter{}, logger: logger}
	}
	return &ContextBuilder{counter: counter, logger: logger}
}

// WithCounter 替换计数器，测试用
func (b *ContextBuilder) WithCounter(c TokenCounter) *ContextBuilder {
	b.counter = c
	return b
}

// Build 构造会话上下文。budget <= 0 表示不限制。
func (b *ContextBuilder) Build(trigger types.TriggerMessage, history []types.HistoryMessage, budget int) generation.Context {
	conv := generation.Context{Trigger: trigger}
	if len(history) == 0 {
		return conv
	}
	if budget <= 0 {
		conv.History = toMessages(history)
		return conv
	}

	// 预算从最新的消息向前分配
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.counter.Count(history[i].Text)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	if start == len(history) {
		b.logger.Debug("token budget too small for any history message",
			zap.Int("budget", budget),
		)
		return conv
	}

	conv.History = toMessages(history[start:])
	return conv
}

func toMessages(history []types.HistoryMessage) []generation.Message {
	msgs := make([]generation.Message, len(history))
	for i, h := range history {
		role := "assistant"
		if h.SenderID == "" || h.SenderID == "user" {
			role = "user"
		}
		msgs[i] = generation.Message{Role: role, Sender: h.SenderName, Content: h.Text}
	}
	return msgs
}

// tiktokenCounter 精确 token 计数
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
	mu  sync.Mutex
}

func newTiktokenCounter() *tiktokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil
	}
	return &tiktokenCounter{enc: enc}
}

func (c *tiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// estimateCounter 粗略估算：CJK 每字约 1 token，其余每 4 字符 1 token
type estimateCounter struct{}

func (estimateCounter) Count(text string) int {
	cjk, other := 0, 0
	for _, r := range text {
		if r >= 0x2E80 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + (other+3)/4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
