// Package generation defines the contract with the text-generation backend.
// The orchestration core treats the backend as a black box: it either returns
// text for the speaking agent or fails with a reason. Retry and timeout
// policy belong to the backend, never to the orchestrator.
package generation

import (
	"context"
	"time"

	"github.com/BaSui01/chatflow/types"
)

// Message 提供给后端的上下文消息
type Message struct {
	Role    string `json:"role"` // user / assistant / system
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content"`
}

// Context 一次生成调用可见的会话上下文
type Context struct {
	Trigger types.TriggerMessage `json:"trigger"`
	History []Message            `json:"history,omitempty"`
}

// Generator 生成后端接口。实现必须可被并发调用。
type Generator interface {
	// Generate produces the reply text for the given agent.
	// A non-nil error is recorded as the slot's ERROR outcome.
	Generate(ctx context.Context, agent types.Agent, conv Context) (string, error)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, agent types.Agent, conv Context) (string, error)

// Generate implements Generator.
func (f Func) Generate(ctx context.Context, agent types.Agent, conv Context) (string, error) {
	return f(ctx, agent, conv)
}

// StaticGenerator 返回固定文本并模拟后端延迟，用于演示与联调
type StaticGenerator struct {
	Delay time.Duration
	Reply func(agent types.Agent, conv Context) string
}

// Generate implements Generator.
func (g *StaticGenerator) Generate(ctx context.Context, agent types.Agent, conv Context) (string, error) {
	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.Reply != nil {
		return g.Reply(agent, conv), nil
	}
	return agent.Name + " has nothing to add.", nil
}
