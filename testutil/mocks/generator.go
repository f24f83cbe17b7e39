// Package mocks provides scriptable test doubles for external collaborators.
package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/chatflow/generation"
	"github.com/BaSui01/chatflow/types"
)

// Generator 可编排的生成后端替身。
// 按 agent id 配置回复或失败，可选在每次调用前阻塞等待放行，
// 用于构造"在途调用期间发出控制操作"的时序。
type Generator struct {
	mu        sync.Mutex
	replies   map[string]string
	failures  map[string]error
	gate      chan struct{} // 非 nil 时每次调用先等待放行
	calls     atomic.Int32
	callOrder []string
}

// NewGenerator 创建替身
func NewGenerator() *Generator {
	return &Generator{
		replies:  make(map[string]string),
		failures: make(map[string]error),
	}
}

// Reply 配置某个角色的固定回复
func (g *Generator) Reply(agentID, text string) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[agentID] = text
	return g
}

// Fail 配置某个角色的生成失败
func (g *Generator) Fail(agentID string, err error) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[agentID] = err
	return g
}

// Gated 开启门控：每次 Generate 先阻塞，直到 Release 被调用
func (g *Generator) Gated() *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	return g
}

// Release 放行一次被门控的调用
func (g *Generator) Release() {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		gate <- struct{}{}
	}
}

// Calls 返回累计调用次数
func (g *Generator) Calls() int {
	return int(g.calls.Load())
}

// CallOrder 返回被调用的 agent id 序列
func (g *Generator) CallOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.callOrder...)
}

// Generate implements generation.Generator.
func (g *Generator) Generate(ctx context.Context, agent types.Agent, _ generation.Context) (string, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.callOrder = append(g.callOrder, agent.ID)
	gate := g.gate
	reply, hasReply := g.replies[agent.ID]
	failure := g.failures[agent.ID]
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if failure != nil {
		return "", failure
	}
	if hasReply {
		return reply, nil
	}
	return "reply from " + agent.ID, nil
}
