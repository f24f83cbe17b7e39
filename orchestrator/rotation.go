package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// Rotator 闲聊轮转：没有用户消息时挑选下一个自主发言的角色。
// 复用 FairnessTracker 的窗口语义——优先窗口外的角色，
// 永不连续选中同一个角色（池大小为 1 时除外）。
type Rotator struct {
	fairness *FairnessTracker
}

// NewRotator 创建轮转器
func NewRotator(fairness *FairnessTracker) *Rotator {
	return &Rotator{fairness: fairness}
}

// Next 按 id 字典序确定性地挑选下一个发言者。
// 返回 false 表示池为空。
func (r *Rotator) Next(agents []types.Agent) (types.Agent, bool) {
	if len(agents) == 0 {
		return types.Agent{}, false
	}
	if len(agents) == 1 {
		return agents[0], true
	}

	sorted := append([]types.Agent(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	last := r.fairness.LastSpeaker()

	// 第一优先：窗口外且不是上一个发言者
	for _, a := range sorted {
		if a.ID != last && r.fairness.Eligible(a.ID) {
			return a, true
		}
	}
	// 次优先：只避开上一个发言者
	for _, a := range sorted {
		if a.ID != last {
			return a, true
		}
	}
	return sorted[0], true
}

// AmbientRunner 周期性制造闲聊触发，驱动角色在没有用户消息时
// 也能自发接话。仅在编排器空闲时触发，绝不与活动 Run 抢占。
type AmbientRunner struct {
	orch     *Orchestrator
	rotator  *Rotator
	interval time.Duration
	schedule string // 可选 cron 表达式，优先于固定间隔
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	cronSrv *cron.Cron
}

// NewAmbientRunner 创建闲聊驱动器。schedule 为空时用固定间隔。
func NewAmbientRunner(orch *Orchestrator, interval time.Duration, schedule string, logger *zap.Logger) *AmbientRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AmbientRunner{
		orch:     orch,
		rotator:  NewRotator(orch.Fairness()),
		interval: interval,
		schedule: schedule,
		logger:   logger.With(zap.String("component", "ambient_runner")),
	}
}

// Start 启动闲聊循环。重复调用为无效操作。
func (r *AmbientRunner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(r.schedule, func() { r.tick(ctx) }); err != nil {
			r.cancel = nil
			cancel()
			return err
		}
		c.Start()
		r.cronSrv = c
		r.logger.Info("ambient loop started", zap.String("schedule", r.schedule))
		return nil
	}

	interval := r.interval
	if interval <= 0 {
		interval = DefaultConfig().ResponseInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
	r.logger.Info("ambient loop started", zap.Duration("interval", interval))
	return nil
}

// Stop 停止闲聊循环
func (r *AmbientRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	if r.cronSrv != nil {
		r.cronSrv.Stop()
		r.cronSrv = nil
	}
	r.logger.Info("ambient loop stopped")
}

// tick 编排器空闲时点名一位角色自主发言
func (r *AmbientRunner) tick(ctx context.Context) {
	if r.orch.Snapshot().Phase != types.PhaseIdle {
		return
	}
	next, ok := r.rotator.Next(r.orch.Agents())
	if !ok {
		return
	}

	msg := types.TriggerMessage{
		SenderID:  "system",
		Text:      "",
		Mentions:  []string{next.ID},
		Timestamp: time.Now(),
	}
	if _, err := r.orch.Trigger(ctx, msg); err != nil {
		// 与用户触发撞车属正常情况，静默放弃本轮
		r.logger.Debug("ambient trigger dropped", zap.Error(err))
	}
}
