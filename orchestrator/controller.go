package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/chatflow/generation"
	"github.com/BaSui01/chatflow/types"
)

// transcriptLimit 内部保留的近期对话条数上限
const transcriptLimit = 100

// Orchestrator 编排门面：对外暴露触发入口、五个控制操作和只读快照，
// 内部串起 Scorer → FairnessTracker → Selector → Scheduler。
type Orchestrator struct {
	mu       sync.RWMutex
	agents   []types.Agent
	cfg      Config
	scorer   *Scorer
	limiter  *rate.Limiter
	transcript []types.HistoryMessage

	selector *Selector
	fairness *FairnessTracker
	sched    *Scheduler
	builder  *ContextBuilder
	bus      *EventBus
	logger   *zap.Logger
}

// Option 编排器可选依赖
type Option func(*options)

type options struct {
	logger       *zap.Logger
	metrics      MetricsRecorder
	archiver     Archiver
	historyStore HistoryStore
}

// WithLogger 挂载日志
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricsRecorder 挂载指标收集
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithArchive 挂载 Run 归档
func WithArchive(a Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// WithHistoryStore 挂载发言窗口持久化
func WithHistoryStore(s HistoryStore) Option {
	return func(o *options) { o.historyStore = s }
}

// New 创建编排器
func New(agents []types.Agent, cfg Config, gen generation.Generator, opts ...Option) *Orchestrator {
	var opt options
	for _, apply := range opts {
		apply(&opt)
	}
	logger := opt.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bus := NewEventBus(logger)
	fairness := NewFairnessTracker(agents, cfg.FairnessPenalty, logger)
	if opt.historyStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		fairness.WithStore(ctx, opt.historyStore)
		cancel()
	}

	o := &Orchestrator{
		agents:   append([]types.Agent(nil), agents...),
		cfg:      cfg,
		scorer:   NewScorer(cfg, logger),
		limiter:  newLimiter(cfg),
		selector: NewSelector(logger),
		fairness: fairness,
		builder:  NewContextBuilder(logger),
		bus:      bus,
		logger:   logger.With(zap.String("component", "orchestrator")),
	}

	schedOpts := []SchedulerOption{WithResponseHook(o.recordResponse)}
	if opt.metrics != nil {
		schedOpts = append(schedOpts, WithMetrics(opt.metrics))
	}
	if opt.archiver != nil {
		schedOpts = append(schedOpts, WithArchiver(opt.archiver))
	}
	o.sched = NewScheduler(gen, fairness, bus, logger, schedOpts...)
	return o
}

// Trigger 处理一条新消息：评分、选择、启动执行。
// 上一个 Run 还在进行时返回 ErrRunInProgress，由调用方决定丢弃或排队。
func (o *Orchestrator) Trigger(ctx context.Context, msg types.TriggerMessage) (*types.ResponsePlan, error) {
	o.mu.RLock()
	agents := o.agents
	cfg := o.cfg
	scorer := o.scorer
	limiter := o.limiter
	history := append([]types.HistoryMessage(nil), o.transcript...)
	o.mu.RUnlock()

	if len(agents) == 0 {
		return nil, ErrNoAgents
	}
	if limiter != nil && !limiter.Allow() {
		return nil, ErrTriggerRateLimited
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Mentions == nil {
		msg.Mentions = ParseMentions(msg.Text, agents)
	}

	scores := make([]types.CandidateScore, 0, len(agents))
	agentMap := make(map[string]types.Agent, len(agents))
	for _, a := range agents {
		agentMap[a.ID] = a
		if a.ID == msg.SenderID {
			continue // 角色不回应自己的发言
		}
		sc := scorer.Score(a, msg, history)
		// 公平性惩罚在阈值过滤之前扣除；点名保底不受惩罚影响
		if p := o.fairness.Penalty(a.ID); p > 0 && sc.Priority != types.PriorityMentioned {
			sc.Score = clamp01(sc.Score - p)
		}
		scores = append(scores, sc)
	}

	plan, err := o.selector.Select(scores, cfg, o.fairness.Eligible)
	if err != nil {
		return nil, err
	}
	plan.TriggerID = msg.ID

	conv := o.builder.Build(msg, history, cfg.HistoryTokenBudget)
	if err := o.sched.Start(ctx, plan, agentMap, conv, cfg); err != nil {
		return nil, err
	}

	o.appendHistory(types.HistoryMessage{
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	})
	return plan, nil
}

// Pause 暂停当前 Run；无活动 Run 时静默无效
func (o *Orchestrator) Pause() { o.sched.Pause() }

// Resume 恢复当前 Run；未暂停时静默无效
func (o *Orchestrator) Resume() { o.sched.Resume() }

// SkipCurrent 跳过当前响应者；无活动响应者时静默无效
func (o *Orchestrator) SkipCurrent() { o.sched.SkipCurrent() }

// CancelAll 取消整个 Run；已终结或空闲时静默无效
func (o *Orchestrator) CancelAll() { o.sched.CancelAll() }

// Snapshot 返回当前 RunState 的只读快照
func (o *Orchestrator) Snapshot() types.RunSnapshot { return o.sched.Snapshot() }

// Events 返回编排事件总线，供观察者订阅
func (o *Orchestrator) Events() *EventBus { return o.bus }

// Fairness 返回公平性跟踪器（只读用途：分布指标、窗口观测）
func (o *Orchestrator) Fairness() *FairnessTracker { return o.fairness }

// Agents 返回当前角色池的副本
func (o *Orchestrator) Agents() []types.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]types.Agent(nil), o.agents...)
}

// Config 返回当前编排配置
func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetConfig 更新编排配置。只影响下一次触发的 Run。
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	o.scorer = NewScorer(cfg, o.logger)
	o.limiter = newLimiter(cfg)
}

// SetAgents 替换角色池。Run 进行中不允许变更。
func (o *Orchestrator) SetAgents(agents []types.Agent) error {
	if o.sched.Snapshot().Phase.Active() {
		return ErrRunInProgress
	}
	o.mu.Lock()
	o.agents = append([]types.Agent(nil), agents...)
	o.mu.Unlock()
	o.fairness.SetAgents(agents)
	return nil
}

// AppendHistory 外部向近期对话记录补充一条消息
// （例如用户消息经过渲染层之后的最终形态）
func (o *Orchestrator) AppendHistory(msg types.HistoryMessage) {
	o.appendHistory(msg)
}

// Close 停止事件派发
func (o *Orchestrator) Close() {
	o.bus.Stop()
}

// recordResponse 把成功的回复写入内部对话记录
func (o *Orchestrator) recordResponse(agent types.Agent, resp types.Response) {
	o.appendHistory(types.HistoryMessage{
		SenderID:   agent.ID,
		SenderName: agent.Name,
		Text:       resp.Text,
		Timestamp:  resp.CompletedAt,
	})
}

func (o *Orchestrator) appendHistory(msg types.HistoryMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transcript = append(o.transcript, msg)
	if len(o.transcript) > transcriptLimit {
		o.transcript = o.transcript[len(o.transcript)-transcriptLimit:]
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.TriggerRatePerSecond <= 0 {
		return nil
	}
	burst := int(cfg.TriggerRatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.TriggerRatePerSecond), burst)
}
