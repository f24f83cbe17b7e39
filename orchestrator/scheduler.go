package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/generation"
	"github.com/BaSui01/chatflow/types"
)

// MetricsRecorder 调度器的观测出口，由 internal/metrics 实现
type MetricsRecorder interface {
	RunStarted()
	RunFinished(phase types.RunPhase, duration time.Duration)
	SlotOutcome(status types.SlotStatus)
	ObserveGeneration(duration time.Duration)
	SetDistribution(gini float64)
}

// Archiver Run 终结后的归档出口，由 history 包实现
type Archiver interface {
	ArchiveRun(ctx context.Context, snap types.RunSnapshot) error
}

// slotState 单个槽位的内部状态
type slotState struct {
	agentID   string
	status    types.SlotStatus
	startedAt time.Time
}

// runState 活动 Run 的全部可变状态。同一时刻至多一个。
// 所有字段只在持有 Scheduler.mu 时读写。
type runState struct {
	id           string
	plan         *types.ResponsePlan
	conv         generation.Context
	agents       map[string]types.Agent
	cfg          Config // Start 时的配置快照，Run 期间不变
	slots        []slotState
	index        int
	phase        types.RunPhase
	startedAt    time.Time
	estimatedEnd time.Time
	completed    []types.Response
	errors       []types.SlotError
	span         trace.Span
}

func (r *runState) terminalSlots() (completed, errored, skipped int) {
	for _, s := range r.slots {
		switch s.status {
		case types.SlotCompleted:
			completed++
		case types.SlotFailed:
			errored++
		case types.SlotSkipped:
			skipped++
		}
	}
	return
}

func (r *runState) allSlotsTerminal() bool {
	for _, s := range r.slots {
		if !s.status.Terminal() {
			return false
		}
	}
	return true
}

// genResult 生成后端的回报，带序列号用于识别迟到结果
type genResult struct {
	runID    string
	seq      uint64
	index    int
	text     string
	err      error
	duration time.Duration
}

// Scheduler 执行调度器：单一 thinking 槽位，严格按计划顺序推进。
//
// 互斥纪律：runState 的所有变更（推进、控制操作、生成回调、清理）
// 都在持有 mu 时发生，构成单一串行化变更路径；在途生成调用
// 携带 genSeq 序列号，skip / cancel 会递增序列号使迟到结果失效。
type Scheduler struct {
	gen      generation.Generator
	fairness *FairnessTracker
	bus      *EventBus
	metrics  MetricsRecorder
	archive  Archiver
	tracer   trace.Tracer
	clock    func() time.Time
	logger   *zap.Logger

	responseHook func(types.Agent, types.Response)

	mu      sync.Mutex
	run     *runState
	genSeq  uint64
	cleanup *time.Timer
}

// SchedulerOption 调度器可选依赖
type SchedulerOption func(*Scheduler)

// WithMetrics 挂载指标收集
func WithMetrics(m MetricsRecorder) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithArchiver 挂载 Run 归档
func WithArchiver(a Archiver) SchedulerOption {
	return func(s *Scheduler) { s.archive = a }
}

// WithClock 替换时钟，测试用
func WithClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// WithResponseHook 注册成功回复的回调（异步调用，不持调度器锁）
func WithResponseHook(hook func(types.Agent, types.Response)) SchedulerOption {
	return func(s *Scheduler) { s.responseHook = hook }
}

// NewScheduler 创建调度器
func NewScheduler(gen generation.Generator, fairness *FairnessTracker, bus *EventBus, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		gen:      gen,
		fairness: fairness,
		bus:      bus,
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("chatflow/orchestrator"),
		clock:    time.Now,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动一次 Run。上一个 Run 仍处于 RUNNING/PAUSED 时
// 返回 ErrRunInProgress（串行化不变式：同一时刻至多一个活动 Run）。
// 已终结但尚未清理的状态被立即清掉，挂起的清理定时器作废。
func (s *Scheduler) Start(ctx context.Context, plan *types.ResponsePlan, agents map[string]types.Agent, conv generation.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil && s.run.phase.Active() {
		return ErrRunInProgress
	}
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
	}
	if s.run != nil {
		s.endRunSpanLocked()
		s.run = nil
	}

	now := s.clock()
	slots := make([]slotState, len(plan.Order))
	for i, id := range plan.Order {
		slots[i] = slotState{agentID: id, status: types.SlotWaiting}
	}

	_, span := s.tracer.Start(context.WithoutCancel(ctx), "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.plan_id", plan.ID),
			attribute.Int("run.responders", len(plan.Order)),
		),
	)

	s.run = &runState{
		id:        plan.ID,
		plan:      plan,
		conv:      conv,
		agents:    agents,
		cfg:       cfg.normalized(len(agents)),
		slots:     slots,
		phase:     types.PhaseRunning,
		startedAt: now,
		span:      span,
	}
	s.refreshEstimateLocked()
	s.metrics.RunStarted()

	s.logger.Info("run started",
		zap.String("run_id", plan.ID),
		zap.Strings("order", plan.Order),
	)
	s.publish(RunStartedEvent{RunID: plan.ID, PlanID: plan.ID, Responders: plan.Order, At: now})

	s.advanceLocked(ctx)
	return nil
}

// Pause 冻结推进。在途的生成调用允许完成并落盘，
// 但暂停期间不会有新的槽位进入 THINKING。非 RUNNING 状态下为无效操作。
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil || s.run.phase != types.PhaseRunning {
		return // InvalidControlCall：静默无效
	}
	s.setPhaseLocked(types.PhasePaused)
	s.publish(RunControlEvent{RunID: s.run.id, Paused: true, At: s.clock()})
	s.logger.Info("run paused", zap.String("run_id", s.run.id), zap.Int("index", s.run.index))
}

// Resume 从冻结的位置恢复推进。非 PAUSED 状态下为无效操作。
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil || s.run.phase != types.PhasePaused {
		return
	}
	s.setPhaseLocked(types.PhaseRunning)
	s.publish(RunControlEvent{RunID: s.run.id, Paused: false, At: s.clock()})
	s.logger.Info("run resumed", zap.String("run_id", s.run.id), zap.Int("index", s.run.index))

	// 暂停期间落盘的结果把当前槽位留在 WAITING，需要重新推进；
	// 若在途调用尚未返回（THINKING），其完成回调会继续推进
	if s.run.index < len(s.run.slots) && s.run.slots[s.run.index].status == types.SlotWaiting {
		s.advanceLocked(context.Background())
	}
}

// SkipCurrent 跳过当前响应者：立即标记 SKIPPED，在途结果作废，
// 推进到下一个槽位。仅在 RUNNING（非暂停）且存在当前槽位时生效。
func (s *Scheduler) SkipCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil || s.run.phase != types.PhaseRunning || s.run.index >= len(s.run.slots) {
		return
	}

	idx := s.run.index
	s.genSeq++ // 在途的生成结果从此失效
	s.transitionSlotLocked(idx, types.SlotSkipped)
	s.metrics.SlotOutcome(types.SlotSkipped)
	s.run.index++
	s.refreshEstimateLocked()
	s.logger.Info("slot skipped by user",
		zap.String("run_id", s.run.id),
		zap.Int("index", idx),
		zap.String("agent_id", s.run.slots[idx].agentID),
	)

	if s.run.allSlotsTerminal() {
		s.completeLocked()
		return
	}
	s.advanceLocked(context.Background())
}

// CancelAll 取消整个 Run。任意非终结状态下合法；剩余 WAITING 槽位
// 保持不动，在途槽位标记 SKIPPED，状态在清理延迟后清空，
// 给观察者留出渲染"已取消"提示的时间。重复调用为无效操作。
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil || s.run.phase.Terminal() {
		return
	}

	s.genSeq++ // 迟到的生成结果绝不允许改写已取消的 RunState
	if s.run.index < len(s.run.slots) && s.run.slots[s.run.index].status == types.SlotThinking {
		s.transitionSlotLocked(s.run.index, types.SlotSkipped)
	}
	s.setPhaseLocked(types.PhaseCancelled)

	now := s.clock()
	completed, errored, skipped := s.run.terminalSlots()
	s.logger.Info("run cancelled by user",
		zap.String("run_id", s.run.id),
		zap.Int("completed", completed),
		zap.Int("remaining", len(s.run.slots)-completed-errored-skipped),
	)
	s.metrics.RunFinished(types.PhaseCancelled, now.Sub(s.run.startedAt))
	s.publish(RunFinishedEvent{
		RunID:     s.run.id,
		Phase:     types.PhaseCancelled,
		Completed: completed,
		Errored:   errored,
		Skipped:   skipped,
		Duration:  now.Sub(s.run.startedAt),
		At:        now,
	})
	s.archiveLocked()
	s.scheduleCleanupLocked()
}

// Snapshot 返回当前 RunState 的只读快照。
// 无活动 Run 时返回空闲快照。时间估计基于最新提交的状态现算，
// 后端调用阻塞时 elapsed 依旧随真实时间推进。
func (s *Scheduler) Snapshot() types.RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return types.RunSnapshot{Phase: types.PhaseIdle}
	}

	r := s.run
	now := s.clock()
	slots := make([]types.SlotView, len(r.slots))
	terminal := 0
	for i, slot := range r.slots {
		slots[i] = types.SlotView{Index: i, AgentID: slot.agentID, Status: slot.status}
		if slot.status.Terminal() {
			terminal++
		}
	}

	progress := 0.0
	if len(r.slots) > 0 {
		progress = float64(terminal) / float64(len(r.slots))
	}
	remaining := time.Duration(0)
	if !r.phase.Terminal() && r.estimatedEnd.After(now) {
		remaining = r.estimatedEnd.Sub(now)
	}

	return types.RunSnapshot{
		RunID:              r.id,
		Phase:              r.phase,
		Plan:               r.plan,
		Slots:              slots,
		CurrentIndex:       r.index,
		Completed:          append([]types.Response(nil), r.completed...),
		Errors:             append([]types.SlotError(nil), r.errors...),
		Paused:             r.phase == types.PhasePaused,
		Cancelled:          r.phase == types.PhaseCancelled,
		Progress:           progress,
		StartedAt:          r.startedAt,
		Elapsed:            now.Sub(r.startedAt),
		EstimatedEnd:       r.estimatedEnd,
		EstimatedRemaining: remaining,
	}
}

// advanceLocked 把当前槽位推进到 THINKING 并发起生成调用。
// 只在 RUNNING 状态且当前槽位为 WAITING 时生效。调用方必须持锁。
func (s *Scheduler) advanceLocked(ctx context.Context) {
	r := s.run
	if r == nil || r.phase != types.PhaseRunning {
		return
	}
	if r.index >= len(r.slots) {
		s.completeLocked()
		return
	}
	if r.slots[r.index].status != types.SlotWaiting {
		return
	}

	idx := r.index
	agent, ok := r.agents[r.slots[idx].agentID]
	if !ok {
		// 池里找不到计划中的角色：按生成失败处理，继续推进
		s.transitionSlotLocked(idx, types.SlotThinking)
		s.applyOutcomeLocked(genResult{
			runID: r.id,
			seq:   s.genSeq,
			index: idx,
			err:   types.NewError(types.ErrCodeGenerationFailed, "agent not found in pool").WithAgent(r.slots[idx].agentID),
		})
		return
	}

	s.transitionSlotLocked(idx, types.SlotThinking)
	r.slots[idx].startedAt = s.clock()
	s.genSeq++
	seq := s.genSeq
	runID := r.id
	conv := r.conv

	genCtx := context.WithoutCancel(ctx)
	go func() {
		spanCtx, span := s.tracer.Start(genCtx, "orchestrator.generate",
			trace.WithAttributes(attribute.String("agent.id", agent.ID)),
		)
		start := s.clock()
		text, err := s.gen.Generate(spanCtx, agent, conv)
		duration := s.clock().Sub(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
		}
		span.End()

		s.onGenResult(genResult{
			runID:    runID,
			seq:      seq,
			index:    idx,
			text:     text,
			err:      err,
			duration: duration,
		})
	}()
}

// onGenResult 生成调用落盘。迟到的结果（Run 已换代、序列号过期、
// 槽位已被跳过）直接丢弃。
func (s *Scheduler) onGenResult(res genResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.run
	if r == nil || r.id != res.runID || res.seq != s.genSeq || r.phase.Terminal() {
		s.logger.Debug("discarding stale generation result",
			zap.String("run_id", res.runID),
			zap.Int("index", res.index),
		)
		return
	}
	if res.index != r.index || r.slots[res.index].status != types.SlotThinking {
		return
	}

	s.applyOutcomeLocked(res)
}

// applyOutcomeLocked 提交单个槽位的终结结果并推进。调用方必须持锁。
func (s *Scheduler) applyOutcomeLocked(res genResult) {
	r := s.run
	now := s.clock()
	agentID := r.slots[res.index].agentID

	if res.err != nil {
		// GenerationFailure：记录后继续执行剩余响应者，不中止计划
		s.transitionSlotLocked(res.index, types.SlotFailed)
		r.errors = append(r.errors, types.SlotError{
			AgentID:    agentID,
			Reason:     res.err.Error(),
			OccurredAt: now,
		})
		s.metrics.SlotOutcome(types.SlotFailed)
		s.logger.Warn("generation failed",
			zap.String("run_id", r.id),
			zap.String("agent_id", agentID),
			zap.Error(res.err),
		)
	} else {
		s.transitionSlotLocked(res.index, types.SlotCompleted)
		resp := types.Response{
			AgentID:     agentID,
			Text:        res.text,
			Duration:    res.duration,
			CompletedAt: now,
		}
		r.completed = append(r.completed, resp)
		s.metrics.SlotOutcome(types.SlotCompleted)
		s.metrics.ObserveGeneration(res.duration)
		if s.fairness != nil {
			s.fairness.RecordSpeaker(agentID)
			s.metrics.SetDistribution(s.fairness.DistributionMetric())
		}
		if s.responseHook != nil {
			go s.responseHook(r.agents[agentID], resp)
		}
	}

	r.index++
	s.refreshEstimateLocked()

	if r.allSlotsTerminal() {
		s.completeLocked()
		return
	}
	if r.phase == types.PhaseRunning {
		s.advanceLocked(context.Background())
	}
	// PAUSED：结果已落盘，冻结在新的 index，等待 Resume
}

// completeLocked 整个计划的槽位全部终结，Run 进入 COMPLETED
func (s *Scheduler) completeLocked() {
	r := s.run
	if r.phase.Terminal() {
		return
	}
	s.setPhaseLocked(types.PhaseCompleted)

	now := s.clock()
	completed, errored, skipped := r.terminalSlots()
	s.logger.Info("run completed",
		zap.String("run_id", r.id),
		zap.Int("completed", completed),
		zap.Int("errored", errored),
		zap.Int("skipped", skipped),
		zap.Duration("duration", now.Sub(r.startedAt)),
	)
	s.metrics.RunFinished(types.PhaseCompleted, now.Sub(r.startedAt))
	s.publish(RunFinishedEvent{
		RunID:     r.id,
		Phase:     types.PhaseCompleted,
		Completed: completed,
		Errored:   errored,
		Skipped:   skipped,
		Duration:  now.Sub(r.startedAt),
		At:        now,
	})
	s.archiveLocked()
	s.scheduleCleanupLocked()
}

// scheduleCleanupLocked 终结后延迟清空状态；新 Run 合法启动时定时器作废
func (s *Scheduler) scheduleCleanupLocked() {
	runID := s.run.id
	delay := s.run.cfg.CleanupDelay
	if s.cleanup != nil {
		s.cleanup.Stop()
	}
	s.cleanup = time.AfterFunc(delay, func() {
		s.clearState(runID)
	})
}

// clearState 清空指定 Run 的残留状态
func (s *Scheduler) clearState(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil || s.run.id != runID || !s.run.phase.Terminal() {
		return
	}
	s.endRunSpanLocked()
	s.run = nil
	s.cleanup = nil
	s.publish(StateClearedEvent{RunID: runID, At: s.clock()})
	s.logger.Debug("run state cleared", zap.String("run_id", runID))
}

// archiveLocked 异步归档终结态快照
func (s *Scheduler) archiveLocked() {
	if s.archive == nil {
		return
	}
	snap := s.snapshotLocked()
	archive := s.archive
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := archive.ArchiveRun(ctx, snap); err != nil {
			logger.Warn("failed to archive run", zap.String("run_id", snap.RunID), zap.Error(err))
		}
	}()
}

// snapshotLocked 与 Snapshot 相同，但要求调用方已持锁
func (s *Scheduler) snapshotLocked() types.RunSnapshot {
	r := s.run
	now := s.clock()
	slots := make([]types.SlotView, len(r.slots))
	terminal := 0
	for i, slot := range r.slots {
		slots[i] = types.SlotView{Index: i, AgentID: slot.agentID, Status: slot.status}
		if slot.status.Terminal() {
			terminal++
		}
	}
	progress := 0.0
	if len(r.slots) > 0 {
		progress = float64(terminal) / float64(len(r.slots))
	}
	return types.RunSnapshot{
		RunID:        r.id,
		Phase:        r.phase,
		Plan:         r.plan,
		Slots:        slots,
		CurrentIndex: r.index,
		Completed:    append([]types.Response(nil), r.completed...),
		Errors:       append([]types.SlotError(nil), r.errors...),
		Paused:       r.phase == types.PhasePaused,
		Cancelled:    r.phase == types.PhaseCancelled,
		Progress:     progress,
		StartedAt:    r.startedAt,
		Elapsed:      now.Sub(r.startedAt),
		EstimatedEnd: r.estimatedEnd,
	}
}

// refreshEstimateLocked 每次槽位转换后重算预计结束时间
func (s *Scheduler) refreshEstimateLocked() {
	r := s.run
	remaining := 0
	for _, slot := range r.slots {
		if !slot.status.Terminal() {
			remaining++
		}
	}
	r.estimatedEnd = s.clock().Add(time.Duration(remaining) * r.cfg.AvgResponseTime)
}

// transitionSlotLocked 槽位状态转换 + 事件发布。
// 非法转换说明内部逻辑有 bug，记错误日志但不中断。
func (s *Scheduler) transitionSlotLocked(idx int, to types.SlotStatus) {
	r := s.run
	from := r.slots[idx].status
	if !canTransitionSlot(from, to) {
		s.logger.Error("illegal slot transition",
			zap.Int("index", idx),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	r.slots[idx].status = to
	s.publish(SlotTransitionEvent{
		RunID:   r.id,
		Index:   idx,
		AgentID: r.slots[idx].agentID,
		From:    from,
		To:      to,
		At:      s.clock(),
	})
}

func (s *Scheduler) setPhaseLocked(to types.RunPhase) {
	from := s.run.phase
	if !canTransitionPhase(from, to) {
		s.logger.Error("illegal phase transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	s.run.phase = to
}

func (s *Scheduler) endRunSpanLocked() {
	if s.run != nil && s.run.span != nil {
		s.run.span.SetAttributes(attribute.String("run.phase", string(s.run.phase)))
		s.run.span.End()
		s.run.span = nil
	}
}

func (s *Scheduler) publish(event Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

// noopMetrics 未挂载指标时的空实现
type noopMetrics struct{}

func (noopMetrics) RunStarted()                                 {}
func (noopMetrics) RunFinished(types.RunPhase, time.Duration)   {}
func (noopMetrics) SlotOutcome(types.SlotStatus)                {}
func (noopMetrics) ObserveGeneration(time.Duration)             {}
func (noopMetrics) SetDistribution(float64)                     {}
