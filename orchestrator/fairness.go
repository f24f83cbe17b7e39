package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// HistoryStore 发言窗口的可选持久化，重启后轮转不从零开始
type HistoryStore interface {
	SaveWindow(ctx context.Context, window []string) error
	LoadWindow(ctx context.Context) ([]string, error)
}

// FairnessTracker 维护发言历史并向选择器提供公平性输入。
//
// 窗口语义：window 是当前轮转周期内已发言的角色序列；
// 当池中每个角色都至少出现一次后，窗口重置为 {最近一次发言者}。
// 由此保证：任何角色发言一次后最多等待 N-1 轮，且在其他角色
// 都发过言之前不会第二次被常规选中（点名与回退除外）。
type FairnessTracker struct {
	mu       sync.Mutex
	known    map[string]struct{} // 当前角色池
	window   []string
	inWindow map[string]struct{}
	counts   map[string]int // 全量发言计数，用于分布指标
	last     string
	penalty  float64

	store  HistoryStore
	logger *zap.Logger
}

// NewFairnessTracker 创建公平性跟踪器
func NewFairnessTracker(agents []types.Agent, penalty float64, logger *zap.Logger) *FairnessTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &FairnessTracker{
		known:    make(map[string]struct{}, len(agents)),
		inWindow: make(map[string]struct{}),
		counts:   make(map[string]int),
		penalty:  penalty,
		logger:   logger.With(zap.String("component", "fairness_tracker")),
	}
	for _, a := range agents {
		t.known[a.ID] = struct{}{}
	}
	return t
}

// WithStore 挂载窗口持久化并尝试恢复上次的窗口。
// 恢复失败只记日志，从空窗口继续。
func (t *FairnessTracker) WithStore(ctx context.Context, store HistoryStore) *FairnessTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = store

	window, err := store.LoadWindow(ctx)
	if err != nil {
		t.logger.Warn("failed to restore speaking window", zap.Error(err))
		return t
	}
	for _, id := range window {
		if _, known := t.known[id]; !known {
			continue
		}
		if _, dup := t.inWindow[id]; dup {
			continue
		}
		t.window = append(t.window, id)
		t.inWindow[id] = struct{}{}
		t.last = id
	}
	return t
}

// RecordSpeaker 记录一次实际发言。满覆盖后窗口重置为单元素。
func (t *FairnessTracker) RecordSpeaker(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[agentID]++
	t.last = agentID

	if _, dup := t.inWindow[agentID]; !dup {
		t.window = append(t.window, agentID)
		t.inWindow[agentID] = struct{}{}
	}

	if t.fullCoverageLocked() {
		t.window = []string{agentID}
		t.inWindow = map[string]struct{}{agentID: {}}
		t.logger.Debug("speaking window reset after full coverage",
			zap.String("last_speaker", agentID),
		)
	}

	t.persistLocked()
}

// fullCoverageLocked 判断池中所有角色是否都已出现在窗口里
func (t *FairnessTracker) fullCoverageLocked() bool {
	if len(t.known) == 0 {
		return false
	}
	for id := range t.known {
		if _, ok := t.inWindow[id]; !ok {
			return false
		}
	}
	return true
}

// Penalty 返回应从原始评分中扣除的公平性惩罚。
// 只有上一轮的发言者被惩罚：抑制连续独白，但不阻止
// 一对一场景里同一角色持续应答。
func (t *FairnessTracker) Penalty(agentID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if agentID != "" && agentID == t.last {
		return t.penalty
	}
	return 0
}

// Eligible 报告该角色是否可被常规选中（不在当前窗口内）。
// 未知角色一律可选。
func (t *FairnessTracker) Eligible(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, inWindow := t.inWindow[agentID]
	return !inWindow
}

// LastSpeaker 返回最近一次发言者的 id，无历史时为空串
func (t *FairnessTracker) LastSpeaker() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Window 返回当前窗口的副本
func (t *FairnessTracker) Window() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.window...)
}

// SetAgents 替换角色池（只允许在 Run 之间调用）。
// 已离开池子的角色从窗口中剔除。
func (t *FairnessTracker) SetAgents(agents []types.Agent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.known = make(map[string]struct{}, len(agents))
	for _, a := range agents {
		t.known[a.ID] = struct{}{}
	}

	filtered := t.window[:0]
	inWindow := make(map[string]struct{})
	for _, id := range t.window {
		if _, ok := t.known[id]; ok {
			filtered = append(filtered, id)
			inWindow[id] = struct{}{}
		}
	}
	t.window = filtered
	t.inWindow = inWindow
	t.persistLocked()
}

// DistributionMetric 返回全量发言计数上的基尼系数，
// 0 表示完全均衡，越接近 1 越集中。无历史时返回 0。
//
// 计数升序排列后 G = Σ((2i - n - 1) * c_i) / (n * Σc)，i 从 1 起。
func (t *FairnessTracker) DistributionMetric() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.known)
	if n == 0 {
		return 0
	}

	counts := make([]int, 0, n)
	total := 0
	for id := range t.known {
		c := t.counts[id]
		counts = append(counts, c)
		total += c
	}
	if total == 0 {
		return 0
	}
	sort.Ints(counts)

	var sum float64
	for i, c := range counts {
		sum += float64(2*(i+1)-n-1) * float64(c)
	}
	return sum / (float64(n) * float64(total))
}

// persistLocked 异步保存窗口快照，失败只记日志
func (t *FairnessTracker) persistLocked() {
	if t.store == nil {
		return
	}
	snapshot := append([]string(nil), t.window...)
	store := t.store
	logger := t.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.SaveWindow(ctx, snapshot); err != nil {
			logger.Warn("failed to persist speaking window", zap.Error(err))
		}
	}()
}
