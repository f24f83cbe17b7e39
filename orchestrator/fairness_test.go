package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/chatflow/types"
)

func pool(ids ...string) []types.Agent {
	agents := make([]types.Agent, len(ids))
	for i, id := range ids {
		agents[i] = types.Agent{ID: id, Name: id}
	}
	return agents
}

func TestFairness_WindowGrowsAndResets(t *testing.T) {
	tr := NewFairnessTracker(pool("a", "b", "c"), 0.2, nil)

	tr.RecordSpeaker("a")
	assert.Equal(t, []string{"a"}, tr.Window())
	assert.False(t, tr.Eligible("a"))
	assert.True(t, tr.Eligible("b"))

	tr.RecordSpeaker("b")
	assert.Equal(t, []string{"a", "b"}, tr.Window())

	// 满覆盖后窗口重置为最近一次发言者
	tr.RecordSpeaker("c")
	assert.Equal(t, []string{"c"}, tr.Window())
	assert.True(t, tr.Eligible("a"))
	assert.True(t, tr.Eligible("b"))
	assert.False(t, tr.Eligible("c"))
}

func TestFairness_PenaltyOnlyForLastSpeaker(t *testing.T) {
	tr := NewFairnessTracker(pool("a", "b", "c"), 0.2, nil)
	assert.Zero(t, tr.Penalty("a"))

	tr.RecordSpeaker("a")
	assert.InDelta(t, 0.2, tr.Penalty("a"), 1e-9)
	assert.Zero(t, tr.Penalty("b"))

	tr.RecordSpeaker("b")
	assert.Zero(t, tr.Penalty("a"))
	assert.InDelta(t, 0.2, tr.Penalty("b"), 1e-9)
}

func TestFairness_RepeatSpeakerDoesNotDuplicateWindow(t *testing.T) {
	tr := NewFairnessTracker(pool("a", "b", "c"), 0.2, nil)
	tr.RecordSpeaker("a")
	tr.RecordSpeaker("a")
	assert.Equal(t, []string{"a"}, tr.Window())
}

func TestFairness_SetAgentsDropsDepartedFromWindow(t *testing.T) {
	tr := NewFairnessTracker(pool("a", "b", "c"), 0.2, nil)
	tr.RecordSpeaker("a")
	tr.RecordSpeaker("b")

	tr.SetAgents(pool("b", "c", "d"))
	assert.Equal(t, []string{"b"}, tr.Window())
	assert.True(t, tr.Eligible("a")) // 未知角色一律可选
	assert.True(t, tr.Eligible("d"))
}

func TestFairness_Gini(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]int
		want   float64
	}{
		{"no history", map[string]int{}, 0},
		{"perfectly even", map[string]int{"a": 2, "b": 2, "c": 2, "d": 2}, 0},
		{"single dominator", map[string]int{"a": 0, "b": 0, "c": 0, "d": 4}, 0.75},
		{"mild skew", map[string]int{"a": 1, "b": 1, "c": 2}, 2.0 / 12.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]string, 0, len(tt.counts))
			for id := range tt.counts {
				ids = append(ids, id)
			}
			tr := NewFairnessTracker(pool(ids...), 0.2, nil)
			for id, n := range tt.counts {
				for i := 0; i < n; i++ {
					tr.RecordSpeaker(id)
				}
			}
			assert.InDelta(t, tt.want, tr.DistributionMetric(), 1e-9)
		})
	}
}

// fakeWindowStore 内存版窗口持久化
type fakeWindowStore struct {
	mu     sync.Mutex
	window []string
	err    error
}

func (f *fakeWindowStore) SaveWindow(_ context.Context, window []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.window = append([]string(nil), window...)
	return nil
}

func (f *fakeWindowStore) LoadWindow(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.window...), f.err
}

func (f *fakeWindowStore) saved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.window...)
}

func TestFairness_StoreRestoresWindow(t *testing.T) {
	store := &fakeWindowStore{window: []string{"b", "ghost", "a"}}
	tr := NewFairnessTracker(pool("a", "b", "c"), 0.2, nil).WithStore(context.Background(), store)

	// 池外的 "ghost" 被丢弃
	assert.Equal(t, []string{"b", "a"}, tr.Window())
	assert.False(t, tr.Eligible("a"))
	assert.True(t, tr.Eligible("c"))
}

func TestFairness_StoreFailureIsNonFatal(t *testing.T) {
	store := &fakeWindowStore{err: errors.New("redis down")}
	tr := NewFairnessTracker(pool("a", "b"), 0.2, nil).WithStore(context.Background(), store)

	assert.Empty(t, tr.Window())
	tr.RecordSpeaker("a") // 持久化失败只记日志
	assert.Equal(t, []string{"a"}, tr.Window())
}

func TestFairness_PersistsWindowAsync(t *testing.T) {
	store := &fakeWindowStore{}
	tr := NewFairnessTracker(pool("a", "b", "c"), 0.2, nil).WithStore(context.Background(), store)

	tr.RecordSpeaker("a")
	require.Eventually(t, func() bool {
		saved := store.saved()
		return len(saved) == 1 && saved[0] == "a"
	}, time.Second, 5*time.Millisecond)
}

// 属性检查：连续触发流中，在所有角色都发过言之前，
// 任何角色都不会第二次被常规选中
func TestFairness_RotationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 6).Draw(rt, "agents")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("agent-%d", i)
		}

		tr := NewFairnessTracker(pool(ids...), 0.2, nil)
		sel := NewSelector(nil)
		cfg := DefaultConfig()
		cfg.MaxResponders = rapid.IntRange(1, n).Draw(rt, "max_responders")
		cfg.ResponseThreshold = rapid.Float64Range(0, 1).Draw(rt, "threshold")

		// 参照模型：窗口语义的独立实现
		seen := make(map[string]bool)

		rounds := rapid.IntRange(5, 40).Draw(rt, "rounds")
		for round := 0; round < rounds; round++ {
			scores := make([]types.CandidateScore, n)
			for i, id := range ids {
				scores[i] = candidate(id, rapid.Float64Range(0, 1).Draw(rt, "score"), types.PriorityNormal)
			}

			plan, err := sel.Select(scores, cfg, tr.Eligible)
			if err != nil {
				rt.Fatalf("select failed: %v", err)
			}

			for _, id := range plan.Order {
				if seen[id] {
					rt.Fatalf("round %d: %s selected twice before full coverage, window %v",
						round, id, tr.Window())
				}
				seen[id] = true
				if len(seen) == n {
					seen = map[string]bool{id: true}
				}
				tr.RecordSpeaker(id)
			}
		}
	})
}
