package orchestrator

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatflow/types"
)

func candidate(id string, score float64, priority types.Priority) types.CandidateScore {
	return types.CandidateScore{AgentID: id, Score: score, Priority: priority}
}

func selectorConfig(threshold float64, maxResponders int) Config {
	cfg := DefaultConfig()
	cfg.ResponseThreshold = threshold
	cfg.MaxResponders = maxResponders
	return cfg
}

// 3 个候选，点名的 0.9 在前，点名打开话语权后 0.4 跟进，
// 0.2 被 MaxResponders 淘汰
func TestSelector_MentionedLeadsAndOpensFloor(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("a1", 0.9, types.PriorityMentioned),
		candidate("a2", 0.4, types.PriorityNormal),
		candidate("a3", 0.2, types.PriorityNormal),
	}

	plan, err := s.Select(scores, selectorConfig(0.5, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, plan.Order)
	assert.False(t, plan.Fallback)
	assert.Equal(t, 2, plan.Total)
}

// 单角色池：无论评分与阈值，计划恒为该角色
func TestSelector_SingleAgentAlwaysSelected(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{candidate("only", 0.01, types.PriorityNormal)}

	plan, err := s.Select(scores, selectorConfig(0.99, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, plan.Order)
	assert.True(t, plan.Fallback)
}

func TestSelector_ThresholdFiltersWithoutMention(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("a1", 0.8, types.PriorityNormal),
		candidate("a2", 0.4, types.PriorityNormal),
		candidate("a3", 0.6, types.PriorityNormal),
	}

	plan, err := s.Select(scores, selectorConfig(0.5, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a3"}, plan.Order)
	assert.False(t, plan.Fallback)
}

func TestSelector_FallbackToSingleBest(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("a1", 0.3, types.PriorityNormal),
		candidate("a2", 0.45, types.PriorityNormal),
	}

	plan, err := s.Select(scores, selectorConfig(0.5, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, plan.Order)
	assert.True(t, plan.Fallback)
}

// 回退优先选公平窗口之外的候选，即便窗口内的分更高
func TestSelector_FallbackPrefersEligible(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("a1", 0.45, types.PriorityNormal),
		candidate("a2", 0.3, types.PriorityNormal),
	}
	eligible := func(id string) bool { return id == "a2" }

	plan, err := s.Select(scores, selectorConfig(0.5, 3), eligible)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, plan.Order)
	assert.True(t, plan.Fallback)
}

func TestSelector_EligibilityExcludesWindowMembers(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("a1", 0.9, types.PriorityNormal),
		candidate("a2", 0.8, types.PriorityNormal),
		candidate("a3", 0.7, types.PriorityNormal),
	}
	eligible := func(id string) bool { return id != "a1" }

	plan, err := s.Select(scores, selectorConfig(0.5, 3), eligible)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a3"}, plan.Order)
}

// 点名绕过窗口：用户让出话语权时窗口成员依旧可被选中
func TestSelector_MentionBypassesEligibility(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("a1", 0.9, types.PriorityMentioned),
		candidate("a2", 0.8, types.PriorityNormal),
	}
	eligible := func(id string) bool { return id != "a1" }

	plan, err := s.Select(scores, selectorConfig(0.5, 2), eligible)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, plan.Order)
}

func TestSelector_DisabledMultiResponseCapsToOne(t *testing.T) {
	s := NewSelector(nil)
	cfg := selectorConfig(0.5, 3)
	cfg.EnableMultiResponse = false
	scores := []types.CandidateScore{
		candidate("a1", 0.9, types.PriorityNormal),
		candidate("a2", 0.8, types.PriorityNormal),
	}

	plan, err := s.Select(scores, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, plan.Order)
}

func TestSelector_TieBreakByAgentID(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("zeta", 0.8, types.PriorityNormal),
		candidate("alpha", 0.8, types.PriorityNormal),
	}

	plan, err := s.Select(scores, selectorConfig(0.5, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, plan.Order)
}

func TestSelector_EmptyInput(t *testing.T) {
	s := NewSelector(nil)
	_, err := s.Select(nil, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestSelector_EstimatedDuration(t *testing.T) {
	s := NewSelector(nil)
	cfg := selectorConfig(0.5, 3)
	scores := []types.CandidateScore{
		candidate("a1", 0.9, types.PriorityNormal),
		candidate("a2", 0.8, types.PriorityNormal),
	}

	plan, err := s.Select(scores, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 2*cfg.AvgResponseTime, plan.EstimatedDuration)
}

func TestSelector_Deterministic(t *testing.T) {
	s := NewSelector(nil)
	scores := []types.CandidateScore{
		candidate("a3", 0.6, types.PriorityNormal),
		candidate("a1", 0.9, types.PriorityMentioned),
		candidate("a2", 0.6, types.PriorityNormal),
	}
	cfg := selectorConfig(0.5, 3)

	first, err := s.Select(scores, cfg, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Select(scores, cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, first.Order, again.Order)
	}
}

// 属性检查：任意候选集和配置下计划绝不为空、不超员、不含重复
func TestSelector_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	s := NewSelector(nil)

	properties.Property("plan is never empty and never oversized", prop.ForAll(
		func(n int, threshold float64, maxResponders int, seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			scores := make([]types.CandidateScore, n)
			for i := range scores {
				priority := types.PriorityNormal
				if rng.Intn(5) == 0 {
					priority = types.PriorityMentioned
				}
				scores[i] = candidate(string(rune('a'+i)), rng.Float64(), priority)
			}

			cfg := DefaultConfig()
			cfg.ResponseThreshold = threshold
			cfg.MaxResponders = maxResponders

			plan, err := s.Select(scores, cfg, nil)
			if err != nil {
				return false
			}
			if len(plan.Order) == 0 {
				return false
			}

			limit := maxResponders
			if limit < 1 {
				limit = 1
			}
			if limit > n {
				limit = n
			}
			if len(plan.Order) > limit {
				return false
			}

			seen := make(map[string]bool, len(plan.Order))
			for _, id := range plan.Order {
				if seen[id] {
					return false
				}
				seen[id] = true
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.Float64Range(0, 1),
		gen.IntRange(-3, 15),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
