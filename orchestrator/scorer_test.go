package orchestrator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/chatflow/types"
)

func traits(ext, cur, talk, react float64) *types.Traits {
	return &types.Traits{
		Extroversion:  ext,
		Curiosity:     cur,
		Talkativeness: talk,
		Reactivity:    react,
	}
}

func trigger(text string, mentions ...string) types.TriggerMessage {
	return types.TriggerMessage{
		ID:        "t1",
		SenderID:  "user",
		Text:      text,
		Mentions:  mentions,
		Timestamp: time.Now(),
	}
}

func TestScorer_WeightedTraits(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	agent := types.Agent{ID: "a1", Name: "A1", Traits: traits(1, 1, 1, 1)}

	got := s.Score(agent, trigger("hello"), nil)
	// 0.30 + 0.15 + 0.30 + 0.10
	assert.InDelta(t, 0.85, got.Score, 1e-9)
	assert.Equal(t, types.PriorityNormal, got.Priority)
}

func TestScorer_QuestionBonus(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	agent := types.Agent{ID: "a1", Name: "A1", Traits: traits(0.5, 0.5, 0.5, 1)}

	plain := s.Score(agent, trigger("tell me more"), nil)
	question := s.Score(agent, trigger("what do you think?"), nil)
	cjk := s.Score(agent, trigger("你怎么看？"), nil)

	assert.InDelta(t, plain.Score+questionBonusScale, question.Score, 1e-9)
	assert.InDelta(t, question.Score, cjk.Score, 1e-9)
}

func TestScorer_RoleBias(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	base := types.Agent{ID: "a1", Traits: traits(0.5, 0.5, 0.5, 0.5)}

	neutral := s.Score(base, trigger("hi"), nil)

	host := base
	host.Role = types.RoleHost
	observer := base
	observer.Role = types.RoleObserver

	assert.InDelta(t, neutral.Score+0.10, s.Score(host, trigger("hi"), nil).Score, 1e-9)
	assert.InDelta(t, neutral.Score-0.10, s.Score(observer, trigger("hi"), nil).Score, 1e-9)
}

func TestScorer_AuthorityQuestionBonus(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	authority := types.Agent{ID: "a1", Role: types.RoleAuthority, Traits: traits(0.5, 0.5, 0.5, 0)}

	plain := s.Score(authority, trigger("statement"), nil)
	question := s.Score(authority, trigger("is this right?"), nil)
	// Reactivity 为 0 时问句加成只剩权威角色部分
	assert.InDelta(t, plain.Score+authorityQuestionBonus, question.Score, 1e-9)
}

func TestScorer_DegradesOnMissingTraits(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)

	noTraits := s.Score(types.Agent{ID: "a1"}, trigger("hi"), nil)
	assert.InDelta(t, neutralScore, noTraits.Score, 1e-9)
	assert.Contains(t, noTraits.Reason, "degraded")

	invalid := s.Score(types.Agent{ID: "a2", Traits: traits(math.NaN(), 0.5, 0.5, 0.5)}, trigger("hi"), nil)
	assert.InDelta(t, neutralScore, invalid.Score, 1e-9)

	outOfRange := s.Score(types.Agent{ID: "a3", Traits: traits(1.7, 0.5, 0.5, 0.5)}, trigger("hi"), nil)
	assert.InDelta(t, neutralScore, outOfRange.Score, 1e-9)
}

func TestScorer_MentionFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResponseThreshold = 0.5
	s := NewScorer(cfg, nil)
	quiet := types.Agent{ID: "a1", Traits: traits(0, 0, 0, 0)}

	got := s.Score(quiet, trigger("a1 please answer", "a1"), nil)
	assert.Equal(t, types.PriorityMentioned, got.Priority)
	assert.InDelta(t, 0.55, got.Score, 1e-9) // threshold + margin

	// 本来就高于保底分的点名候选不被拉低
	loud := types.Agent{ID: "a2", Traits: traits(1, 1, 1, 1)}
	high := s.Score(loud, trigger("a2 please answer", "a2"), nil)
	assert.InDelta(t, 0.85, high.Score, 1e-9)
}

func TestScorer_ClampsToUnitInterval(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	maxed := types.Agent{ID: "a1", Role: types.RoleHost, Traits: traits(1, 1, 1, 1)}

	got := s.Score(maxed, trigger("really?"), nil)
	assert.LessOrEqual(t, got.Score, 1.0)
	assert.GreaterOrEqual(t, got.Score, 0.0)
}

func TestScorer_Deterministic(t *testing.T) {
	s := NewScorer(DefaultConfig(), nil)
	agent := types.Agent{ID: "a1", Role: types.RoleEntertainer, Traits: traits(0.7, 0.3, 0.9, 0.4)}
	msg := trigger("what now?")

	first := s.Score(agent, msg, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Score(agent, msg, nil))
	}
}
