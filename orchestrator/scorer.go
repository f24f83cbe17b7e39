package orchestrator

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// 评分权重。调整这些常量会改变对话的"性格"，不会影响正确性。
const (
	weightExtroversion  = 0.30
	weightTalkativeness = 0.30
	weightCuriosity     = 0.15
	weightReactivity    = 0.10
	questionBonusScale  = 0.15 // 问句时按 Reactivity 加成
	neutralScore        = 0.5  // 特质缺失时的降级分
	mentionFloorMargin  = 0.05 // 点名保底分 = 阈值 + margin
)

// roleBias 社交角色对评分的固定偏置
var roleBias = map[types.RoleTag]float64{
	types.RoleHost:        0.10,
	types.RoleEntertainer: 0.05,
	types.RoleObserver:    -0.10,
	types.RoleCustomer:    0,
	types.RoleAuthority:   0,
}

// authorityQuestionBonus 权威角色被提问时的额外加成
const authorityQuestionBonus = 0.10

// Scorer 候选人评分器。纯函数式：相同输入必然产生相同输出，
// 任何异常输入都降级为中性分而不是让整个编排循环失败。
type Scorer struct {
	cfg    Config
	logger *zap.Logger
}

// NewScorer 创建评分器
func NewScorer(cfg Config, logger *zap.Logger) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "scorer")),
	}
}

// Score 对单个角色评分。绝不 panic，绝不返回错误。
func (s *Scorer) Score(agent types.Agent, trigger types.TriggerMessage, history []types.HistoryMessage) types.CandidateScore {
	mentioned := containsID(trigger.Mentions, agent.ID)

	score, reason := s.rawScore(agent, trigger)

	if mentioned {
		floor := s.cfg.ResponseThreshold + mentionFloorMargin
		if floor > 1 {
			floor = 1
		}
		if score < floor {
			reason = fmt.Sprintf("%s; mention floor %.2f", reason, floor)
			score = floor
		}
	}

	priority := types.PriorityNormal
	if mentioned {
		priority = types.PriorityMentioned
	}

	return types.CandidateScore{
		AgentID:  agent.ID,
		Score:    clamp01(score),
		Priority: priority,
		Reason:   reason,
	}
}

// rawScore 计算未加点名保底的原始分
func (s *Scorer) rawScore(agent types.Agent, trigger types.TriggerMessage) (float64, string) {
	if agent.Traits == nil || !agent.Traits.Valid() {
		// ScoringDegradation：局部降级，绝不向上抛
		s.logger.Debug("traits missing or invalid, degrading to neutral score",
			zap.String("agent_id", agent.ID),
		)
		return neutralScore, "degraded: traits missing or invalid"
	}

	t := *agent.Traits
	score := weightExtroversion*t.Extroversion +
		weightTalkativeness*t.Talkativeness +
		weightCuriosity*t.Curiosity +
		weightReactivity*t.Reactivity

	reason := fmt.Sprintf("traits %.2f", score)

	if bias := roleBias[agent.Role]; bias != 0 {
		score += bias
		reason += fmt.Sprintf(", role %s %+.2f", agent.Role, bias)
	}

	if isQuestion(trigger.Text) {
		bonus := questionBonusScale * t.Reactivity
		if agent.Role == types.RoleAuthority {
			bonus += authorityQuestionBonus
		}
		if bonus != 0 {
			score += bonus
			reason += fmt.Sprintf(", question %+.2f", bonus)
		}
	}

	return score, reason
}

func isQuestion(text string) bool {
	return strings.ContainsAny(text, "?？")
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
