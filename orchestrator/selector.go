package orchestrator

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// EligibilityFunc 判断角色是否可被常规选中，
// 通常绑定 FairnessTracker.Eligible。nil 表示全部可选。
type EligibilityFunc func(agentID string) bool

// Selector 响应者选择器：把全量候选评分变成有序执行计划。
// 只要候选池非空就绝不返回空计划。
type Selector struct {
	logger *zap.Logger
}

// NewSelector 创建选择器
func NewSelector(logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{logger: logger.With(zap.String("component", "selector"))}
}

// Select 产出执行计划。
//
//  1. 候选按 mentioned / normal 分区
//  2. mentioned 在 PrioritizeMentioned 开启时绕过阈值与公平窗口；
//     normal 过滤为公平窗口之外且评分 ≥ 阈值——但存在优先的
//     mentioned 候选时话语权已被用户打开，normal 只按窗口过滤，
//     由评分排序和 MaxResponders 决定淘汰
//  3. 各分区按评分降序排序，同分按 agent id 升序——绝不依赖
//     插入顺序，避免隐式不确定性
//  4. mentioned 在前拼接，截断到 MaxResponders
//  5. 结果为空则回退到单一最佳候选（SelectionFallback），
//     候选池非空时绝不产出空计划
func (s *Selector) Select(scores []types.CandidateScore, cfg Config, eligible EligibilityFunc) (*types.ResponsePlan, error) {
	if len(scores) == 0 {
		return nil, ErrNoCandidates
	}
	cfg = cfg.normalized(len(scores))
	if eligible == nil {
		eligible = func(string) bool { return true }
	}

	var mentioned, normal []types.CandidateScore
	for _, c := range scores {
		switch {
		case c.Priority == types.PriorityMentioned && cfg.PrioritizeMentioned:
			// 点名即用户让出话语权：绕过阈值与公平窗口
			mentioned = append(mentioned, c)
		case c.Priority == types.PriorityMentioned:
			if c.Score >= cfg.ResponseThreshold && eligible(c.AgentID) {
				mentioned = append(mentioned, c)
			}
		}
	}
	openFloor := len(mentioned) > 0 && cfg.PrioritizeMentioned
	for _, c := range scores {
		if c.Priority == types.PriorityMentioned || !eligible(c.AgentID) {
			continue
		}
		if c.Score >= cfg.ResponseThreshold || openFloor {
			normal = append(normal, c)
		}
	}

	sortCandidates(mentioned)
	sortCandidates(normal)

	order := make([]string, 0, cfg.MaxResponders)
	for _, c := range append(mentioned, normal...) {
		if len(order) == cfg.MaxResponders {
			break
		}
		order = append(order, c.AgentID)
	}

	fallback := false
	if len(order) == 0 {
		// SelectionFallback：无人过线时选总体最佳，优先窗口外的候选
		best := bestCandidate(scores, eligible)
		order = append(order, best.AgentID)
		fallback = true
		s.logger.Info("no candidate cleared the threshold, falling back to single best",
			zap.String("agent_id", best.AgentID),
			zap.Float64("score", best.Score),
		)
	}

	return &types.ResponsePlan{
		ID:                uuid.New().String(),
		Order:             order,
		Candidates:        append([]types.CandidateScore(nil), scores...),
		Total:             len(order),
		Fallback:          fallback,
		EstimatedDuration: time.Duration(len(order)) * cfg.AvgResponseTime,
		CreatedAt:         time.Now(),
	}, nil
}

// sortCandidates 评分降序，同分按 id 升序，保证确定性
func sortCandidates(cs []types.CandidateScore) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].AgentID < cs[j].AgentID
	})
}

// bestCandidate 返回最高分候选；存在窗口外候选时只在窗口外挑选，
// 全员都在窗口内（例如单角色池）时放开限制。
func bestCandidate(scores []types.CandidateScore, eligible EligibilityFunc) types.CandidateScore {
	pool := make([]types.CandidateScore, 0, len(scores))
	for _, c := range scores {
		if eligible(c.AgentID) {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		pool = scores
	}

	best := pool[0]
	for _, c := range pool[1:] {
		if c.Score > best.Score || (c.Score == best.Score && c.AgentID < best.AgentID) {
			best = c
		}
	}
	return best
}
