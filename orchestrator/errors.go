package orchestrator

import "errors"

var (
	// ErrRunInProgress 上一个 Run 尚未结束（RUNNING/PAUSED），新触发被拒绝
	ErrRunInProgress = errors.New("a response run is already in progress")

	// ErrNoCandidates 候选池为空，无法产出计划
	ErrNoCandidates = errors.New("no candidates to select from")

	// ErrNoAgents 角色池为空
	ErrNoAgents = errors.New("agent pool is empty")

	// ErrTriggerRateLimited 触发频率超限
	ErrTriggerRateLimited = errors.New("trigger rate limit exceeded")
)
