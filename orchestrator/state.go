package orchestrator

import (
	"fmt"

	"github.com/BaSui01/chatflow/types"
)

// validPhaseTransitions 定义 Run 全局状态的合法转换
var validPhaseTransitions = map[types.RunPhase][]types.RunPhase{
	types.PhaseIdle:      {types.PhaseRunning},
	types.PhaseRunning:   {types.PhasePaused, types.PhaseCompleted, types.PhaseCancelled},
	types.PhasePaused:    {types.PhaseRunning, types.PhaseCompleted, types.PhaseCancelled}, // 暂停期间在途结果落盘后可直接完成
	types.PhaseCompleted: {types.PhaseIdle},                                                // 清理后回到空闲
	types.PhaseCancelled: {types.PhaseIdle},
}

// validSlotTransitions 定义槽位状态的合法转换
var validSlotTransitions = map[types.SlotStatus][]types.SlotStatus{
	types.SlotWaiting:  {types.SlotThinking, types.SlotSkipped},
	types.SlotThinking: {types.SlotCompleted, types.SlotFailed, types.SlotSkipped},
}

// canTransitionPhase 检查 Run 状态转换是否合法
func canTransitionPhase(from, to types.RunPhase) bool {
	for _, s := range validPhaseTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// canTransitionSlot 检查槽位状态转换是否合法
func canTransitionSlot(from, to types.SlotStatus) bool {
	for _, s := range validSlotTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition 非法状态转换。只会出现在内部断言里：
// 对外的控制操作在无效状态下一律静默无效，不抛错误。
type ErrInvalidTransition struct {
	From, To string
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}
