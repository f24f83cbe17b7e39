// Package orchestrator 实现多角色群聊的响应编排核心。
//
// 一次编排循环：触发消息到达 → Scorer 对池中每个角色评分 →
// Selector 结合 FairnessTracker 产出有序 ResponsePlan →
// Scheduler 以单一 thinking 槽位逐个驱动响应者调用生成后端 →
// 外部通过五个控制操作（start / pause / resume / skip / cancel）
// 干预执行过程，任意时机调用都保持内部状态一致。
//
// 并发模型：RunState 是唯一的共享可变资源，全部变更（调度推进、
// 控制操作、生成回调）都经过 Scheduler 内部同一把互斥锁；
// 在途的生成结果携带序列号，取消或跳过之后迟到的结果直接丢弃，
// 绝不会改写已终结的 RunState。
package orchestrator
