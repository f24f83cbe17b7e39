package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// EventType 编排事件类型
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventSlotTransition EventType = "slot_transition"
	EventRunPaused      EventType = "run_paused"
	EventRunResumed     EventType = "run_resumed"
	EventRunFinished    EventType = "run_finished" // 包含 completed 与 cancelled
	EventStateCleared   EventType = "state_cleared"
)

// Event 编排事件接口
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// EventHandler 事件处理器
type EventHandler func(Event)

// subCounter 生成唯一订阅 ID
var subCounter int64

// EventBus 编排事件总线。
// 与 handler 的交互在单个派发 goroutine 内顺序执行，
// 观察者看到的事件顺序与状态转换顺序一致。
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]EventHandler
	all      map[string]EventHandler // 订阅全部事件
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewEventBus 创建事件总线
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &EventBus{
		handlers: make(map[EventType]map[string]EventHandler),
		all:      make(map[string]EventHandler),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
	go b.dispatch()
	return b
}

// Publish 发布事件。总线已停止或缓冲满时丢弃并记日志。
func (b *EventBus) Publish(event Event) {
	select {
	case b.events <- event:
	case <-b.done:
	default:
		b.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type())),
		)
	}
}

// Subscribe 订阅某一类事件，返回用于退订的 ID
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subCounter, 1))
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]EventHandler)
	}
	b.handlers[eventType][id] = handler
	return id
}

// SubscribeAll 订阅全部事件
func (b *EventBus) SubscribeAll(handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("all-%d", atomic.AddInt64(&subCounter, 1))
	b.all[id] = handler
	return id
}

// Unsubscribe 退订
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.all, subscriptionID)
	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

// Stop 停止派发。已入队但未派发的事件被丢弃。
func (b *EventBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

// dispatch 单 goroutine 顺序派发，handler panic 不影响总线
func (b *EventBus) dispatch() {
	for {
		select {
		case event := <-b.events:
			b.mu.RLock()
			targets := make([]EventHandler, 0, len(b.all)+len(b.handlers[event.Type()]))
			for _, h := range b.all {
				targets = append(targets, h)
			}
			for _, h := range b.handlers[event.Type()] {
				targets = append(targets, h)
			}
			b.mu.RUnlock()

			for _, h := range targets {
				b.safeInvoke(h, event)
			}
		case <-b.done:
			return
		}
	}
}

func (b *EventBus) safeInvoke(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(event.Type())),
				zap.Any("recover", r),
			)
		}
	}()
	h(event)
}

// RunStartedEvent Run 启动
type RunStartedEvent struct {
	RunID      string
	PlanID     string
	Responders []string
	At         time.Time
}

func (e RunStartedEvent) Type() EventType      { return EventRunStarted }
func (e RunStartedEvent) Timestamp() time.Time { return e.At }

// SlotTransitionEvent 槽位状态转换
type SlotTransitionEvent struct {
	RunID   string
	Index   int
	AgentID string
	From    types.SlotStatus
	To      types.SlotStatus
	At      time.Time
}

func (e SlotTransitionEvent) Type() EventType      { return EventSlotTransition }
func (e SlotTransitionEvent) Timestamp() time.Time { return e.At }

// RunControlEvent 暂停 / 恢复
type RunControlEvent struct {
	RunID  string
	Paused bool
	At     time.Time
}

func (e RunControlEvent) Type() EventType {
	if e.Paused {
		return EventRunPaused
	}
	return EventRunResumed
}
func (e RunControlEvent) Timestamp() time.Time { return e.At }

// RunFinishedEvent Run 终结（完成或取消）
type RunFinishedEvent struct {
	RunID     string
	Phase     types.RunPhase
	Completed int
	Errored   int
	Skipped   int
	Duration  time.Duration
	At        time.Time
}

func (e RunFinishedEvent) Type() EventType      { return EventRunFinished }
func (e RunFinishedEvent) Timestamp() time.Time { return e.At }

// StateClearedEvent 清理延迟结束，RunState 清空
type StateClearedEvent struct {
	RunID string
	At    time.Time
}

func (e StateClearedEvent) Type() EventType      { return EventStateCleared }
func (e StateClearedEvent) Timestamp() time.Time { return e.At }
