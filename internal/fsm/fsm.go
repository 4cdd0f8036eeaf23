package fsm

import (
	"fmt"
	"sync"
)

// State 定义传送带取料槽的占用状态
type State string

// Event 定义事件类型
type Event string

const (
	StateEmpty State = "EMPTY_BELT" // 两个槽位都空
	StateHalf  State = "HALF_BELT"  // 只有 0 号槽有棋子
	StateFull  State = "FULL_BELT"  // 两个槽位都有棋子
)

const (
	EventPlace     Event = "PLACE"      // 机械臂放入一枚棋子 (先 0 号槽再 1 号槽)
	EventTake      Event = "TAKE"       // 机械臂取走一枚棋子 (先 1 号槽再 0 号槽)
	EventShiftBack Event = "SHIFT_BACK" // 放满的一对被传送带移离机械臂
	EventRefill    Event = "REFILL"     // 传送带送来下一对棋子
)

// Belt 传送带取料槽的有限状态机
// 非法转移返回错误且不改变状态，保证槽位计数始终在 0..2 之间
type Belt struct {
	current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// onChange 状态变更后的回调
	onChange func(from, to State, event Event)
}

// NewBelt 创建一个空的传送带状态机
func NewBelt() *Belt {
	b := &Belt{
		current:     StateEmpty,
		transitions: make(map[State]map[Event]State),
	}
	b.initTransitions()
	return b
}

func (b *Belt) initTransitions() {
	b.addTransition(StateEmpty, EventPlace, StateHalf)
	b.addTransition(StateHalf, EventPlace, StateFull)

	b.addTransition(StateFull, EventTake, StateHalf)
	b.addTransition(StateHalf, EventTake, StateEmpty)

	b.addTransition(StateFull, EventShiftBack, StateEmpty)
	b.addTransition(StateEmpty, EventRefill, StateFull)
}

func (b *Belt) addTransition(from State, event Event, to State) {
	if _, ok := b.transitions[from]; !ok {
		b.transitions[from] = make(map[Event]State)
	}
	b.transitions[from][event] = to
}

// OnChange 注册状态变更回调
// 回调在状态机锁内同步执行，回调中不要再调用 Fire
func (b *Belt) OnChange(cb func(from, to State, event Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = cb
}

// Fire 触发事件
func (b *Belt) Fire(event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next, ok := b.transitions[b.current][event]
	if !ok {
		return fmt.Errorf("invalid belt transition: cannot fire %s from %s", event, b.current)
	}

	prev := b.current
	b.current = next
	if b.onChange != nil {
		b.onChange(prev, next, event)
	}
	return nil
}

// Current 当前状态
func (b *Belt) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Staged 当前槽位中的棋子数
func (b *Belt) Staged() int {
	return StagedCount(b.Current())
}

// StagedCount 把状态映射为槽位中的棋子数
func StagedCount(s State) int {
	switch s {
	case StateHalf:
		return 1
	case StateFull:
		return 2
	}
	return 0
}
