package web

import (
	"piece-feeder/internal/event"
	"piece-feeder/internal/types"
	"sync"
	"time"
)

// StatusView 用于状态页展示的会话视图
type StatusView struct {
	SessionID string             `json:"session_id"`
	State     types.SessionState `json:"state"`
	LastEvent event.EventType    `json:"last_event,omitempty"`
	Seq       uint64             `json:"seq"`
	UpdatedAt time.Time          `json:"updated_at"`
	Prompt    string             `json:"prompt,omitempty"` // 正在等待操作员确认的提示
	Ended     bool               `json:"ended"`
}

// StateTracker 负责追踪会话的实时状态，并通知前端更新
// 事件处理器是异步执行的，序号小于已记录序号的事件会被忽略
type StateTracker struct {
	mu   sync.RWMutex
	view StatusView
	hub  *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可以为 nil
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{hub: hub}
}

// Apply 用事件中的状态快照更新视图，并向所有客户端广播
// 返回 false 表示事件已过期或不带状态
func (st *StateTracker) Apply(e event.Event) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if e.State == nil || e.Seq <= st.view.Seq {
		return false
	}
	st.view.SessionID = e.SessionID
	st.view.State = *e.State
	st.view.LastEvent = e.Type
	st.view.Seq = e.Seq
	st.view.UpdatedAt = e.Time
	if e.Type == event.SessionEnded {
		st.view.Ended = true
	}
	st.broadcastLocked()
	return true
}

// SetPrompt 记录正在等待确认的提示，空字符串表示没有等待中的确认
func (st *StateTracker) SetPrompt(prompt string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.view.Prompt == prompt {
		return
	}
	st.view.Prompt = prompt
	st.broadcastLocked()
}

func (st *StateTracker) broadcastLocked() {
	if st.hub != nil {
		st.hub.BroadcastState(st.view)
	}
}

// Snapshot 返回当前视图的副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) Snapshot() StatusView {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.view
}
