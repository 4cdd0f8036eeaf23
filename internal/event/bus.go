package event

import (
	"piece-feeder/internal/types"
	"sync"
	"sync/atomic"
	"time"
)

// EventType 定义事件的类型
type EventType string

// 定义所有控制核心发出的遥测事件类型
const (
	SessionStarted   EventType = "SessionStarted"   // 硬件初始化完成，会话开始
	SessionEnded     EventType = "SessionEnded"     // 会话结束，驱动连接已释放
	ActionRetried    EventType = "ActionRetried"    // 驱动命令因偶发超时被重试
	GripperReset     EventType = "GripperReset"     // 夹爪故障，执行了一次工具重新初始化
	MagazineReady    EventType = "MagazineReady"    // 操作员确认料仓就位
	BoardCalibrated  EventType = "BoardCalibrated"  // 操作员确认了所有通道的投放位置
	PieceLoaded      EventType = "PieceLoaded"      // 一枚棋子从料仓放到了传送带上
	PieceGrabbed     EventType = "PieceGrabbed"     // 从传送带取走一枚棋子
	PieceDropped     EventType = "PieceDropped"     // 棋子投入棋盘通道
	BeltAdvanced     EventType = "BeltAdvanced"     // 传送带完成一次移动
	BeltAdvanceError EventType = "BeltAdvanceError" // 后台传送带移动失败
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type      EventType               // 事件类型
	Seq       uint64                  // 总线分配的单调递增序号，用于在异步处理中判断先后
	Time      time.Time               // 发布时间
	SessionID string                  // 关联的会话 ID
	State     *types.SessionState     // 事件发生后的会话状态快照 (仅状态相关事件)
	Action    string                  // 驱动能力名称 (仅 ActionRetried)
	Attempt   int                     // 第几次尝试 (仅 ActionRetried)
	Lane      int                     // 通道编号 (仅 PieceDropped)
	Direction types.ConveyorDirection // 传送带方向 (仅传送带事件)
	Duration  time.Duration           // 传送带移动耗时 (仅 BeltAdvanced)
	Error     error                   // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
// nil *Bus 可以安全地发布事件 (直接丢弃)，方便在测试中省略
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	seq      atomic.Uint64
	inflight sync.WaitGroup // 正在执行的处理器
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个或多个类型的事件
func (b *Bus) Subscribe(handler Handler, eventTypes ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	e.Seq = b.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// 使用 goroutine 避免单个处理器 (如写日志文件、推送 WebSocket) 阻塞控制流程
	for _, handler := range b.handlers[e.Type] {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			h(e)
		}(handler)
	}
}

// Wait 等待已发布事件的处理器全部执行完毕
// 用于退出前确保最后的事件 (例如 SessionEnded) 已写入日志
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.inflight.Wait()
}
