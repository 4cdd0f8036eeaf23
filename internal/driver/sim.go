package driver

import (
	"context"
	"fmt"
	"math/rand"
	"piece-feeder/internal/types"
	"sync"
	"time"
)

// 驱动能力名称，执行器日志、指标标签和仿真器的调用记录都使用这些名称
const (
	CapCalibrate      = "arm.calibrate"
	CapMoveToPose     = "arm.move_to_pose"
	CapSetMaxVelocity = "arm.set_max_velocity"
	CapHardwareStatus = "arm.read_hardware_status"
	CapUpdateTool     = "tool.update"
	CapCurrentToolID  = "tool.current_id"
	CapRelease        = "tool.release"
	CapGrasp          = "tool.grasp"
	CapSetConveyor    = "conveyor.register"
	CapRunConveyor    = "conveyor.run"
	CapStopConveyor   = "conveyor.stop"
	CapEnd            = "session.end"
)

// SimStatusSlots 仿真器上报的硬件错误码向量长度 (与真实机械臂一致，索引 7 为工具)
const SimStatusSlots = 8

// SimOptions 仿真器的行为配置
type SimOptions struct {
	ToolID       types.ToolID     // 上报的工具编号，0 表示默认 GRIPPER_1
	Delay        time.Duration    // 每条命令的模拟耗时
	TimeoutRate  float64          // 随机注入偶发超时的概率 (0..1)
	NoStatusSlot bool             // 为 true 时硬件状态向量为空，模拟官方仿真环境
	ToolFaults   []int            // 依次在工具错误码位置上报的错误码，耗尽后为 0
	BeltPoses    []types.Pose     // 传送带槽位位姿，传送带运行期间机械臂位于这些位姿视为冲突
	Failures     map[string]error // 指定能力始终返回的错误
	MaxCalls     int              // 只保留最近的 MaxCalls 条调用记录，0 表示不限
}

// Call 仿真器记录的一次驱动调用
type Call struct {
	Name string
	Arg  string
}

// Sim 内存中的模拟机械臂/夹爪/传送带
// 在没有真实硬件时用于仿真服务，也是各层测试使用的假驱动
type Sim struct {
	mu         sync.Mutex
	opts       SimOptions
	calls      []Call
	total      int            // 累计调用次数，不受 MaxCalls 影响
	timeouts   map[string]int // 能力名 -> 剩余需要注入的超时次数
	faults     []int
	velocity   int
	target     types.Pose // 最近一次移动的目标位姿 (命令发出即更新)
	closed     bool       // 夹爪是否夹紧
	running    bool       // 传送带是否在运行
	registered bool
	ended      bool
	violations []string
}

var _ Driver = (*Sim)(nil)

// NewSim 创建一个新的仿真驱动
func NewSim(opts SimOptions) *Sim {
	if opts.ToolID == 0 {
		opts.ToolID = types.ToolGripper1
	}
	return &Sim{
		opts:     opts,
		timeouts: make(map[string]int),
		faults:   append([]int(nil), opts.ToolFaults...),
		velocity: 100,
	}
}

// InjectTimeouts 让指定能力接下来的 n 次调用返回偶发超时
func (s *Sim) InjectTimeouts(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[name] += n
}

// Calls 返回调用记录的副本，设置了 MaxCalls 时只包含最近的 MaxCalls 条
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.retainedLocked()...)
}

// CountCalls 统计某个能力被调用的次数 (包括注入超时的调用)
func (s *Sim) CountCalls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.retainedLocked() {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Violations 返回检测到的传送带互斥冲突
func (s *Sim) Violations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.violations...)
}

// Velocity 当前最大速度百分比
func (s *Sim) Velocity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.velocity
}

// Gripping 夹爪当前是否夹紧
func (s *Sim) Gripping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ended 会话是否已结束
func (s *Sim) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// TotalCalls 累计调用次数
func (s *Sim) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// recordLocked 追加一条调用记录，超过 MaxCalls 时丢弃最早的记录
func (s *Sim) recordLocked(c Call) {
	s.total++
	s.calls = append(s.calls, c)
	if limit := s.opts.MaxCalls; limit > 0 && len(s.calls) >= 2*limit {
		s.calls = append(s.calls[:0], s.calls[len(s.calls)-limit:]...)
	}
}

func (s *Sim) retainedLocked() []Call {
	if limit := s.opts.MaxCalls; limit > 0 && len(s.calls) > limit {
		return s.calls[len(s.calls)-limit:]
	}
	return s.calls
}

// begin 记录调用、决定是否注入错误，并模拟命令耗时
func (s *Sim) begin(ctx context.Context, name, arg string) error {
	s.mu.Lock()
	s.recordLocked(Call{Name: name, Arg: arg})
	if err, ok := s.opts.Failures[name]; ok {
		s.mu.Unlock()
		return err
	}
	if s.timeouts[name] > 0 {
		s.timeouts[name]--
		s.mu.Unlock()
		return fmt.Errorf("%s: 模拟超时: %w", name, ErrTransientTimeout)
	}
	rate := s.opts.TimeoutRate
	s.mu.Unlock()

	if rate > 0 && rand.Float64() < rate {
		return fmt.Errorf("%s: 模拟超时: %w", name, ErrTransientTimeout)
	}
	if s.opts.Delay > 0 {
		select {
		case <-time.After(s.opts.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sim) Calibrate(ctx context.Context) error {
	return s.begin(ctx, CapCalibrate, "")
}

func (s *Sim) MoveToPose(ctx context.Context, pose types.Pose) error {
	s.mu.Lock()
	if s.running && s.isBeltPose(pose) {
		s.violations = append(s.violations, fmt.Sprintf("传送带运行期间移动到槽位 %s", pose))
	}
	s.target = pose
	s.mu.Unlock()

	return s.begin(ctx, CapMoveToPose, pose.String())
}

func (s *Sim) isBeltPose(p types.Pose) bool {
	for _, bp := range s.opts.BeltPoses {
		if bp == p {
			return true
		}
	}
	return false
}

func (s *Sim) SetMaxVelocity(ctx context.Context, percent int) error {
	if percent <= 0 || percent > 100 {
		return fmt.Errorf("速度百分比 %d 超出范围: %w", percent, ErrInvalidArgument)
	}
	if err := s.begin(ctx, CapSetMaxVelocity, fmt.Sprint(percent)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.velocity = percent
	return nil
}

func (s *Sim) HardwareStatus(ctx context.Context) (HardwareStatus, error) {
	if err := s.begin(ctx, CapHardwareStatus, ""); err != nil {
		return HardwareStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.NoStatusSlot {
		return HardwareStatus{}, nil
	}
	errs := make([]int, SimStatusSlots)
	if len(s.faults) > 0 {
		errs[SimStatusSlots-1] = s.faults[0]
		s.faults = s.faults[1:]
	}
	return HardwareStatus{HardwareErrors: errs}, nil
}

func (s *Sim) UpdateTool(ctx context.Context) error {
	return s.begin(ctx, CapUpdateTool, "")
}

func (s *Sim) CurrentToolID(ctx context.Context) (types.ToolID, error) {
	if err := s.begin(ctx, CapCurrentToolID, ""); err != nil {
		return 0, err
	}
	return s.opts.ToolID, nil
}

func (s *Sim) Release(ctx context.Context) error {
	if err := s.begin(ctx, CapRelease, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	return nil
}

func (s *Sim) Grasp(ctx context.Context) error {
	if err := s.begin(ctx, CapGrasp, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) SetConveyor(ctx context.Context) (ConveyorID, error) {
	if err := s.begin(ctx, CapSetConveyor, ""); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = true
	return 1, nil
}

func (s *Sim) RunConveyor(ctx context.Context, id ConveyorID, speed int, dir types.ConveyorDirection) error {
	s.mu.Lock()
	if !s.registered || id != 1 {
		s.mu.Unlock()
		return fmt.Errorf("传送带 %d 未注册: %w", id, ErrInvalidArgument)
	}
	if s.running {
		s.violations = append(s.violations, "传送带在运行中被再次启动")
	}
	if s.isBeltPose(s.target) {
		s.violations = append(s.violations, fmt.Sprintf("机械臂位于槽位 %s 时启动传送带", s.target))
	}
	s.running = true
	s.mu.Unlock()

	if err := s.begin(ctx, CapRunConveyor, fmt.Sprintf("%d %s", speed, dir)); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Sim) StopConveyor(ctx context.Context, id ConveyorID) error {
	if err := s.begin(ctx, CapStopConveyor, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *Sim) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(Call{Name: CapEnd})
	s.ended = true
	s.running = false
	return nil
}
