package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/event"
	"piece-feeder/internal/executor"
	"piece-feeder/internal/fsm"
	"piece-feeder/internal/gripper"
	"piece-feeder/internal/motion"
	"piece-feeder/internal/operator"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBeltSpeed 传送带运行速度
	DefaultBeltSpeed = 25
	// DefaultBeltSettle 传送带移动一格所需的时间
	DefaultBeltSettle = 2500 * time.Millisecond
	// DefaultCleanupTimeout 中断后收尾命令 (停止传送带、恢复速度、释放连接) 的最长时间
	DefaultCleanupTimeout = 10 * time.Second
)

var (
	ErrSessionEnded      = errors.New("feeder: session ended")
	ErrInvalidPieceCount = errors.New("feeder: invalid piece count")
	ErrUnknownLane       = errors.New("feeder: unknown board lane")
	ErrBeltEmpty         = errors.New("feeder: no piece staged on the belt")
	ErrBeltAdvanceFailed = errors.New("feeder: background belt advance failed")
	ErrMissingPose       = errors.New("feeder: missing pose")
	ErrNoLanes           = errors.New("feeder: no board lanes configured")
)

// requiredPoses 会话运行必须配置的位姿
var requiredPoses = []types.PoseRole{
	types.PoseHome, types.PosePreMagazine, types.PoseMagazine, types.PoseBeltSlot0, types.PoseBeltSlot1,
}

// Options 会话参数
type Options struct {
	Poses      types.PoseTable      // 固定位姿表
	Lanes      []types.Lane         // 棋盘通道几何，按通道编号索引
	Retry      executor.RetryPolicy // 偶发超时重试策略
	Gripper    gripper.Options      // 夹爪故障恢复参数
	SlowSpeed  int                  // 慢速模式速度百分比，0 表示默认值
	BeltSpeed  int                  // 传送带速度，0 表示默认值
	BeltSettle time.Duration        // 传送带移动一格的等待时间，0 表示默认值
	Cleanup    time.Duration        // 收尾命令的时间上限，0 表示默认值
	Confirmer  operator.Confirmer   // 操作员确认能力
	Bus        *event.Bus           // 遥测事件总线，可以为 nil
	Logger     *slog.Logger         // 结构化日志记录器
}

func (o *Options) applyDefaults() {
	if o.BeltSpeed <= 0 {
		o.BeltSpeed = DefaultBeltSpeed
	}
	if o.BeltSettle <= 0 {
		o.BeltSettle = DefaultBeltSettle
	}
	if o.Cleanup <= 0 {
		o.Cleanup = DefaultCleanupTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Confirmer == nil {
		o.Confirmer = operator.Console{}
	}
}

func (o *Options) validate() error {
	for _, role := range requiredPoses {
		if _, ok := o.Poses.Lookup(role); !ok {
			return fmt.Errorf("%w: %s", ErrMissingPose, role)
		}
	}
	if len(o.Lanes) == 0 {
		return ErrNoLanes
	}
	return nil
}

// Session 一次与机械臂的控制会话
// 独占驱动连接和传送带句柄，EndSession 时释放且只释放一次
type Session struct {
	id       string
	drv      driver.Driver
	exec     *executor.Executor
	motion   *motion.Controller
	gripper  *gripper.Controller
	conveyor driver.ConveyorID
	opts     Options
	logger   *slog.Logger

	// beltLock 保护传送带电机命令和槽位计数，任何时刻只有一个 goroutine 能操作传送带
	beltLock sync.Mutex
	belt     *fsm.Belt
	tasks    taskTracker

	// root 后台传送带任务的生命周期，只在 EndSession 时取消，与单次调用的 ctx 无关
	root       context.Context
	cancelRoot context.CancelFunc

	remaining       atomic.Int64 // 已装载且尚未取走的棋子数
	boardCalibrated atomic.Bool
	magazineReady   atomic.Bool

	ended   atomic.Bool
	endOnce sync.Once
	endErr  error
}

// Initialize 连接机械臂并完成硬件初始化：
// 校准机械臂 -> 识别工具 -> 松开夹爪 -> 注册传送带 -> 回到 home
// 任何一步失败都会先释放驱动连接再返回错误，避免硬件停留在不确定状态
func Initialize(ctx context.Context, dial driver.Dialer, address string, opts Options) (*Session, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	id := util.NewID()
	logger := opts.Logger.With("component", "feeder", "session_id", id)

	drv, err := dial(ctx, address)
	if err != nil {
		logger.Log(ctx, executor.LevelCritical, "机械臂连接失败，请检查地址是否正确", "address", address, "error", err)
		return nil, fmt.Errorf("feeder: connect %s: %w", address, err)
	}

	exec := executor.New(opts.Retry, opts.Bus, id, opts.Logger.With("session_id", id))
	root, cancelRoot := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		drv:     drv,
		exec:    exec,
		motion:  motion.New(drv, exec, opts.Poses, logger),
		gripper: gripper.New(drv, exec, opts.Gripper, opts.Bus, id, logger),
		opts:    opts,
		logger:  logger,
		belt:    fsm.NewBelt(),

		root:       root,
		cancelRoot: cancelRoot,
	}
	s.motion.RestoreTimeout = opts.Cleanup
	s.belt.OnChange(func(from, to fsm.State, e fsm.Event) {
		logger.Info("传送带槽位状态变更", "from", from, "to", to, "event", e)
	})

	if err := s.bringUp(ctx); err != nil {
		logger.Error("初始化失败，正在释放驱动连接", "error", err)
		cancelRoot()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.Cleanup)
		defer cancel()
		if endErr := s.exec.Run(tctx, driver.CapEnd, drv.End); endErr != nil {
			logger.Error("释放驱动连接失败", "error", endErr)
		}
		return nil, err
	}

	s.publish(event.Event{Type: event.SessionStarted})
	logger.Info("会话已就绪", "address", address)
	return s, nil
}

func (s *Session) bringUp(ctx context.Context) error {
	if err := s.exec.Run(ctx, driver.CapCalibrate, s.drv.Calibrate); err != nil {
		return err
	}
	s.logger.Info("机械臂已校准")

	if err := s.exec.Run(ctx, driver.CapUpdateTool, s.drv.UpdateTool); err != nil {
		return err
	}
	toolID, err := executor.Do(ctx, s.exec, driver.CapCurrentToolID, s.drv.CurrentToolID)
	if err != nil {
		return err
	}
	if !toolID.IsGripper() {
		s.logger.Warn("没有检测到夹爪，如果是仿真模式可以忽略", "tool_id", toolID)
	}
	if err := s.gripper.Set(ctx, types.GripperOpen); err != nil {
		return err
	}
	s.logger.Info("夹爪已就绪")

	conveyor, err := executor.Do(ctx, s.exec, driver.CapSetConveyor, s.drv.SetConveyor)
	if err != nil {
		return err
	}
	s.conveyor = conveyor
	s.logger.Info("传送带已就绪", "conveyor_id", conveyor)

	return s.motion.MoveHome(ctx)
}

// EndSession 等待后台传送带任务结束，然后释放驱动连接
// ctx 到期时仍未结束的传送带任务会被取消，并在 Cleanup 时间内停止传送带
// 可以重复调用，驱动连接只会释放一次
func (s *Session) EndSession(ctx context.Context) error {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		if n := s.tasks.Outstanding(); n > 0 {
			s.logger.Info("等待后台传送带任务完成", "tasks", n)
		}
		if err := s.tasks.Wait(ctx); err != nil {
			s.logger.Warn("等待后台传送带任务超时，正在取消", "error", err)
		}
		s.cancelRoot()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Cleanup)
		defer cancel()
		if err := s.tasks.Wait(cctx); err != nil {
			s.logger.Error("后台传送带任务没有停止", "error", err)
		}
		s.endErr = s.exec.Run(cctx, driver.CapEnd, s.drv.End)
		s.publish(event.Event{Type: event.SessionEnded, Error: s.endErr})
		s.logger.Info("会话已结束", "error", s.endErr)
	})
	return s.endErr
}

// ID 会话 ID
func (s *Session) ID() string { return s.id }

// Remaining 已装载且尚未取走的棋子数
func (s *Session) Remaining() int { return int(s.remaining.Load()) }

// Staged 传送带取料槽中的棋子数 (0..2)
func (s *Session) Staged() int { return s.belt.Staged() }

// BoardCalibrated 棋盘投放位置是否已确认
func (s *Session) BoardCalibrated() bool { return s.boardCalibrated.Load() }

// MagazineReady 料仓是否已就位
func (s *Session) MagazineReady() bool { return s.magazineReady.Load() }

// PendingBeltTasks 尚未完成的后台传送带任务数
func (s *Session) PendingBeltTasks() int { return s.tasks.Outstanding() }

// State 当前会话状态快照
func (s *Session) State() types.SessionState {
	return types.SessionState{
		Remaining:       s.Remaining(),
		Staged:          s.Staged(),
		BoardCalibrated: s.BoardCalibrated(),
		MagazineReady:   s.MagazineReady(),
	}
}

func (s *Session) checkUsable() error {
	if s.ended.Load() {
		return ErrSessionEnded
	}
	return nil
}

// publish 发布事件并附带当前状态快照
func (s *Session) publish(e event.Event) {
	state := s.State()
	e.SessionID = s.id
	e.State = &state
	s.opts.Bus.Publish(e)
}
