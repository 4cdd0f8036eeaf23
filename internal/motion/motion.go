package motion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/executor"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
	"sync"
	"time"
)

const (
	// DefaultSlowSpeed 精细动作 (取料、棋盘校准) 时的最大速度百分比
	DefaultSlowSpeed = 30
	// FullSpeed 正常运行时的最大速度百分比
	FullSpeed = 100
	// DefaultRestoreTimeout 中断后恢复全速的最长时间
	DefaultRestoreTimeout = 10 * time.Second
)

// ErrUnknownPose 位姿表中没有这个角色
var ErrUnknownPose = errors.New("motion: unknown pose role")

// Arm 运动控制需要的驱动能力
type Arm interface {
	MoveToPose(ctx context.Context, pose types.Pose) error
	SetMaxVelocity(ctx context.Context, percent int) error
}

// Controller 运动控制器，所有移动都经过执行器下发
type Controller struct {
	arm    Arm
	exec   *executor.Executor
	poses  types.PoseTable
	logger *slog.Logger

	// RestoreTimeout 恢复全速的时间上限，调用方的 ctx 已取消时同样生效
	RestoreTimeout time.Duration
}

// New 创建一个新的运动控制器
func New(arm Arm, exec *executor.Executor, poses types.PoseTable, logger *slog.Logger) *Controller {
	return &Controller{
		arm:    arm,
		exec:   exec,
		poses:  poses,
		logger: logger.With("component", "motion"),

		RestoreTimeout: DefaultRestoreTimeout,
	}
}

// MoveTo 移动到指定位姿
func (c *Controller) MoveTo(ctx context.Context, pose types.Pose) error {
	err := c.exec.Run(ctx, driver.CapMoveToPose, func(ctx context.Context) error {
		return c.arm.MoveToPose(ctx, pose)
	})
	if err != nil {
		return err
	}
	util.Logger(ctx, c.logger).Info("已移动到位姿", "pose", pose.String())
	return nil
}

// MoveToRole 移动到位姿表中的某个角色
func (c *Controller) MoveToRole(ctx context.Context, role types.PoseRole) error {
	pose, ok := c.poses.Lookup(role)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPose, role)
	}
	return c.MoveTo(ctx, pose)
}

// MoveHome 回到空闲停靠位姿
func (c *Controller) MoveHome(ctx context.Context) error {
	if err := c.MoveToRole(ctx, types.PoseHome); err != nil {
		return err
	}
	util.Logger(ctx, c.logger).Info("已回到 home 位姿")
	return nil
}

// SlowGuard 慢速模式的守卫对象，Release 恢复全速
type SlowGuard struct {
	c    *Controller
	once sync.Once
	err  error
}

// SlowMode 把机械臂最大速度降到 speed (0 表示 DefaultSlowSpeed)
// 调用方必须在所有退出路径上调用 Release，一般配合 defer 使用
func (c *Controller) SlowMode(ctx context.Context, speed int) (*SlowGuard, error) {
	if speed <= 0 {
		speed = DefaultSlowSpeed
	}
	if err := c.setVelocity(ctx, speed); err != nil {
		return nil, err
	}
	util.Logger(ctx, c.logger).Info("进入慢速模式", "speed", speed)
	return &SlowGuard{c: c}, nil
}

// Release 恢复全速，可以重复调用，只会下发一次
// 即使 ctx 已被取消 (例如操作员中断) 也会尝试恢复速度，最多等待 RestoreTimeout
func (g *SlowGuard) Release(ctx context.Context) error {
	g.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.c.RestoreTimeout)
		defer cancel()
		g.err = g.c.setVelocity(ctx, FullSpeed)
		if g.err == nil {
			util.Logger(ctx, g.c.logger).Info("退出慢速模式")
		}
	})
	return g.err
}

// WithSlowMode 在慢速模式下执行 fn，无论 fn 正常返回、出错还是 panic 都会恢复全速
func (c *Controller) WithSlowMode(ctx context.Context, speed int, fn func() error) (err error) {
	guard, err := c.SlowMode(ctx, speed)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := guard.Release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn()
}

func (c *Controller) setVelocity(ctx context.Context, percent int) error {
	return c.exec.Run(ctx, driver.CapSetMaxVelocity, func(ctx context.Context) error {
		return c.arm.SetMaxVelocity(ctx, percent)
	})
}
