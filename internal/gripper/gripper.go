package gripper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/event"
	"piece-feeder/internal/executor"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
)

// DefaultStatusIndex 硬件错误码向量中工具 (夹爪) 对应的位置
const DefaultStatusIndex = 7

// ErrGripperFault 夹爪故障在允许的重置次数内没有恢复
var ErrGripperFault = errors.New("gripper: fault did not clear")

// Driver 夹爪控制需要的驱动能力：读硬件状态 + 工具操作
type Driver interface {
	HardwareStatus(ctx context.Context) (driver.HardwareStatus, error)
	UpdateTool(ctx context.Context) error
	Release(ctx context.Context) error
	Grasp(ctx context.Context) error
}

// Options 夹爪控制参数
type Options struct {
	StatusIndex *int // 工具错误码的索引，nil 表示使用 DefaultStatusIndex
	MaxResets   int  // 单次动作前最多重置工具的次数，0 表示不限次数
}

// Controller 夹爪控制器
// 每次开合前先检查工具错误码，有故障时反复重新初始化工具直到故障清除
type Controller struct {
	drv       Driver
	exec      *executor.Executor
	opts      Options
	index     int // 生效的工具错误码索引
	bus       *event.Bus
	sessionID string
	logger    *slog.Logger
}

// New 创建一个新的夹爪控制器
func New(drv Driver, exec *executor.Executor, opts Options, bus *event.Bus, sessionID string, logger *slog.Logger) *Controller {
	index := DefaultStatusIndex
	if opts.StatusIndex != nil {
		index = *opts.StatusIndex
	}
	return &Controller{
		drv:       drv,
		exec:      exec,
		opts:      opts,
		index:     index,
		bus:       bus,
		sessionID: sessionID,
		logger:    logger.With("component", "gripper"),
	}
}

// Set 执行夹爪动作 (OPEN 松开 / CLOSE 夹紧)
func (c *Controller) Set(ctx context.Context, action types.GripperAction) error {
	if err := c.clearFault(ctx); err != nil {
		return err
	}
	if action == types.GripperOpen {
		return c.exec.Run(ctx, driver.CapRelease, c.drv.Release)
	}
	return c.exec.Run(ctx, driver.CapGrasp, c.drv.Grasp)
}

// clearFault 读取工具错误码，非零时重新初始化工具并再次读取，直到错误码清零
func (c *Controller) clearFault(ctx context.Context) error {
	logger := util.Logger(ctx, c.logger)

	code, ok, err := c.readToolStatus(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("驱动没有提供工具状态 (仿真模式)，跳过硬件状态检查")
		return nil
	}

	for resets := 0; code != 0; resets++ {
		if c.opts.MaxResets > 0 && resets >= c.opts.MaxResets {
			logger.Error("夹爪故障无法清除", "code", code, "resets", resets)
			return fmt.Errorf("%w: code %d after %d resets", ErrGripperFault, code, resets)
		}
		logger.Warn("夹爪过热或出现故障，正在重新初始化工具", "code", code, "reset", resets+1)
		if err := c.exec.Run(ctx, driver.CapUpdateTool, c.drv.UpdateTool); err != nil {
			return err
		}
		c.bus.Publish(event.Event{Type: event.GripperReset, SessionID: c.sessionID})

		if code, _, err = c.readToolStatus(ctx); err != nil {
			return err
		}
	}
	return nil
}

// readToolStatus 返回工具错误码；ok 为 false 表示驱动没有这个状态位
func (c *Controller) readToolStatus(ctx context.Context) (code int, ok bool, err error) {
	status, err := executor.Do(ctx, c.exec, driver.CapHardwareStatus, c.drv.HardwareStatus)
	if errors.Is(err, driver.ErrStatusUnavailable) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if c.index < 0 || c.index >= len(status.HardwareErrors) {
		return 0, false, nil
	}
	return status.HardwareErrors[c.index], true, nil
}
