package motion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/executor"
	"piece-feeder/internal/types"
	"testing"
	"time"
)

var testPoses = types.PoseTable{
	types.PoseHome:     {X: 0.14, Z: 0.203, Pitch: 0.759},
	types.PoseMagazine: {X: 0.091, Y: -0.254, Z: 0.161},
}

func newTestController(sim *driver.Sim) (*Controller, *executor.Executor) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(executor.RetryPolicy{}, nil, "test", logger)
	return New(sim, exec, testPoses, logger), exec
}

func TestMoveHome(t *testing.T) {
	sim := driver.NewSim(driver.SimOptions{})
	c, _ := newTestController(sim)

	if err := c.MoveHome(context.Background()); err != nil {
		t.Fatalf("MoveHome 失败: %v", err)
	}
	calls := sim.Calls()
	if len(calls) != 1 || calls[0].Name != driver.CapMoveToPose || calls[0].Arg != testPoses[types.PoseHome].String() {
		t.Errorf("预期一次移动到 home, 得到 %+v", calls)
	}
}

func TestMoveToRole_Unknown(t *testing.T) {
	sim := driver.NewSim(driver.SimOptions{})
	c, _ := newTestController(sim)

	if err := c.MoveToRole(context.Background(), types.PoseBeltSlot1); !errors.Is(err, ErrUnknownPose) {
		t.Fatalf("预期 ErrUnknownPose, 得到 %v", err)
	}
	if len(sim.Calls()) != 0 {
		t.Error("未知位姿不应下发驱动命令")
	}
}

func TestWithSlowMode_RestoresOnSuccess(t *testing.T) {
	sim := driver.NewSim(driver.SimOptions{})
	c, _ := newTestController(sim)

	var inside int
	err := c.WithSlowMode(context.Background(), 0, func() error {
		inside = sim.Velocity()
		return c.MoveToRole(context.Background(), types.PoseMagazine)
	})
	if err != nil {
		t.Fatal(err)
	}
	if inside != DefaultSlowSpeed {
		t.Errorf("慢速模式内速度为 %d, 预期 %d", inside, DefaultSlowSpeed)
	}
	if v := sim.Velocity(); v != FullSpeed {
		t.Errorf("退出后速度为 %d, 预期 %d", v, FullSpeed)
	}
}

func TestWithSlowMode_RestoresOnContractFault(t *testing.T) {
	tests := []struct {
		name string
		fn   func(c *Controller, exec *executor.Executor) error
		want error
	}{
		{
			name: "nil action",
			fn: func(c *Controller, exec *executor.Executor) error {
				return exec.Run(context.Background(), "", nil)
			},
			want: executor.ErrNilAction,
		},
		{
			name: "invalid argument from driver",
			fn: func(c *Controller, exec *executor.Executor) error {
				return c.MoveToRole(context.Background(), types.PoseMagazine)
			},
			want: driver.ErrInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := driver.NewSim(driver.SimOptions{
				Failures: map[string]error{driver.CapMoveToPose: fmt.Errorf("pose out of reach: %w", driver.ErrInvalidArgument)},
			})
			c, exec := newTestController(sim)

			err := c.WithSlowMode(context.Background(), 20, func() error { return tt.fn(c, exec) })
			if !errors.Is(err, tt.want) {
				t.Fatalf("预期 %v, 得到 %v", tt.want, err)
			}
			if v := sim.Velocity(); v != FullSpeed {
				t.Errorf("出错后速度为 %d, 预期恢复到 %d", v, FullSpeed)
			}
		})
	}
}

func TestWithSlowMode_RestoresOnPanic(t *testing.T) {
	sim := driver.NewSim(driver.SimOptions{})
	c, _ := newTestController(sim)

	func() {
		defer func() { _ = recover() }()
		_ = c.WithSlowMode(context.Background(), 10, func() error { panic("boom") })
	}()
	if v := sim.Velocity(); v != FullSpeed {
		t.Errorf("panic 后速度为 %d, 预期 %d", v, FullSpeed)
	}
}

func TestSlowGuard_ReleaseAfterCancel(t *testing.T) {
	sim := driver.NewSim(driver.SimOptions{})
	c, _ := newTestController(sim)

	ctx, cancel := context.WithCancel(context.Background())
	guard, err := c.SlowMode(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := guard.Release(ctx); err != nil {
		t.Fatalf("取消后仍应恢复速度: %v", err)
	}
	if err := guard.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if v := sim.Velocity(); v != FullSpeed {
		t.Errorf("速度为 %d, 预期 %d", v, FullSpeed)
	}
	if n := sim.CountCalls(driver.CapSetMaxVelocity); n != 2 {
		t.Errorf("重复 Release 只应下发一次, 共 %d 次速度命令", n)
	}
}

func TestWithSlowMode_RestoreIsBoundedAfterInterrupt(t *testing.T) {
	sim := driver.NewSim(driver.SimOptions{})
	c, _ := newTestController(sim)
	c.RestoreTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.WithSlowMode(ctx, 30, func() error {
			// 驱动桥挂起：之后的速度命令一直超时
			sim.InjectTimeouts(driver.CapSetMaxVelocity, 1<<30)
			cancel()
			return ctx.Err()
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("应返回中断错误, 得到 %v", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("恢复速度超时应合并到返回的错误中, 得到 %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("中断 2s 后 WithSlowMode 仍未返回, 速度命令已下发 %d 次", sim.CountCalls(driver.CapSetMaxVelocity))
	}
}
