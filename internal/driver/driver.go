package driver

import (
	"context"
	"errors"
	"piece-feeder/internal/types"
)

var (
	// ErrTransientTimeout 传输层的偶发超时，命令本身可能已执行成功，重试是安全的
	ErrTransientTimeout = errors.New("transient timeout")
	// ErrInvalidArgument 调用方传入了非法参数，属于编程错误，不可重试
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStatusUnavailable 驱动未提供硬件状态 (仿真模式)
	ErrStatusUnavailable = errors.New("hardware status unavailable")
)

// ConveyorID 注册传送带后得到的句柄
type ConveyorID int

// HardwareStatus 机械臂硬件状态
// HardwareErrors 按电机/工具索引存放错误码，仿真环境下可能为空
type HardwareStatus struct {
	HardwareErrors []int `json:"hardware_errors"`
}

// Arm 机械臂能力接口
type Arm interface {
	Calibrate(ctx context.Context) error
	MoveToPose(ctx context.Context, pose types.Pose) error
	SetMaxVelocity(ctx context.Context, percent int) error
	HardwareStatus(ctx context.Context) (HardwareStatus, error)
}

// Tool 末端工具 (夹爪) 能力接口
type Tool interface {
	UpdateTool(ctx context.Context) error
	CurrentToolID(ctx context.Context) (types.ToolID, error)
	Release(ctx context.Context) error
	Grasp(ctx context.Context) error
}

// Conveyor 传送带能力接口
type Conveyor interface {
	SetConveyor(ctx context.Context) (ConveyorID, error)
	RunConveyor(ctx context.Context, id ConveyorID, speed int, dir types.ConveyorDirection) error
	StopConveyor(ctx context.Context, id ConveyorID) error
}

// Driver 组合了控制核心需要的全部驱动能力
// End 释放与驱动之间的连接，会话结束时必须调用
type Driver interface {
	Arm
	Tool
	Conveyor
	End(ctx context.Context) error
}

// Dialer 根据地址建立驱动连接
type Dialer func(ctx context.Context, address string) (Driver, error)
