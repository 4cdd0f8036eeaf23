package types

import "fmt"

// Pose 机械臂的目标位姿：空间坐标 (米) + 姿态角 (弧度)
// 位姿是配置常量，运行时不会被修改
type Pose struct {
	X     float64 `mapstructure:"x" json:"x"`
	Y     float64 `mapstructure:"y" json:"y"`
	Z     float64 `mapstructure:"z" json:"z"`
	Roll  float64 `mapstructure:"roll" json:"roll"`
	Pitch float64 `mapstructure:"pitch" json:"pitch"`
	Yaw   float64 `mapstructure:"yaw" json:"yaw"`
}

func (p Pose) String() string {
	return fmt.Sprintf("x=%g, y=%g, z=%g, roll=%g, pitch=%g, yaw=%g", p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
}

// PoseRole 定义位姿的符号角色
// 使用字符串类型，方便在日志和配置中直接使用
type PoseRole string

const (
	PoseHome        PoseRole = "home"         // 空闲时的停靠位姿
	PosePreMagazine PoseRole = "pre_magazine" // 料仓上方的预备位姿
	PoseMagazine    PoseRole = "magazine"     // 料仓取料位姿
	PoseBeltSlot0   PoseRole = "belt_slot_0"  // 传送带 0 号槽 (靠近机械臂一侧)
	PoseBeltSlot1   PoseRole = "belt_slot_1"  // 传送带 1 号槽 (远端)
)

// PoseTable 角色到位姿的只读映射
type PoseTable map[PoseRole]Pose

// Lookup 查找指定角色的位姿
func (t PoseTable) Lookup(role PoseRole) (Pose, bool) {
	p, ok := t[role]
	return p, ok
}

// SlotRole 返回传送带槽位对应的位姿角色
func SlotRole(slot int) PoseRole {
	if slot == 0 {
		return PoseBeltSlot0
	}
	return PoseBeltSlot1
}

// Lane 棋盘上一条投放通道的几何信息
// 编号从 0 开始，0 为机械臂视角最右侧的通道
type Lane struct {
	Approach Pose `mapstructure:"approach" json:"approach"` // 通道上方的接近位姿
	Drop     Pose `mapstructure:"drop" json:"drop"`         // 实际松开夹爪的投放位姿
}

// GripperAction 夹爪动作
type GripperAction int

const (
	GripperOpen  GripperAction = iota // 松开 (release)
	GripperClose                      // 夹紧 (grasp)
)

func (a GripperAction) String() string {
	if a == GripperOpen {
		return "OPEN"
	}
	return "CLOSE"
}

// ConveyorDirection 传送带运动方向
type ConveyorDirection string

const (
	ConveyorForward  ConveyorDirection = "FORWARD"  // 把下一对棋子送到机械臂一侧
	ConveyorBackward ConveyorDirection = "BACKWARD" // 把已放满的一对棋子移离机械臂
)

// ToolID 末端工具编号
type ToolID int

// 已知的夹爪工具编号，其他编号视为仿真模式或未安装夹爪
const (
	ToolGripper1 ToolID = 11
	ToolGripper2 ToolID = 12
	ToolGripper3 ToolID = 13
	ToolGripper4 ToolID = 14
)

// IsGripper 判断工具编号是否为已知夹爪
func (id ToolID) IsGripper() bool {
	switch id {
	case ToolGripper1, ToolGripper2, ToolGripper3, ToolGripper4:
		return true
	}
	return false
}

// SessionState 会话状态的只读快照，用于日志、事件和前端展示
type SessionState struct {
	Remaining       int  `json:"remaining"`        // 已装载且尚未被取走的棋子数
	Staged          int  `json:"staged"`           // 当前位于传送带两个取料槽内的棋子数 (0..2)
	BoardCalibrated bool `json:"board_calibrated"` // 棋盘投放位置是否已确认
	MagazineReady   bool `json:"magazine_ready"`   // 料仓是否已就位
}

// RoutineAction 例行流程中一个步骤的动作
type RoutineAction string

const (
	ActionLoad     RoutineAction = "load"     // 从料仓装载棋子
	ActionGrab     RoutineAction = "grab"     // 从传送带取一枚棋子
	ActionDrop     RoutineAction = "drop"     // 把夹爪中的棋子投入棋盘通道
	ActionDispense RoutineAction = "dispense" // grab + drop
)

// RoutineStep 定义了例行流程中的一个步骤
type RoutineStep struct {
	Name          string        `mapstructure:"name"`           // 步骤名称，只用于日志
	Action        RoutineAction `mapstructure:"action"`         // 动作
	Pieces        int           `mapstructure:"pieces"`         // load 的目标棋子数，0 表示使用命令行参数
	Lane          int           `mapstructure:"lane"`           // drop/dispense 的通道编号
	Rule          string        `mapstructure:"rule"`           // 执行条件表达式，为空表示总是执行
	Loop          bool          `mapstructure:"loop"`           // 为 true 时只要条件成立就重复执行
	MaxIterations int           `mapstructure:"max_iterations"` // 循环次数上限，0 表示不限
}
