package config

import (
	"errors"
	"fmt"
	"piece-feeder/internal/types"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	Robot   RobotConfig                   `mapstructure:"robot"`   // 机械臂驱动桥的连接参数
	Retry   RetryConfig                   `mapstructure:"retry"`   // 偶发超时重试策略
	Gripper GripperConfig                 `mapstructure:"gripper"` // 夹爪故障恢复参数
	Motion  MotionConfig                  `mapstructure:"motion"`  // 运动参数
	Belt    BeltConfig                    `mapstructure:"belt"`    // 传送带参数
	Poses   map[types.PoseRole]types.Pose `mapstructure:"poses"`   // 固定位姿表
	Lanes   []types.Lane                  `mapstructure:"lanes"`   // 棋盘通道几何，按通道编号排列
	Journal JournalConfig                 `mapstructure:"journal"` // 事件审计日志
	Server  ServerConfig                  `mapstructure:"server"`  // 状态页和指标服务
	Routine RoutineConfig                 `mapstructure:"routine"` // 例行流程
	Sim     SimConfig                     `mapstructure:"sim"`     // 仿真驱动服务 (arm-sim)
}

type RobotConfig struct {
	Address        string        `mapstructure:"address"`         // 驱动桥地址，例如 http://10.10.10.10:9090
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // 单条驱动命令的传输超时
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"` // 中断后停止传送带、恢复速度、释放连接的时间上限
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"` // 0 表示一直重试直到操作员中断
	Backoff     time.Duration `mapstructure:"backoff"`
}

type GripperConfig struct {
	StatusIndex int `mapstructure:"status_index"` // 工具错误码在硬件状态向量中的位置
	MaxResets   int `mapstructure:"max_resets"`   // 0 表示不限
}

type MotionConfig struct {
	SlowSpeed int `mapstructure:"slow_speed"` // 慢速模式的速度百分比
}

type BeltConfig struct {
	Speed  int           `mapstructure:"speed"`
	Settle time.Duration `mapstructure:"settle"` // 传送带移动一格的时间
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"` // 为空时不启动状态服务
}

type RoutineConfig struct {
	Pieces      int                 `mapstructure:"pieces"`       // load 步骤默认装载的棋子数
	AutoConfirm bool                `mapstructure:"auto_confirm"` // 为 true 时不等待操作员确认 (仿真演示)
	Steps       []types.RoutineStep `mapstructure:"steps"`
}

type SimConfig struct {
	Listen       string        `mapstructure:"listen"`
	TimeoutRate  float64       `mapstructure:"timeout_rate"` // 随机注入偶发超时的概率
	Delay        time.Duration `mapstructure:"delay"`        // 每条命令的模拟耗时
	NoStatusSlot bool          `mapstructure:"no_status_slot"`
	ToolID       int           `mapstructure:"tool_id"`
}

// flagKeys 命令行参数到配置项的映射
var flagKeys = map[string]string{
	"address":      "robot.address",
	"pieces":       "routine.pieces",
	"listen":       "server.listen",
	"auto-confirm": "routine.auto_confirm",
	"sim-listen":   "sim.listen",
	"timeout-rate": "sim.timeout_rate",
}

// FeederFlags 操作进程 (cmd/feeder) 的命令行参数
func FeederFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("feeder", pflag.ContinueOnError)
	fs.String("config", "", "配置文件路径 (默认在当前目录查找 config.yaml)")
	fs.String("address", "", "机械臂驱动桥地址")
	fs.Int("pieces", 0, "load 步骤默认装载的棋子数")
	fs.String("listen", "", "状态页和指标服务监听地址")
	fs.Bool("auto-confirm", false, "不等待操作员确认")
	return fs
}

// SimFlags 仿真驱动服务 (cmd/arm-sim) 的命令行参数
func SimFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("arm-sim", pflag.ContinueOnError)
	fs.String("config", "", "配置文件路径 (默认在当前目录查找 config.yaml)")
	fs.String("sim-listen", "", "仿真服务监听地址")
	fs.Float64("timeout-rate", 0, "随机注入偶发超时的概率 (0..1)")
	return fs
}

// Load 解析命令行参数并加载配置
// 优先级: 命令行参数 > 配置文件 > 默认值；找不到配置文件时只使用默认值
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	fs.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = v.BindPFlag(key, f)
		}
	})

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置中明显的错误
func (c *Config) Validate() error {
	if c.Routine.Pieces < 0 {
		return fmt.Errorf("routine.pieces 不能为负数: %d", c.Routine.Pieces)
	}
	if c.Gripper.StatusIndex < 0 {
		return fmt.Errorf("gripper.status_index 不能为负数: %d", c.Gripper.StatusIndex)
	}
	if c.Motion.SlowSpeed < 0 || c.Motion.SlowSpeed > 100 {
		return fmt.Errorf("motion.slow_speed 超出范围 1..100: %d", c.Motion.SlowSpeed)
	}
	if c.Sim.TimeoutRate < 0 || c.Sim.TimeoutRate > 1 {
		return fmt.Errorf("sim.timeout_rate 超出范围 0..1: %g", c.Sim.TimeoutRate)
	}
	return nil
}

// PoseTable 返回位姿表
func (c *Config) PoseTable() types.PoseTable {
	return types.PoseTable(c.Poses)
}

func poseMap(p types.Pose) map[string]interface{} {
	return map[string]interface{}{
		"x": p.X, "y": p.Y, "z": p.Z,
		"roll": p.Roll, "pitch": p.Pitch, "yaw": p.Yaw,
	}
}

// setDefaults 设置默认值，位姿为实验台上标定过的位置
func setDefaults(v *viper.Viper) {
	v.SetDefault("robot.address", "http://127.0.0.1:9090")
	v.SetDefault("robot.request_timeout", 5*time.Second)
	v.SetDefault("robot.cleanup_timeout", 10*time.Second)

	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.backoff", 200*time.Millisecond)

	v.SetDefault("gripper.status_index", 7)
	v.SetDefault("gripper.max_resets", 0)

	v.SetDefault("motion.slow_speed", 30)

	v.SetDefault("belt.speed", 25)
	v.SetDefault("belt.settle", 2500*time.Millisecond)

	v.SetDefault("poses", map[string]interface{}{
		string(types.PoseHome):        poseMap(types.Pose{X: 0.14, Y: 0, Z: 0.203, Roll: 0, Pitch: 0.759, Yaw: 0}),
		string(types.PosePreMagazine): poseMap(types.Pose{X: 0.107, Y: -0.248, Z: 0.21, Roll: -2.947, Pitch: 1.242, Yaw: -2.934}),
		string(types.PoseMagazine):    poseMap(types.Pose{X: 0.091, Y: -0.254, Z: 0.161, Roll: 3.125, Pitch: 1.186, Yaw: 3.1}),
		string(types.PoseBeltSlot0):   poseMap(types.Pose{X: 0.125, Y: 0, Z: 0.152, Roll: 0, Pitch: 1.55, Yaw: 0}),
		string(types.PoseBeltSlot1):   poseMap(types.Pose{X: 0.186, Y: 0, Z: 0.15, Roll: 0, Pitch: 1.55, Yaw: 0}),
	})
	v.SetDefault("lanes", []interface{}{
		map[string]interface{}{
			"approach": poseMap(types.Pose{X: 0.168, Y: 0.314, Z: 0.223, Roll: -0.06, Pitch: -0.016, Yaw: 1.551}),
			"drop":     poseMap(types.Pose{X: 0.164, Y: 0.316, Z: 0.208, Roll: 0.063, Pitch: -0.006, Yaw: 1.546}),
		},
	})

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "logs/feeder.jsonl")

	v.SetDefault("server.listen", ":8080")

	v.SetDefault("routine.pieces", 4)
	v.SetDefault("routine.auto_confirm", false)
	v.SetDefault("routine.steps", []interface{}{
		map[string]interface{}{"name": "setup", "action": string(types.ActionLoad)},
		map[string]interface{}{"name": "empty", "action": string(types.ActionDispense), "lane": 0, "loop": true, "rule": "remaining > 0"},
	})

	v.SetDefault("sim.listen", ":9090")
	v.SetDefault("sim.timeout_rate", 0.0)
	v.SetDefault("sim.delay", 50*time.Millisecond)
	v.SetDefault("sim.no_status_slot", false)
	v.SetDefault("sim.tool_id", int(types.ToolGripper1))
}
