package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// ActionRetriesTotal 计数器：因偶发超时而重试的驱动命令次数
	// 按驱动能力名称分类，用于观察传输层的健康状况
	ActionRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feeder_action_retries_total",
		Help: "Driver commands retried after a transient transport timeout",
	}, []string{"action"})

	// GripperResetsTotal 计数器：夹爪故障后的工具重新初始化次数
	GripperResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feeder_gripper_resets_total",
		Help: "Tool re-initializations issued while the gripper reported a hardware fault",
	})

	// BeltAdvancesTotal 计数器：传送带移动次数，按方向和结果分类
	BeltAdvancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feeder_belt_advances_total",
		Help: "Belt advances by direction and result",
	}, []string{"direction", "status"})

	// BeltAdvanceDuration 直方图：一次传送带移动 (启动、等待到位、停止) 的耗时分布
	BeltAdvanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feeder_belt_advance_duration_seconds",
		Help:    "Time spent running one belt advance, from start to stop",
		Buckets: prometheus.DefBuckets,
	})

	// PiecesTotal 计数器：棋子流转次数 (loaded/grabbed/dropped)
	PiecesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feeder_pieces_total",
		Help: "Pieces moved by operation",
	}, []string{"op"})

	// PiecesRemaining 仪表盘：已装载且尚未取走的棋子数
	PiecesRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feeder_pieces_remaining",
		Help: "Pieces loaded into the feeder and not yet grabbed",
	})

	// PiecesStaged 仪表盘：传送带取料槽中的棋子数 (0..2)
	PiecesStaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feeder_pieces_staged",
		Help: "Pieces sitting in the two belt pickup slots",
	})
)
