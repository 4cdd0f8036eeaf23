package handlers

import (
	"log/slog"
	"piece-feeder/internal/event"
	"piece-feeder/internal/metrics"
	"piece-feeder/internal/persistence"
	"piece-feeder/internal/web"
)

// stateEvents 携带会话状态快照的事件
var stateEvents = []event.EventType{
	event.SessionStarted, event.SessionEnded,
	event.MagazineReady, event.BoardCalibrated,
	event.PieceLoaded, event.PieceGrabbed, event.PieceDropped,
	event.BeltAdvanced, event.BeltAdvanceError,
}

// allEvents 写入日志文件的事件
var allEvents = append([]event.EventType{event.ActionRetried, event.GripperReset}, stateEvents...)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的关注点（监控、状态页、审计日志）与控制流程解耦
// st 和 journal 可以为 nil
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, journal *persistence.Journal, logger *slog.Logger) {
	logger = logger.With("component", "handlers")

	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(func(e event.Event) {
		metrics.ActionRetriesTotal.WithLabelValues(e.Action).Inc()
	}, event.ActionRetried)
	bus.Subscribe(func(e event.Event) {
		metrics.GripperResetsTotal.Inc()
	}, event.GripperReset)
	bus.Subscribe(func(e event.Event) {
		metrics.BeltAdvancesTotal.WithLabelValues(string(e.Direction), "success").Inc()
		metrics.BeltAdvanceDuration.Observe(e.Duration.Seconds())
	}, event.BeltAdvanced)
	bus.Subscribe(func(e event.Event) {
		metrics.BeltAdvancesTotal.WithLabelValues(string(e.Direction), "failed").Inc()
	}, event.BeltAdvanceError)
	bus.Subscribe(func(e event.Event) {
		metrics.PiecesTotal.WithLabelValues("loaded").Inc()
	}, event.PieceLoaded)
	bus.Subscribe(func(e event.Event) {
		metrics.PiecesTotal.WithLabelValues("grabbed").Inc()
	}, event.PieceGrabbed)
	bus.Subscribe(func(e event.Event) {
		metrics.PiecesTotal.WithLabelValues("dropped").Inc()
	}, event.PieceDropped)

	// --- 状态处理器 (State Handler) ---
	// 仪表盘和状态页都只接受比已记录序号更新的快照，避免异步处理乱序
	gauges := web.NewStateTracker(nil)
	bus.Subscribe(func(e event.Event) {
		if gauges.Apply(e) {
			snapshot := gauges.Snapshot().State
			metrics.PiecesRemaining.Set(float64(snapshot.Remaining))
			metrics.PiecesStaged.Set(float64(snapshot.Staged))
		}
	}, stateEvents...)
	if st != nil {
		bus.Subscribe(func(e event.Event) {
			st.Apply(e)
		}, stateEvents...)
	}

	// --- 审计日志处理器 (Journal Handler) ---
	if journal != nil {
		bus.Subscribe(func(e event.Event) {
			if err := journal.Append(persistence.NewEntry(e)); err != nil {
				logger.Error("写入事件日志失败", "event", e.Type, "seq", e.Seq, "error", err)
			}
		}, allEvents...)
	}

	// --- 日志处理器 (Logging Handler) ---
	bus.Subscribe(func(e event.Event) {
		logger.Error("后台传送带任务失败，请检查传送带后重新开始", "session_id", e.SessionID, "direction", e.Direction, "error", e.Error)
	}, event.BeltAdvanceError)
	bus.Subscribe(func(e event.Event) {
		logger.Info("会话状态", "event", e.Type, "session_id", e.SessionID, "state", e.State)
	}, event.SessionStarted, event.SessionEnded)
}
