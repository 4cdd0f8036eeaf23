package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"piece-feeder/internal/config"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/executor"
	"piece-feeder/internal/types"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

// simCallHistory 仿真服务保留的调用记录条数
const simCallHistory = 1000

// main 是仿真驱动服务的入口
// 在没有真实机械臂时提供与驱动桥相同的 HTTP 接口，可以注入偶发超时
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{ReplaceAttr: executor.ReplaceLevel})).With("service", "arm-sim")
	slog.SetDefault(logger)

	cfg, err := config.Load(config.SimFlags(), os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	poses := cfg.PoseTable()
	sim := driver.NewSim(driver.SimOptions{
		ToolID:       types.ToolID(cfg.Sim.ToolID),
		Delay:        cfg.Sim.Delay,
		TimeoutRate:  cfg.Sim.TimeoutRate,
		NoStatusSlot: cfg.Sim.NoStatusSlot,
		BeltPoses:    []types.Pose{poses[types.PoseBeltSlot0], poses[types.PoseBeltSlot1]},
		MaxCalls:     simCallHistory,
	})

	srv := &http.Server{
		Addr:              cfg.Sim.Listen,
		Handler:           driver.NewHandler(sim, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("=== 仿真机械臂服务启动 ===", "listen", cfg.Sim.Listen, "timeout_rate", cfg.Sim.TimeoutRate)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	// 仿真器检测到的传送带互斥冲突说明控制核心有缺陷
	if v := sim.Violations(); len(v) > 0 {
		logger.Error("检测到传送带互斥冲突", "violations", v)
	}
	logger.Info("仿真服务已退出", "calls", sim.TotalCalls())
}
