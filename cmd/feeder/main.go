package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"piece-feeder/internal/config"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/engine"
	"piece-feeder/internal/event"
	"piece-feeder/internal/executor"
	"piece-feeder/internal/feeder"
	"piece-feeder/internal/gripper"
	"piece-feeder/internal/handlers"
	"piece-feeder/internal/operator"
	"piece-feeder/internal/persistence"
	"piece-feeder/internal/web"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

const (
	// exitInterrupted 操作员中断时的退出码 (128 + SIGINT)
	exitInterrupted = 130
	// shutdownTimeout 结束会话 (等待传送带、释放连接) 的最长时间
	shutdownTimeout = 30 * time.Second
)

// main 是应用程序的主入口
func main() {
	os.Exit(run())
}

func run() int {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{ReplaceAttr: executor.ReplaceLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(config.FeederFlags(), os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		logger.Error("加载配置失败", "error", err)
		return 1
	}

	runner, err := engine.NewRunner(cfg.Routine.Steps, cfg.Routine.Pieces, logger)
	if err != nil {
		logger.Error("例行流程配置错误", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := web.NewHub(logger)
	go hub.Run(ctx)
	stateTracker := web.NewStateTracker(hub)
	eventBus := event.NewBus()

	var journal *persistence.Journal
	if cfg.Journal.Enabled {
		journal, err = persistence.OpenJournal(cfg.Journal.Path)
		if err != nil {
			logger.Error("无法打开事件日志", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer journal.Close()
	}
	// 先于 journal.Close 执行：等待最后的事件写入日志
	defer eventBus.Wait()

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, journal, logger)

	signalConfirmer := operator.NewSignal(logger)
	var confirmer operator.Confirmer
	if cfg.Routine.AutoConfirm {
		confirmer = operator.Auto{Logger: logger}
	} else {
		confirmer = operator.First(operator.Console{}, signalConfirmer)
	}
	confirmer = trackPrompt{Confirmer: confirmer, st: stateTracker}

	var srv *http.Server
	if cfg.Server.Listen != "" {
		srv = startStatusServer(cfg.Server.Listen, hub, stateTracker, signalConfirmer, logger)
	}

	logger.Info("=== 棋子供料系统启动 ===", "address", cfg.Robot.Address)

	// 3. 连接并初始化机械臂
	session, err := feeder.Initialize(ctx, driver.HTTPDialer(cfg.Robot.RequestTimeout, logger), cfg.Robot.Address, feeder.Options{
		Poses:      cfg.PoseTable(),
		Lanes:      cfg.Lanes,
		Retry:      executor.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff},
		Gripper:    gripper.Options{StatusIndex: &cfg.Gripper.StatusIndex, MaxResets: cfg.Gripper.MaxResets},
		SlowSpeed:  cfg.Motion.SlowSpeed,
		BeltSpeed:  cfg.Belt.Speed,
		BeltSettle: cfg.Belt.Settle,
		Cleanup:    cfg.Robot.CleanupTimeout,
		Confirmer:  confirmer,
		Bus:        eventBus,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("初始化失败", "error", err)
		shutdownServer(srv, logger)
		if ctx.Err() != nil || errors.Is(err, operator.ErrAborted) {
			return exitInterrupted
		}
		return 1
	}

	// 4. 执行例行流程
	runErr := runner.Run(ctx, session)

	// 5. 结束会话：即使被中断也要等待传送带停下并释放连接
	endCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := session.EndSession(endCtx); err != nil {
		logger.Error("结束会话失败", "error", err)
	}
	shutdownServer(srv, logger)

	switch {
	case ctx.Err() != nil, errors.Is(runErr, operator.ErrAborted):
		logger.Warn("操作员中断，系统已安全退出", "state", session.State())
		return exitInterrupted
	case runErr != nil:
		logger.Error("例行流程失败", "error", runErr, "state", session.State())
		return 1
	}
	logger.Info("例行流程完成，系统已安全退出", "state", session.State())
	return 0
}

// trackPrompt 把等待中的确认提示同步到状态页
type trackPrompt struct {
	operator.Confirmer
	st *web.StateTracker
}

func (t trackPrompt) Confirm(ctx context.Context, prompt string) error {
	t.st.SetPrompt(prompt)
	defer t.st.SetPrompt("")
	return t.Confirmer.Confirm(ctx, prompt)
}

// startStatusServer 启动状态页、指标和确认接口
func startStatusServer(addr string, hub *web.Hub, st *web.StateTracker, confirm *operator.Signal, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.Snapshot())
	})
	mux.HandleFunc("POST /api/confirm", func(w http.ResponseWriter, r *http.Request) {
		prompt, pending := confirm.Pending()
		if !pending || !confirm.Release() {
			http.Error(w, "no confirmation pending", http.StatusConflict)
			return
		}
		logger.Info("通过状态页确认", "prompt", prompt, "remote", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "confirmed", "prompt": prompt})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("状态服务启动", "listen", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("状态服务启动失败", "error", err)
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("关闭状态服务失败", "error", err)
	}
}
