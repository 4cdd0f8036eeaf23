package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/event"
	"piece-feeder/internal/util"
	"time"
)

// LevelCritical 调用约定错误使用的日志级别，高于 Error
const LevelCritical = slog.LevelError + 4

var (
	// ErrNilAction 调用方没有传入可执行的驱动命令
	ErrNilAction = errors.New("executor: nil action")
	// ErrRetriesExhausted 偶发超时重试次数达到上限
	ErrRetriesExhausted = errors.New("executor: retries exhausted")
)

// RetryPolicy 偶发超时的重试策略
type RetryPolicy struct {
	MaxAttempts int           // 最大尝试次数，0 表示不限次数 (一直重试到成功或 Context 取消)
	Backoff     time.Duration // 两次尝试之间的等待时间
}

// Executor 所有驱动命令的统一入口
// 只对偶发超时进行重试，其他错误原样向上返回
type Executor struct {
	policy    RetryPolicy
	bus       *event.Bus
	sessionID string
	logger    *slog.Logger
}

// New 创建一个新的 Executor 实例
func New(policy RetryPolicy, bus *event.Bus, sessionID string, logger *slog.Logger) *Executor {
	return &Executor{
		policy:    policy,
		bus:       bus,
		sessionID: sessionID,
		logger:    logger.With("component", "executor"),
	}
}

// Run 执行一个没有返回值的驱动命令
func (e *Executor) Run(ctx context.Context, name string, action func(context.Context) error) error {
	if action == nil {
		return e.contractViolation(ctx, name)
	}
	_, err := Do(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	return err
}

// Do 执行一个有返回值的驱动命令
// 偶发超时会按 RetryPolicy 重试；非法参数视为编程错误，记录 CRITICAL 后立即返回
func Do[T any](ctx context.Context, e *Executor, name string, action func(context.Context) (T, error)) (T, error) {
	var zero T
	if action == nil {
		return zero, e.contractViolation(ctx, name)
	}
	label := actionLabel(name)
	logger := util.Logger(ctx, e.logger).With("action", label)

	for attempt := 1; ; attempt++ {
		result, err := action(ctx)
		if err == nil {
			logger.Info("驱动命令执行成功", "attempt", attempt)
			return result, nil
		}

		switch {
		case errors.Is(err, driver.ErrTransientTimeout):
			if ctx.Err() != nil {
				return zero, fmt.Errorf("%s: %w", label, ctx.Err())
			}
			if e.policy.MaxAttempts > 0 && attempt >= e.policy.MaxAttempts {
				logger.Error("偶发超时重试次数已用完", "attempts", attempt, "error", err)
				return zero, fmt.Errorf("%s: %w after %d attempts: %w", label, ErrRetriesExhausted, attempt, err)
			}
			logger.Warn("驱动内部计时故障，可安全忽略，正在重试", "attempt", attempt, "error", err)
			e.bus.Publish(event.Event{Type: event.ActionRetried, SessionID: e.sessionID, Action: label, Attempt: attempt})
			if err := sleep(ctx, e.policy.Backoff); err != nil {
				return zero, fmt.Errorf("%s: %w", label, err)
			}
		case errors.Is(err, driver.ErrInvalidArgument):
			logger.Log(ctx, LevelCritical, "驱动命令调用方式错误，这是代码缺陷，不会重试", "error", err)
			return zero, fmt.Errorf("%s: %w", label, err)
		default:
			return zero, fmt.Errorf("%s: %w", label, err)
		}
	}
}

func (e *Executor) contractViolation(ctx context.Context, name string) error {
	util.Logger(ctx, e.logger).Log(ctx, LevelCritical, "传入的驱动命令为空，请传入函数而不是调用结果", "action", actionLabel(name))
	return fmt.Errorf("%s: %w", actionLabel(name), ErrNilAction)
}

func actionLabel(name string) string {
	if name == "" {
		return "..."
	}
	return name
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplaceLevel 用于 slog.HandlerOptions.ReplaceAttr，把 LevelCritical 输出为 "CRITICAL"
func ReplaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if level, ok := a.Value.Any().(slog.Level); ok && level >= LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
}
