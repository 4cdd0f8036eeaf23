package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/charmbracelet/huh"
)

// ErrAborted 操作员取消了确认
var ErrAborted = errors.New("operator: confirmation aborted")

// Confirmer 等待操作员确认的能力
// 控制核心在需要人工介入时 (摆放料仓、调整棋盘) 调用 Confirm 并阻塞，直到操作员确认或 ctx 取消
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) error
}

// Console 在终端中显示确认表单
type Console struct{}

func (Console) Confirm(ctx context.Context, prompt string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(prompt).
				Affirmative("继续").
				Negative("").
				Value(new(bool)),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrAborted
		}
		return fmt.Errorf("operator: %w", err)
	}
	return nil
}

// Auto 不等待，直接确认
// 用于仿真和无人值守的演示
type Auto struct {
	Logger *slog.Logger
}

func (a Auto) Confirm(ctx context.Context, prompt string) error {
	if a.Logger != nil {
		a.Logger.Info("自动确认", "prompt", prompt)
	}
	return ctx.Err()
}

// First 同时向多个渠道请求确认，任意一个确认即返回
// 操作员明确取消 (ErrAborted) 时立即返回；其他渠道失败 (例如没有终端) 时继续等待剩下的渠道
func First(confirmers ...Confirmer) Confirmer {
	return first(confirmers)
}

type first []Confirmer

func (f first) Confirm(ctx context.Context, prompt string) error {
	if len(f) == 0 {
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(f))
	for _, c := range f {
		go func(c Confirmer) {
			errs <- c.Confirm(ctx, prompt)
		}(c)
	}
	var last error
	for range f {
		err := <-errs
		if err == nil || errors.Is(err, ErrAborted) {
			return err
		}
		last = err
	}
	return last
}

// Signal 由外部事件 (例如 HTTP 请求) 释放的确认
type Signal struct {
	ch      chan struct{}
	mu      sync.Mutex
	pending string
	logger  *slog.Logger
}

// NewSignal 创建一个新的 Signal 实例
func NewSignal(logger *slog.Logger) *Signal {
	return &Signal{
		ch:     make(chan struct{}),
		logger: logger.With("component", "operator"),
	}
}

func (s *Signal) Confirm(ctx context.Context, prompt string) error {
	s.mu.Lock()
	s.pending = prompt
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = ""
		s.mu.Unlock()
	}()

	s.logger.Info("等待操作员确认", "prompt", prompt)
	select {
	case <-s.ch:
		s.logger.Info("操作员已确认", "prompt", prompt)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 释放正在等待的确认，没有等待中的确认时返回 false
func (s *Signal) Release() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Pending 返回正在等待确认的提示信息
func (s *Signal) Pending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.pending != ""
}
