package operator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestSignal_Release(t *testing.T) {
	s := NewSignal(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if s.Release() {
		t.Fatal("没有等待中的确认时 Release 应返回 false")
	}

	done := make(chan error, 1)
	go func() { done <- s.Confirm(context.Background(), "adjust lane 0") }()

	deadline := time.After(2 * time.Second)
	for {
		if prompt, ok := s.Pending(); ok {
			if prompt != "adjust lane 0" {
				t.Fatalf("提示信息为 %q", prompt)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("确认没有进入等待状态")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for !s.Release() {
		time.Sleep(time.Millisecond)
	}
	if err := <-done; err != nil {
		t.Fatalf("Confirm 返回错误: %v", err)
	}
	if _, ok := s.Pending(); ok {
		t.Error("确认完成后不应再有等待中的提示")
	}
}

func TestSignal_ContextCancel(t *testing.T) {
	s := NewSignal(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := s.Confirm(ctx, "magazine"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("预期 DeadlineExceeded, 得到 %v", err)
	}
}

func TestAuto(t *testing.T) {
	if err := (Auto{}).Confirm(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}

type failing struct{ err error }

func (f failing) Confirm(ctx context.Context, prompt string) error { return f.err }

func TestFirst(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("falls back to the remaining channel", func(t *testing.T) {
		s := NewSignal(logger)
		done := make(chan error, 1)
		go func() { done <- First(failing{errors.New("no tty")}, s).Confirm(context.Background(), "p") }()
		deadline := time.After(2 * time.Second)
		for !s.Release() {
			select {
			case <-deadline:
				t.Fatal("Signal 没有进入等待状态")
			case <-time.After(time.Millisecond):
			}
		}
		if err := <-done; err != nil {
			t.Fatalf("预期确认成功, 得到 %v", err)
		}
	})

	t.Run("abort wins", func(t *testing.T) {
		err := First(failing{ErrAborted}, NewSignal(logger)).Confirm(context.Background(), "p")
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("预期 ErrAborted, 得到 %v", err)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		fault := errors.New("no tty")
		if err := First(failing{fault}).Confirm(context.Background(), "p"); !errors.Is(err, fault) {
			t.Fatalf("预期 %v, 得到 %v", fault, err)
		}
	})
}
