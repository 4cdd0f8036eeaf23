package feeder

import (
	"context"
	"sync"
)

// taskTracker 跟踪后台传送带任务
// 记录第一个失败的任务，EndSession 时等待所有任务结束
type taskTracker struct {
	wg          sync.WaitGroup
	mu          sync.Mutex
	outstanding int
	err         error
}

// Go 在新的 goroutine 中执行 fn
func (t *taskTracker) Go(fn func() error) {
	t.wg.Add(1)
	t.mu.Lock()
	t.outstanding++
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		err := fn()

		t.mu.Lock()
		defer t.mu.Unlock()
		t.outstanding--
		if err != nil && t.err == nil {
			t.err = err
		}
	}()
}

// Outstanding 尚未完成的任务数
func (t *taskTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// Err 第一个失败任务的错误，之后一直保留
func (t *taskTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait 等待所有任务结束，ctx 取消时提前返回
func (t *taskTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
