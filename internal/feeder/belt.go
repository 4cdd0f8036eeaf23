package feeder

import (
	"context"
	"errors"
	"fmt"
	"piece-feeder/internal/driver"
	"piece-feeder/internal/event"
	"piece-feeder/internal/fsm"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
	"time"
)

// SetUpGame 从料仓装载棋子，直到传送带上累计有 target 枚棋子
// 每放满一对，传送带在后台向后移动一格，让出取料槽
func (s *Session) SetUpGame(ctx context.Context, target int) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	ctx, _ = util.WithOpID(ctx)
	logger := util.Logger(ctx, s.logger)

	if target < 0 || target < s.Remaining() {
		return fmt.Errorf("%w: target %d, already loaded %d", ErrInvalidPieceCount, target, s.Remaining())
	}
	if err := s.beltErr(); err != nil {
		return err
	}

	if !s.MagazineReady() {
		if err := s.prepareMagazine(ctx); err != nil {
			return err
		}
	}

	logger.Info("开始装载棋子", "target", target, "remaining", s.Remaining())
	if target > s.Remaining() {
		// 上一次装载留下了满的取料槽，先让出位置
		if err := s.shiftFullPair(ctx); err != nil {
			return err
		}
	}
	for s.Remaining() != target {
		logger.Info("正在装载棋子", "piece", s.Remaining()+1, "target", target, "slot", s.Staged())

		if err := s.pickFromMagazine(ctx); err != nil {
			return err
		}
		// 手里拿着第一枚棋子时顺便校准棋盘，之后不再重复
		if !s.BoardCalibrated() {
			if err := s.calibrateBoard(ctx); err != nil {
				return err
			}
		}
		if err := s.placeOnBelt(ctx, target); err != nil {
			return err
		}
	}
	logger.Info("棋子装载完成", "remaining", s.Remaining(), "staged", s.Staged())
	return nil
}

// GrabPiece 从传送带取料槽夹起一枚棋子，回到 home 时夹爪中持有棋子
// 没有剩余棋子时什么也不做
func (s *Session) GrabPiece(ctx context.Context) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	ctx, _ = util.WithOpID(ctx)

	if s.Remaining() == 0 {
		util.Logger(ctx, s.logger).Info("没有剩余棋子")
		return nil
	}
	if err := s.beltErr(); err != nil {
		return err
	}
	return s.takeFromBelt(ctx)
}

// beltSection 持有 beltLock 的一段操作
// 调用 handOff 后锁的所有权交给后台传送带任务，由它在传送带停下后释放
type beltSection struct {
	s      *Session
	handed bool
}

func (s *Session) lockBelt() *beltSection {
	s.beltLock.Lock()
	return &beltSection{s: s}
}

// handOff 启动后台传送带任务并把 beltLock 交给它
// 任务沿用调用方 ctx 中的操作 ID，但不受调用方取消的影响，只随会话结束而取消
func (b *beltSection) handOff(ctx context.Context, dir types.ConveyorDirection) {
	b.handed = true
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(b.s.root, cancel)
	b.s.tasks.Go(func() error {
		defer b.s.beltLock.Unlock()
		defer cancel()
		defer stop()
		return b.s.advance(taskCtx, dir)
	})
}

func (b *beltSection) unlock() {
	if !b.handed {
		b.s.beltLock.Unlock()
	}
}

// placeOnBelt 把夹爪中的棋子放到下一个空槽位
// 这一对放满且还需要继续装载时，传送带向后移动
func (s *Session) placeOnBelt(ctx context.Context, target int) error {
	logger := util.Logger(ctx, s.logger)

	section := s.lockBelt()
	defer section.unlock()
	logger.Info("传送带已锁定，放置棋子")

	slot := 0
	if s.belt.Staged() != 0 {
		slot = 1
	}
	if err := s.motion.MoveToRole(ctx, types.SlotRole(slot)); err != nil {
		return err
	}
	if err := s.gripper.Set(ctx, types.GripperOpen); err != nil {
		return err
	}
	if err := s.belt.Fire(fsm.EventPlace); err != nil {
		return err
	}
	s.remaining.Add(1)
	if err := s.motion.MoveHome(ctx); err != nil {
		return err
	}
	s.publish(event.Event{Type: event.PieceLoaded})

	if s.belt.Current() == fsm.StateFull && s.Remaining() != target {
		logger.Info("取料槽已满，传送带向后移动")
		if err := s.belt.Fire(fsm.EventShiftBack); err != nil {
			return err
		}
		section.handOff(ctx, types.ConveyorBackward)
	}
	return nil
}

// shiftFullPair 取料槽满时把这一对移离机械臂
func (s *Session) shiftFullPair(ctx context.Context) error {
	section := s.lockBelt()
	defer section.unlock()
	if s.belt.Current() != fsm.StateFull {
		return nil
	}
	util.Logger(ctx, s.logger).Info("取料槽已满，传送带向后移动")
	if err := s.belt.Fire(fsm.EventShiftBack); err != nil {
		return err
	}
	section.handOff(ctx, types.ConveyorBackward)
	return nil
}

// takeFromBelt 从取料槽夹起一枚棋子
// 取料槽空了且还有棋子时，传送带向前移动送来下一对
func (s *Session) takeFromBelt(ctx context.Context) error {
	logger := util.Logger(ctx, s.logger)

	section := s.lockBelt()
	defer section.unlock()
	logger.Info("传送带已锁定，取出棋子")

	staged := s.belt.Staged()
	if staged == 0 {
		return ErrBeltEmpty
	}
	slot := 1
	if staged == 1 {
		slot = 0
	}
	if err := s.motion.MoveToRole(ctx, types.SlotRole(slot)); err != nil {
		return err
	}
	if err := s.gripper.Set(ctx, types.GripperClose); err != nil {
		return err
	}
	if err := s.motion.MoveHome(ctx); err != nil {
		return err
	}
	if err := s.belt.Fire(fsm.EventTake); err != nil {
		return err
	}
	s.remaining.Add(-1)
	s.publish(event.Event{Type: event.PieceGrabbed})

	if s.belt.Current() == fsm.StateEmpty && s.Remaining() > 0 {
		logger.Info("取料槽已空，传送带向前移动")
		if err := s.belt.Fire(fsm.EventRefill); err != nil {
			return err
		}
		section.handOff(ctx, types.ConveyorForward)
	}
	return nil
}

// advance 运行传送带一格的时间然后停止
// 调用方必须持有 beltLock，传送带停下之前机械臂不会进入取料槽
func (s *Session) advance(ctx context.Context, dir types.ConveyorDirection) error {
	logger := util.Logger(ctx, s.logger)
	logger.Info("传送带已被后台任务锁定", "direction", dir)

	start := time.Now()
	runErr := s.exec.Run(ctx, driver.CapRunConveyor, func(ctx context.Context) error {
		return s.drv.RunConveyor(ctx, s.conveyor, s.opts.BeltSpeed, dir)
	})
	var settleErr error
	if runErr == nil {
		settleErr = wait(ctx, s.opts.BeltSettle)
	}
	// 无论前面是否成功都要尝试停止传送带，会话被取消时最多再等待 Cleanup
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Cleanup)
	defer cancel()
	stopErr := s.exec.Run(stopCtx, driver.CapStopConveyor, func(ctx context.Context) error {
		return s.drv.StopConveyor(ctx, s.conveyor)
	})

	if err := errors.Join(runErr, settleErr, stopErr); err != nil {
		logger.Error("传送带移动失败", "direction", dir, "error", err)
		s.publish(event.Event{Type: event.BeltAdvanceError, Direction: dir, Error: err})
		return fmt.Errorf("conveyor %s: %w", dir, err)
	}
	elapsed := time.Since(start)
	logger.Info("传送带移动完成", "direction", dir, "duration", elapsed)
	s.publish(event.Event{Type: event.BeltAdvanced, Direction: dir, Duration: elapsed})
	return nil
}

// beltErr 检查之前的后台传送带任务是否失败
// 失败后槽位计数不再可信，之后的装载和取料都会被拒绝
func (s *Session) beltErr() error {
	if err := s.tasks.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBeltAdvanceFailed, err)
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
