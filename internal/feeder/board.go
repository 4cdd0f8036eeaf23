package feeder

import (
	"context"
	"fmt"
	"piece-feeder/internal/event"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
)

// DropPieceToBoard 把夹爪中的棋子投入棋盘的 lane 号通道，然后回到 home
func (s *Session) DropPieceToBoard(ctx context.Context, lane int) error {
	if err := s.checkUsable(); err != nil {
		return err
	}
	if lane < 0 || lane >= len(s.opts.Lanes) {
		return fmt.Errorf("%w: %d (have %d)", ErrUnknownLane, lane, len(s.opts.Lanes))
	}
	ctx, _ = util.WithOpID(ctx)
	geometry := s.opts.Lanes[lane]

	if err := s.motion.MoveTo(ctx, geometry.Approach); err != nil {
		return err
	}
	if err := s.motion.MoveTo(ctx, geometry.Drop); err != nil {
		return err
	}
	if err := s.gripper.Set(ctx, types.GripperOpen); err != nil {
		return err
	}
	if err := s.motion.MoveTo(ctx, geometry.Approach); err != nil {
		return err
	}
	if err := s.motion.MoveHome(ctx); err != nil {
		return err
	}
	util.Logger(ctx, s.logger).Info("棋子已投入棋盘", "lane", lane)
	s.publish(event.Event{Type: event.PieceDropped, Lane: lane})
	return nil
}

// prepareMagazine 把机械臂停在料仓位置，等待操作员摆好料仓
func (s *Session) prepareMagazine(ctx context.Context) error {
	if err := s.motion.MoveToRole(ctx, types.PosePreMagazine); err != nil {
		return err
	}
	if err := s.motion.MoveToRole(ctx, types.PoseMagazine); err != nil {
		return err
	}
	if err := s.opts.Confirmer.Confirm(ctx, "请把料仓放到机械臂所指的位置，然后确认"); err != nil {
		return err
	}
	if err := s.motion.MoveHome(ctx); err != nil {
		return err
	}
	s.magazineReady.Store(true)
	util.Logger(ctx, s.logger).Info("料仓已就位")
	s.publish(event.Event{Type: event.MagazineReady})
	return nil
}

// pickFromMagazine 从料仓夹起一枚棋子，进出料仓时使用慢速模式
func (s *Session) pickFromMagazine(ctx context.Context) error {
	if err := s.motion.MoveToRole(ctx, types.PosePreMagazine); err != nil {
		return err
	}
	err := s.motion.WithSlowMode(ctx, s.opts.SlowSpeed, func() error {
		if err := s.motion.MoveToRole(ctx, types.PoseMagazine); err != nil {
			return err
		}
		if err := s.gripper.Set(ctx, types.GripperClose); err != nil {
			return err
		}
		return s.motion.MoveToRole(ctx, types.PosePreMagazine)
	})
	if err != nil {
		return err
	}
	return s.motion.MoveHome(ctx)
}

// calibrateBoard 依次把持有棋子的夹爪停在每个通道的投放位置，由操作员调整棋盘对齐
// 每个会话只执行一次
func (s *Session) calibrateBoard(ctx context.Context) error {
	logger := util.Logger(ctx, s.logger)
	for i, lane := range s.opts.Lanes {
		if err := s.motion.MoveTo(ctx, lane.Approach); err != nil {
			return err
		}
		err := s.motion.WithSlowMode(ctx, s.opts.SlowSpeed, func() error {
			if err := s.motion.MoveTo(ctx, lane.Drop); err != nil {
				return err
			}
			prompt := fmt.Sprintf("请调整棋盘，使第 %d 个通道对准夹爪中的棋子，然后确认", i)
			if err := s.opts.Confirmer.Confirm(ctx, prompt); err != nil {
				return err
			}
			return s.motion.MoveTo(ctx, lane.Approach)
		})
		if err != nil {
			return err
		}
		logger.Info("通道已对准", "lane", i)
	}
	if err := s.motion.MoveHome(ctx); err != nil {
		return err
	}
	s.boardCalibrated.Store(true)
	logger.Info("棋盘已校准", "lanes", len(s.opts.Lanes))
	s.publish(event.Event{Type: event.BoardCalibrated})
	return nil
}
