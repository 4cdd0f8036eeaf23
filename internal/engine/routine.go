package engine

import (
	"context"
	"errors"
	"fmt"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"log/slog"
	"piece-feeder/internal/types"
	"piece-feeder/internal/util"
)

var (
	ErrUnknownAction = errors.New("engine: unknown routine action")
	ErrUnboundedLoop = errors.New("engine: loop step needs a rule or max_iterations")
)

// Feeder 例行流程需要的会话能力
type Feeder interface {
	SetUpGame(ctx context.Context, target int) error
	GrabPiece(ctx context.Context) error
	DropPieceToBoard(ctx context.Context, lane int) error
	State() types.SessionState
}

// compiledStep 预编译了条件表达式的步骤
type compiledStep struct {
	types.RoutineStep
	program *vm.Program
}

// Runner 按配置顺序执行例行流程
type Runner struct {
	steps         []compiledStep
	defaultPieces int
	logger        *slog.Logger
}

// NewRunner 校验步骤并预编译所有条件表达式
// defaultPieces 用于没有指定 pieces 的 load 步骤
func NewRunner(steps []types.RoutineStep, defaultPieces int, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		defaultPieces: defaultPieces,
		logger:        logger.With("component", "routine"),
	}
	for i, step := range steps {
		switch step.Action {
		case types.ActionLoad, types.ActionGrab, types.ActionDrop, types.ActionDispense:
		default:
			return nil, fmt.Errorf("step %d: %w: %q", i, ErrUnknownAction, step.Action)
		}
		if step.Loop && step.Rule == "" && step.MaxIterations <= 0 {
			return nil, fmt.Errorf("step %d: %w", i, ErrUnboundedLoop)
		}
		cs := compiledStep{RoutineStep: step}
		if step.Rule != "" {
			program, err := expr.Compile(step.Rule, expr.Env(ruleEnv(types.SessionState{}, 0)), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("step %d: rule compilation failed: %w", i, err)
			}
			cs.program = program
		}
		r.steps = append(r.steps, cs)
	}
	return r, nil
}

func ruleEnv(state types.SessionState, iteration int) map[string]interface{} {
	return map[string]interface{}{
		"remaining":        state.Remaining,
		"staged":           state.Staged,
		"board_calibrated": state.BoardCalibrated,
		"magazine_ready":   state.MagazineReady,
		"iteration":        iteration,
	}
}

// Run 依次执行所有步骤，返回第一个失败步骤的错误
func (r *Runner) Run(ctx context.Context, f Feeder) error {
	for i, step := range r.steps {
		logger := r.logger.With("step", i, "name", step.Name, "action", step.Action)
		executed, err := r.runStep(ctx, f, step, logger)
		if err != nil {
			logger.Error("步骤执行失败", "error", err)
			return fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
		logger.Info("步骤完成", "iterations", executed, "state", f.State())
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, f Feeder, step compiledStep, logger *slog.Logger) (int, error) {
	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			return iteration, err
		}
		ok, err := r.evaluateRule(step, f.State(), iteration)
		if err != nil {
			return iteration, err
		}
		if !ok {
			if iteration == 0 {
				logger.Info("条件不成立，跳过步骤", "rule", step.Rule)
			}
			return iteration, nil
		}

		stepCtx, opID := util.WithOpID(ctx)
		logger.Debug("执行步骤", "iteration", iteration, "op_id", opID)
		if err := r.execute(stepCtx, f, step.RoutineStep); err != nil {
			return iteration, err
		}
		iteration++

		if !step.Loop || (step.MaxIterations > 0 && iteration >= step.MaxIterations) {
			return iteration, nil
		}
	}
}

func (r *Runner) evaluateRule(step compiledStep, state types.SessionState, iteration int) (bool, error) {
	if step.program == nil {
		return true, nil
	}
	result, err := expr.Run(step.program, ruleEnv(state, iteration))
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return ok, nil
}

func (r *Runner) execute(ctx context.Context, f Feeder, step types.RoutineStep) error {
	switch step.Action {
	case types.ActionLoad:
		pieces := step.Pieces
		if pieces <= 0 {
			pieces = r.defaultPieces
		}
		return f.SetUpGame(ctx, pieces)
	case types.ActionGrab:
		return f.GrabPiece(ctx)
	case types.ActionDrop:
		return f.DropPieceToBoard(ctx, step.Lane)
	case types.ActionDispense:
		if err := f.GrabPiece(ctx); err != nil {
			return err
		}
		return f.DropPieceToBoard(ctx, step.Lane)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
}
