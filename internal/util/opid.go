package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const opIDKey contextKey = "opID"

// NewID 生成一个随机 ID，用于会话 ID 和操作 ID
func NewID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "no-id"
	}
	return hex.EncodeToString(bytes)
}

// WithOpID 为一次对外操作 (装载/取子/投放) 生成操作 ID 并注入 Context
// 同一操作下发的所有驱动命令共享这个 ID，便于在日志中串起来
// ctx 中已有操作 ID 时沿用，外层流程 (例如例行流程的一个步骤) 可以把多次操作串成一个
func WithOpID(ctx context.Context) (context.Context, string) {
	if id, ok := OpIDFromContext(ctx); ok {
		return ctx, id
	}
	id := NewID()
	return context.WithValue(ctx, opIDKey, id), id
}

// OpIDFromContext 从 Context 中提取操作 ID
func OpIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(opIDKey).(string)
	return id, ok
}

// Logger 在 logger 上附加 Context 中的操作 ID (如果有)
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id, ok := OpIDFromContext(ctx); ok {
		return logger.With("op_id", id)
	}
	return logger
}
