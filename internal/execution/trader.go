package execution

import (
	"context"

	"exec-router/internal/route"
)

// Executor 抽象执行引擎，方便上层替换为模拟实现。
type Executor interface {
	Execute(ctx context.Context, plan route.Plan) (Result, error)
	Lookup(digest string) (Result, bool)
	ConfirmOutOfBand(digest string, effectsMs float64) bool
	Stats() Stats
}

var _ Executor = (*Engine)(nil)
