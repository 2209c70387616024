package shardq

import (
	"context"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Executor runs evaluation tasks asynchronously. *ants.Pool satisfies it.
type Executor interface {
	Submit(task func()) error
}

const executorReleaseTimeout = 5 * time.Second

// newAntsExecutor creates a goroutine pool of the given size. Tasks recover
// their own panics; the handler only catches defects in the task wrapper.
func newAntsExecutor(size int, logger *slog.Logger) (*ants.Pool, error) {
	return ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		logger.LogAttrs(context.Background(), slog.LevelError, "executor: task panic", slog.Any("panic", p))
	}))
}
