package continuous

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mklimuk/tof"
)

var _ tof.Spawner = &Pool{}

// Pool runs measurement tasks with a fixed number of slots.
type Pool struct {
	ctx    context.Context
	group  *errgroup.Group
	logger *slog.Logger
}

// NewPool creates a pool whose tasks stop when ctx is cancelled. size <= 0
// means unlimited.
func NewPool(ctx context.Context, size int, logger *slog.Logger) *Pool {
	g, gctx := errgroup.WithContext(ctx)
	if size > 0 {
		g.SetLimit(size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{ctx: gctx, group: g, logger: logger}
}

func (p *Pool) Spawn(name string, fn func(ctx context.Context) error) error {
	ok := p.group.TryGo(func() error {
		err := fn(p.ctx)
		if err != nil {
			p.logger.Error("task failed", "task", name, "error", err)
			return fmt.Errorf("task %s: %w", name, err)
		}
		return nil
	})
	if !ok {
		return fmt.Errorf("%w: no free slot for %s", tof.ErrSpawn, name)
	}
	return nil
}

// Wait blocks until every spawned task has returned.
func (p *Pool) Wait() error {
	return p.group.Wait()
}
