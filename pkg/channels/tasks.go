package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/imbridge/pkg/logger"
)

const defaultTaskTimeout = 30 * time.Second

// TaskGroup runs fire-and-forget side effects. Each task runs at most once
// under its own timeout, detached from whatever scheduled it. Errors are
// logged and never propagated.
type TaskGroup struct {
	component string
	timeout   time.Duration

	mu    sync.Mutex
	batch *taskBatch
}

// taskBatch is the set of tasks a Wait call can abandon. Abandoning cancels
// the batch and starts a fresh one, so a group outlives a timed-out Wait.
type taskBatch struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

func newTaskBatch() *taskBatch {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskBatch{ctx: ctx, cancel: cancel}
}

func NewTaskGroup(component string) *TaskGroup {
	return &TaskGroup{
		component: component,
		timeout:   defaultTaskTimeout,
		batch:     newTaskBatch(),
	}
}

func (g *TaskGroup) Go(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.batch
	b.group.Go(func() error {
		ctx, cancel := context.WithTimeout(b.ctx, g.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			logger.WarnCF(g.component, "Background task failed", map[string]any{
				"task":  name,
				"error": err.Error(),
			})
		}
		return nil
	})
}

// Wait blocks until every scheduled task returns. If ctx ends first the
// outstanding tasks are cancelled and ctx.Err() is returned; tasks scheduled
// afterwards run normally.
func (g *TaskGroup) Wait(ctx context.Context) error {
	g.mu.Lock()
	b := g.batch
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.batch == b {
			g.batch = newTaskBatch()
		}
		g.mu.Unlock()
		b.cancel()
		return ctx.Err()
	}
}
