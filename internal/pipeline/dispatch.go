// Package pipeline sequences the post-ingest stages and the events that
// re-run them.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is one independently runnable unit of pipeline work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskError records a failed task.
type TaskError struct {
	Task string
	Err  error
}

func (e TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Task, e.Err)
}

func (e TaskError) Unwrap() error { return e.Err }

// Dispatch runs every task concurrently and waits for all of them. A
// failing task never cancels its siblings; every failure is returned.
func Dispatch(ctx context.Context, tasks ...Task) []TaskError {
	var (
		mu   sync.Mutex
		errs []TaskError
		g    errgroup.Group
	)

	for _, task := range tasks {
		g.Go(func() error {
			start := time.Now()
			err := runTask(ctx, task)
			duration := time.Since(start).Milliseconds()
			if err != nil {
				zap.L().Warn("pipeline: task failed",
					zap.String("task", task.Name),
					zap.Int64("duration_ms", duration),
					zap.Error(err),
				)
				mu.Lock()
				errs = append(errs, TaskError{Task: task.Name, Err: err})
				mu.Unlock()
				return nil
			}
			zap.L().Debug("pipeline: task complete",
				zap.String("task", task.Name),
				zap.Int64("duration_ms", duration),
			)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// runTask converts a panic into an error so one task cannot take down the
// others.
func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("pipeline: panic in %s: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}
