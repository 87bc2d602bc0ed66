// Package flow runs batches of independent jobs either one after another or
// on a bounded worker pool.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/calcflow/internal/config"
	"github.com/mattjoyce/calcflow/internal/log"
)

// Task is one unit of work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Engine executes tasks. A failing task does not stop the others; all
// failures are returned joined, each wrapped in a *TaskError.
type Engine interface {
	Name() string
	Run(ctx context.Context, tasks []Task) error
}

// TaskError attributes an error to the task that produced it.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Task, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// New returns the engine selected by cfg.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Kind {
	case "", config.EngineSerial:
		return Serial{}, nil
	case config.EnginePool:
		if cfg.Workers < 1 {
			return nil, fmt.Errorf("pool engine needs at least one worker, got %d", cfg.Workers)
		}
		return Pool{Workers: cfg.Workers}, nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
	}
}

// Serial runs tasks in order in the calling goroutine.
type Serial struct{}

func (Serial) Name() string { return config.EngineSerial }

func (Serial) Run(ctx context.Context, tasks []Task) error {
	logger := log.WithComponent("flow")
	var errs []error
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			logger.Warn("batch cancelled", "remaining", len(tasks)-i)
			errs = append(errs, err)
			break
		}
		if err := t.Run(ctx); err != nil {
			logger.Error("task failed", "task", t.Name, "error", err)
			errs = append(errs, &TaskError{Task: t.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Pool runs up to Workers tasks concurrently.
type Pool struct {
	Workers int
}

func (Pool) Name() string { return config.EnginePool }

func (p Pool) Run(ctx context.Context, tasks []Task) error {
	logger := log.WithComponent("flow")
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(workers)
	for _, t := range tasks {
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = t.Run(ctx)
			}
			if err != nil {
				logger.Error("task failed", "task", t.Name, "error", err)
				mu.Lock()
				errs = append(errs, &TaskError{Task: t.Name, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
