package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrExecutorClosed = errors.New("executor closed")

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Executor runs submitted tasks one at a time on a single goroutine. Cache
// loads and merges go through it so the storage layer never sees two callers
// at once. Tasks must not call Do themselves.
type Executor struct {
	tasks     chan task
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    logrus.FieldLogger
}

func NewExecutor(logger logrus.FieldLogger) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Executor{
		tasks:  make(chan task),
		quit:   make(chan struct{}),
		logger: logger.WithField("component", "executor"),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

// Do runs fn on the executor goroutine and waits for it. If ctx is done
// before fn starts, fn is skipped and ctx.Err() returned; a started fn always
// runs to completion.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-e.quit:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.tasks <- t:
	}
	return <-t.done
}

// Close stops the executor after the running task, if any, finishes.
func (e *Executor) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case t := <-e.tasks:
			if err := t.ctx.Err(); err != nil {
				t.done <- err
				continue
			}
			t.done <- e.run(t)
		}
	}
}

func (e *Executor) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("panic", r).Error("executor task panicked")
			err = fmt.Errorf("executor task panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}
