package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunsTasksOneAtATime(t *testing.T) {
	e := NewExecutor(logrus.New())
	defer e.Close()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		total   int
		wg      sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Do(context.Background(), func(context.Context) error {
				n := active.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				total++
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 50, total)
}

func TestExecutorReturnsTaskError(t *testing.T) {
	e := NewExecutor(nil)
	defer e.Close()

	boom := errors.New("boom")
	err := e.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestExecutorSkipsCancelledTask(t *testing.T) {
	e := NewExecutor(nil)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran bool
	err := e.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestExecutorClosed(t *testing.T) {
	e := NewExecutor(nil)
	e.Close()
	e.Close()

	err := e.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestExecutorRecoversPanic(t *testing.T) {
	e := NewExecutor(logrus.New())
	defer e.Close()

	err := e.Do(context.Background(), func(context.Context) error { panic("bad task") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad task")

	assert.NoError(t, e.Do(context.Background(), func(context.Context) error { return nil }))
}
