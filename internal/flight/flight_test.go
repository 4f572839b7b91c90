package flight_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/flight"
)

var errGeneration = errors.New("generation failed")

// runConcurrently starts n callers of key and releases fn only once all have joined.
func runConcurrently(
	t *testing.T,
	coordinator *flight.Coordinator,
	key string,
	callers int,
	fn flight.Func,
) ([]any, []error) {
	t.Helper()

	var waitGroup sync.WaitGroup

	values := make([]any, callers)
	errs := make([]error, callers)

	for i := range callers {
		waitGroup.Add(1)

		go func(index int) {
			defer waitGroup.Done()

			values[index], _, errs[index] = coordinator.Run(context.Background(), key, fn)
		}(i)
	}

	waitGroup.Wait()

	return values, errs
}

func TestRun_SingleExecutionForConcurrentCallers(t *testing.T) {
	t.Parallel()

	coordinator := flight.New(4)

	const callers = 16

	var executions atomic.Int32

	release := make(chan struct{})

	go func() {
		assert.Eventually(t, func() bool {
			return coordinator.Waiters("fp") == callers
		}, 5*time.Second, time.Millisecond)
		close(release)
	}()

	values, errs := runConcurrently(t, coordinator, "fp", callers, func(_ context.Context) (any, error) {
		executions.Add(1)
		<-release

		return "blob-1", nil
	})

	assert.Equal(t, int32(1), executions.Load())

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "blob-1", values[i])
	}

	assert.Zero(t, coordinator.Waiters("fp"), "entry must be torn down after the last waiter leaves")
}

func TestRun_FailureSharedByAllWaiters(t *testing.T) {
	t.Parallel()

	coordinator := flight.New(1)

	const callers = 8

	var executions atomic.Int32

	release := make(chan struct{})

	go func() {
		assert.Eventually(t, func() bool {
			return coordinator.Waiters("fp") == callers
		}, 5*time.Second, time.Millisecond)
		close(release)
	}()

	_, errs := runConcurrently(t, coordinator, "fp", callers, func(_ context.Context) (any, error) {
		executions.Add(1)
		<-release

		return nil, errGeneration
	})

	assert.Equal(t, int32(1), executions.Load())

	for _, err := range errs {
		require.ErrorIs(t, err, errGeneration)
	}
}

func TestRun_KeyReleasedAfterCompletion(t *testing.T) {
	t.Parallel()

	coordinator := flight.New(0)

	var executions atomic.Int32

	fn := func(_ context.Context) (any, error) {
		executions.Add(1)

		return nil, errGeneration
	}

	_, _, err := coordinator.Run(context.Background(), "fp", fn)
	require.ErrorIs(t, err, errGeneration)

	_, _, err = coordinator.Run(context.Background(), "fp", fn)
	require.ErrorIs(t, err, errGeneration)

	assert.Equal(t, int32(2), executions.Load())
}

func TestRun_DistinctKeysRunIndependently(t *testing.T) {
	t.Parallel()

	coordinator := flight.New(2)

	var executions atomic.Int32

	var waitGroup sync.WaitGroup

	for _, key := range []string{"a", "b", "c", "d"} {
		waitGroup.Add(1)

		go func(key string) {
			defer waitGroup.Done()

			value, _, err := coordinator.Run(context.Background(), key, func(_ context.Context) (any, error) {
				executions.Add(1)

				return key, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, key, value)
		}(key)
	}

	waitGroup.Wait()
	assert.Equal(t, int32(4), executions.Load())
}

func TestRun_CancelledWaiterDoesNotAbortExecution(t *testing.T) {
	t.Parallel()

	coordinator := flight.New(1)

	started := make(chan struct{})
	release := make(chan struct{})

	var generationCancelled atomic.Bool

	fn := func(ctx context.Context) (any, error) {
		close(started)
		<-release

		generationCancelled.Store(ctx.Err() != nil)

		return "done", nil
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)

	go func() {
		_, _, err := coordinator.Run(cancelCtx, "fp", fn)
		firstDone <- err
	}()

	<-started

	secondDone := make(chan any, 1)

	go func() {
		value, _, err := coordinator.Run(context.Background(), "fp", fn)
		assert.NoError(t, err)
		secondDone <- value
	}()

	require.Eventually(t, func() bool { return coordinator.Waiters("fp") == 2 }, 5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-secondDone)
	assert.False(t, generationCancelled.Load(), "generation context must not inherit the waiter's cancellation")
}
