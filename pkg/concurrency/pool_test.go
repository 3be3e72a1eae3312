package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"tradecore/internal/logging"
)

func TestWorkerPoolRunsSubmittedTasksConcurrently(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 16}, logging.NewNop())
	defer pool.Stop()

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		})
		assert.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int64(20), atomic.LoadInt64(&count))
}

func TestWorkerPoolSubmitAndWaitBlocksUntilDone(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 2, MaxCapacity: 4}, logging.NewNop())
	defer pool.Stop()

	var ran bool
	pool.SubmitAndWait(func() { ran = true })
	assert.True(t, ran)
}

func TestWorkerPoolDefaultsAppliedForZeroValues(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "defaults"}, logging.NewNop())
	defer pool.Stop()
	assert.Equal(t, 10, pool.config.MaxWorkers)
	assert.Equal(t, 100, pool.config.MaxCapacity)
}
