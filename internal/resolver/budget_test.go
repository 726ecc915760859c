package resolver

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudget_TryAcquire(t *testing.T) {
	b := NewBudget(3)

	assert.Equal(t, 3, b.Remaining())
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
	assert.Equal(t, 0, b.Remaining())
}

func TestBudget_Unlimited(t *testing.T) {
	b := NewBudget(0)

	assert.Equal(t, -1, b.Remaining())
	for i := 0; i < 100; i++ {
		assert.True(t, b.TryAcquire())
	}
}

// Concurrent acquirers never collectively exceed the limit.
func TestBudget_ConcurrentAcquire(t *testing.T) {
	b := NewBudget(10)

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), granted.Load())
	assert.Equal(t, 0, b.Remaining())
}
