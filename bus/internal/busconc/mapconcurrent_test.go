package busconc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapConcurrentPreservesOrder(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	results := MapConcurrent(items, 3, func(_ int, v int) int { return v * v })
	assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}, results)
}

func TestMapConcurrentBoundsInFlight(t *testing.T) {
	var inFlight, maxSeen int32
	items := make([]int, 20)

	MapConcurrent(items, 4, func(_ int, _ int) int {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return 0
	})

	assert.LessOrEqual(t, maxSeen, int32(4))
}

func TestMapConcurrentEmpty(t *testing.T) {
	results := MapConcurrent([]int{}, 4, func(_ int, v int) int { return v })
	assert.Empty(t, results)
}
