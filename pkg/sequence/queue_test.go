package sequence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded_DropsNewestWhenFull(t *testing.T) {
	q := NewBounded[int](3)

	for i := 1; i <= 5; i++ {
		q.TryPush(i)
		assert.LessOrEqual(t, q.Len(), q.Cap())
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, uint64(3), q.Accepted())

	for _, want := range []int{1, 2, 3} {
		got, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)

	assert.True(t, q.TryPush(6))
	got, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 6, got)
}

func TestBounded_PopBlocksUntilPush(t *testing.T) {
	q := NewBounded[string](1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryPush("frame")
	}()

	got, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "frame", got)
}

func TestBounded_CloseWakesAllConsumers(t *testing.T) {
	q := NewBounded[int](2)
	q.TryPush(7)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop(ctx)
			results <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(results)

	delivered := 0
	for ok := range results {
		if ok {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)
	assert.False(t, q.TryPush(8))
	require.NoError(t, ctx.Err())
}

func TestBounded_PopHonorsContext(t *testing.T) {
	q := NewBounded[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}
