package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunAll_AttemptsEveryItem(t *testing.T) {
	g := New(4)

	var mu sync.Mutex
	seen := make(map[int]bool)

	g.RunAll(context.Background(), 20, func(ctx context.Context, i int) error {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		return nil
	})

	assert.Len(t, seen, 20)
}

func TestRunAll_BoundsConcurrency(t *testing.T) {
	g := New(3)

	var inFlight, peak int64
	g.RunAll(context.Background(), 30, func(ctx context.Context, i int) error {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	})

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Greater(t, atomic.LoadInt64(&peak), int64(0))
}

func TestRunAll_SwallowsWorkerErrors(t *testing.T) {
	g := New(2)

	var attempts int64
	g.RunAll(context.Background(), 10, func(ctx context.Context, i int) error {
		atomic.AddInt64(&attempts, 1)
		if i%2 == 0 {
			return errors.New("worker failure")
		}
		return nil
	})

	assert.Equal(t, int64(10), atomic.LoadInt64(&attempts), "errors must not stop remaining items")
}

func TestRunAll_CancellationSkipsUnstarted(t *testing.T) {
	g := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	var started int64
	g.RunAll(ctx, 100, func(ctx context.Context, i int) error {
		atomic.AddInt64(&started, 1)
		if i == 2 {
			cancel()
		}
		return nil
	})

	assert.Less(t, atomic.LoadInt64(&started), int64(100))
}

func TestNew_ClampsLimit(t *testing.T) {
	assert.Equal(t, 1, New(0).Limit())
	assert.Equal(t, 1, New(-5).Limit())
	assert.Equal(t, 8, New(8).Limit())
}
