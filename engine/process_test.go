package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcMgrRunsAllAndJoins(t *testing.T) {
	var count atomic.Int32
	mgr := &ProcMgr{}
	for i := 0; i < 3; i++ {
		mgr.Add(func(ctx context.Context) error {
			count.Add(1)
			<-ctx.Done()
			return ctx.Err()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return count.Load() == 3 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPollImmediateRequeue(t *testing.T) {
	var calls atomic.Int32
	proc := Poll(time.Hour, func(ctx context.Context) bool {
		// Returning true twice forces immediate re-invocation despite the
		// huge interval.
		return calls.Add(1) < 3
	})

	ctx, cancel := context.WithCancel(context.Background())
	go proc(ctx)
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 10*time.Millisecond)
	cancel()
}
