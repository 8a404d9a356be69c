// Package engine provides the background worker plumbing shared by the LAN
// and cloud services: a process manager and interval pollers.
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

type Proc func(context.Context) error

// ProcMgr is like a fancy implementation of sync.WaitGroup.
type ProcMgr struct {
	mu    sync.Mutex
	procs []Proc
}

func (p *ProcMgr) Add(proc Proc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = append(p.procs, proc)
}

// Run starts every registered proc and blocks until all of them return.
// Unlike a server, an SDK must not take the host process down: a proc that
// fails while the context is still live is logged, not fatal.
func (p *ProcMgr) Run(ctx context.Context) {
	p.mu.Lock()
	procs := make([]Proc, len(p.procs))
	copy(procs, p.procs)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(proc Proc) {
			defer wg.Done()
			err := proc(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("background proc exited unexpectedly", "error", err)
			}
		}(proc)
	}
	wg.Wait()
}

type PollingFunc func(context.Context) bool

// Poll is a Proc that polls a given function regularly.
// If the function returns true, it will be called again immediately.
func Poll(interval time.Duration, fn PollingFunc) Proc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if fn(ctx) {
				continue // take possible next item immediately
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			ticker.Reset(time.Duration(float64(interval) * (0.9 + 0.2*rand.Float64())))
		}
	}
}
