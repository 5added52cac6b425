package irq

import (
	"context"
	"sync"
	"time"
)

// Timer is a periodic interrupt source
type Timer struct {
	ctrl     *Controller
	priority Priority
	period   time.Duration
	isr      func(ctx *Context)
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (c *Controller) NewTimer(p Priority, period time.Duration, isr func(ctx *Context)) *Timer {
	return &Timer{ctrl: c, priority: p, period: period, isr: isr}
}

// Start the timer, calling Start on a running timer does nothing
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	var ctx context.Context
	ctx, t.cancel = context.WithCancel(context.Background())
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
}

func (t *Timer) run(ctx context.Context) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ctrl.Interrupt(t.priority, t.isr)
		}
	}
}

// Stop the timer and wait for a running handler to return
func (t *Timer) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
}
