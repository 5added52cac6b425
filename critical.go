package canmodule

import (
	"fmt"

	"github.com/samsamfire/canmodule/pkg/irq"
	log "github.com/sirupsen/logrus"
)

// Purpose of a critical section. Each purpose keeps its own saved mask
// so that sections of different purposes can nest.
// A purpose must never be entered twice by the same context.
type Purpose uint8

const (
	PurposeSend Purpose = iota // Sending through the transmit table
	PurposeEmcy                // Emergency and error reporting
	PurposeOD                  // Object dictionary access
	purposeCount
)

func (p Purpose) String() string {
	switch p {
	case PurposeSend:
		return "send"
	case PurposeEmcy:
		return "emcy"
	case PurposeOD:
		return "od"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

type lockSlot struct {
	held  bool
	saved irq.Mask
}

// Guard is returned when entering a critical section,
// Unlock must be called exactly once, typically deferred.
type Guard struct {
	m        *Module
	ctx      *irq.Context
	purpose  Purpose
	released bool
	err      error
}

// Unlock exits the section. Errors are logged, Guard.Err reports them.
func (g *Guard) Unlock() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.err = g.m.UnlockFrom(g.ctx, g.purpose)
	if g.err != nil {
		log.Debugf("[CAN] unlocking %v section of %v : %v", g.purpose, g.ctx.Name(), g.err)
	}
}

// Err returns the error of the last Unlock, if any
func (g *Guard) Err() error {
	if g == nil {
		return nil
	}
	return g.err
}

// Lock enters a critical section from the processing context
func (m *Module) Lock(p Purpose) (*Guard, error) {
	return m.LockFrom(m.main, p)
}

// LockFrom enters a critical section from the given execution context.
// Interrupt handlers must pass their own context.
func (m *Module) LockFrom(ctx *irq.Context, p Purpose) (*Guard, error) {
	if p >= purposeCount || ctx == nil {
		return nil, ErrIllegalArgument
	}
	saved := m.ctrl.Raise(ctx)
	slot := &m.locks[p]
	if slot.held {
		// Only the ceiling holder can see this, i.e. the same context
		m.ctrl.Restore(ctx, saved)
		return nil, fmt.Errorf("%w : %v", ErrCriticalReentry, p)
	}
	slot.held = true
	slot.saved = saved
	return &Guard{m: m, ctx: ctx, purpose: p}, nil
}

// Unlock exits a critical section entered with Lock
func (m *Module) Unlock(p Purpose) error {
	return m.UnlockFrom(m.main, p)
}

// UnlockFrom restores the mask saved when the purpose was entered
func (m *Module) UnlockFrom(ctx *irq.Context, p Purpose) error {
	if p >= purposeCount || ctx == nil {
		return ErrIllegalArgument
	}
	if !ctx.Raised() || !m.locks[p].held {
		return fmt.Errorf("%w : %v", ErrCriticalNotHeld, p)
	}
	slot := &m.locks[p]
	saved := slot.saved
	slot.held = false
	slot.saved = 0
	m.ctrl.Restore(ctx, saved)
	return nil
}

// WithLock runs fn inside a critical section of the given purpose.
// The section is exited on every return path of fn.
func (m *Module) WithLock(p Purpose, fn func()) error {
	return m.WithLockFrom(m.main, p, fn)
}

func (m *Module) WithLockFrom(ctx *irq.Context, p Purpose, fn func()) error {
	guard, err := m.LockFrom(ctx, p)
	if err != nil {
		return err
	}
	defer guard.Unlock()
	fn()
	return nil
}

// atomically runs fn with ctx raised to the ceiling, for
// short updates of the module state that are not tied to a purpose
func (m *Module) atomically(ctx *irq.Context, fn func()) {
	prev := m.ctrl.Raise(ctx)
	defer m.ctrl.Restore(ctx, prev)
	fn()
}
