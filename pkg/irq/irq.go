// Package irq simulates the interrupt priority ceiling of a Cortex-M
// NVIC (BASEPRI register) on top of goroutines.
//
// An interrupt handler is a goroutine running its body through
// [Controller.Interrupt]. Handlers whose priority is maskable by the
// ceiling run with the ceiling held, so they are mutually exclusive with
// any [Context] that has raised its mask with [Controller.Raise].
// Handlers above the ceiling are never masked and must not share state
// with the protected regions.
//
// Priorities follow the NVIC convention, a lower value is more urgent.
package irq

import (
	"errors"
	"fmt"
	"sync"
)

// Priority of an interrupt line, lower values are more urgent
type Priority uint8

// Mask is a BASEPRI value, 0 masks nothing
type Mask uint32

const (
	DefaultPrioBits           uint8    = 4
	DefaultMaxSyscallPriority Priority = 13
)

var (
	ErrInvalidPriority    = errors.New("irq: priority out of range")
	ErrUnmaskablePriority = errors.New("irq: priority is above the ceiling and cannot be masked")
)

type Config struct {
	// Number of implemented priority bits
	PrioBits uint8
	// Ceiling, every line that shares state with critical
	// sections must have a priority value >= this one
	MaxSyscallPriority Priority
}

func DefaultConfig() Config {
	return Config{
		PrioBits:           DefaultPrioBits,
		MaxSyscallPriority: DefaultMaxSyscallPriority,
	}
}

// Controller is the interrupt controller shared by every
// execution context of one CPU
type Controller struct {
	ceilingMu sync.Mutex // held while some context runs at the ceiling
	prioBits  uint8
	ceiling   Priority
}

func NewController(config Config) (*Controller, error) {
	if config.PrioBits == 0 || config.PrioBits > 8 {
		return nil, fmt.Errorf("irq: invalid number of priority bits %d", config.PrioBits)
	}
	if config.MaxSyscallPriority == 0 || !validPriority(config.PrioBits, config.MaxSyscallPriority) {
		return nil, fmt.Errorf("%w: ceiling %d with %d bits", ErrInvalidPriority, config.MaxSyscallPriority, config.PrioBits)
	}
	return &Controller{prioBits: config.PrioBits, ceiling: config.MaxSyscallPriority}, nil
}

func validPriority(bits uint8, p Priority) bool {
	return uint16(p) < 1<<bits
}

// CeilingMask is the value written to BASEPRI when raising
func (c *Controller) CeilingMask() Mask {
	return Mask(c.ceiling) << (8 - c.prioBits)
}

// Maskable reports whether a line of the given priority
// is blocked while the ceiling is raised
func (c *Controller) Maskable(p Priority) bool {
	return p >= c.ceiling
}

// CheckLine verifies that a line sharing state with critical
// sections is correctly placed below the ceiling
func (c *Controller) CheckLine(name string, p Priority) error {
	if !validPriority(c.prioBits, p) {
		return fmt.Errorf("%w: %s=%d", ErrInvalidPriority, name, p)
	}
	if !c.Maskable(p) {
		return fmt.Errorf("%w: %s=%d, ceiling=%d", ErrUnmaskablePriority, name, p, c.ceiling)
	}
	return nil
}

// NewContext creates the register state of a new execution context,
// typically the processing loop
func (c *Controller) NewContext(name string) *Context {
	return &Context{name: name}
}

// Raise raises ctx to the ceiling and returns its previous mask.
// It blocks while another context holds the ceiling.
// Raising an already raised context returns immediately.
func (c *Controller) Raise(ctx *Context) Mask {
	prev := ctx.basepri
	if prev == 0 {
		c.ceilingMu.Lock()
		ctx.basepri = c.CeilingMask()
	}
	return prev
}

// Restore sets ctx back to a mask previously returned by Raise
func (c *Controller) Restore(ctx *Context, mask Mask) {
	raised := ctx.basepri != 0
	switch {
	case raised && mask == 0:
		ctx.basepri = 0
		c.ceilingMu.Unlock()
	case !raised && mask != 0:
		c.ceilingMu.Lock()
		ctx.basepri = mask
	default:
		ctx.basepri = mask
	}
}

// Interrupt runs isr as an interrupt handler of priority p.
// The handler gets its own context.
func (c *Controller) Interrupt(p Priority, isr func(ctx *Context)) {
	ctx := &Context{name: "isr", isr: true}
	if !c.Maskable(p) {
		isr(ctx)
		return
	}
	prev := c.Raise(ctx)
	defer c.Restore(ctx, prev)
	isr(ctx)
}

// Context holds the mask register of one execution context.
// Like a CPU register it must only be used by the goroutine
// that owns the context.
type Context struct {
	name    string
	basepri Mask
	isr     bool
}

func (ctx *Context) Name() string {
	return ctx.name
}

// Mask returns the current BASEPRI value
func (ctx *Context) Mask() Mask {
	return ctx.basepri
}

func (ctx *Context) Raised() bool {
	return ctx.basepri != 0
}

// InInterrupt reports whether the context belongs to an interrupt handler
func (ctx *Context) InInterrupt() bool {
	return ctx.isr
}
