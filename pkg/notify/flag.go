// Package notify implements the "new data" flag handed from an
// interrupt handler to the processing loop.
//
// A Flag has exactly one writer setting it and one reader consuming it.
// The writer must fully store the payload before calling Set, the reader
// must be done with the payload before calling Clear. Operations are
// sequentially consistent, so a payload written before Set is visible to
// a reader that observed Read() == true.
package notify

import "sync/atomic"

// Flag is cleared in its zero value
type Flag struct {
	v atomic.Bool
}

// Read reports whether the flag is set, it never blocks
func (f *Flag) Read() bool {
	return f.v.Load()
}

func (f *Flag) Set() {
	f.v.Store(true)
}

func (f *Flag) Clear() {
	f.v.Store(false)
}

// Swap clears the flag and reports whether it was set
func (f *Flag) Swap() bool {
	return f.v.Swap(false)
}
