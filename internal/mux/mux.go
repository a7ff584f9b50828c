// Package mux implements the readiness-based I/O multiplexer the proxy core
// runs on: register file descriptors with a handler and an interest mask,
// wait for readiness, and dispatch. The core itself is single-threaded and
// cooperative — handlers must never block.
package mux

import "errors"

// Mask is a subset of {Read, Write}. The zero Mask is legal: it parks a
// descriptor (registered, but not currently interested in any event).
type Mask uint8

const (
	Read Mask = 1 << iota
	Write
)

var (
	// ErrAlreadyRegistered is returned by Register when fd already has a
	// registration.
	ErrAlreadyRegistered = errors.New("mux: fd already registered")
	// ErrFDOutOfRange is returned when fd falls outside the selector's
	// configured bounds.
	ErrFDOutOfRange = errors.New("mux: fd out of range")
	// ErrOutOfMemory names allocation failure. The Linux selector sizes its
	// tables once in New and never grows them, so it does not return this.
	ErrOutOfMemory = errors.New("mux: out of memory")
	// ErrNotRegistered is returned by SetInterest for an fd with no current
	// registration. Unregister treats such an fd as a no-op instead.
	ErrNotRegistered = errors.New("mux: fd not registered")
)

// Handler is the optional callback vtable for a registration. Read and
// Write are invoked by Select when the descriptor is ready; Close is
// invoked exactly once, either on explicit Unregister or on selector
// teardown. All three must return without blocking.
type Handler struct {
	OnRead  func(reg *Registration)
	OnWrite func(reg *Registration)
	OnClose func(reg *Registration)
}

// Registration is the record a Selector keeps per registered descriptor.
// UserData is a borrowed reference to whatever owns the fd (a Connection,
// typically); the selector never interprets it.
type Registration struct {
	FD       int
	Handler  Handler
	UserData any

	sel    *Selector
	mask   Mask
	closed bool
}

// Mask returns the registration's current interest mask.
func (r *Registration) Mask() Mask { return r.mask }

// SetInterest updates this registration's interest mask in its owning
// selector. Idempotent.
func (r *Registration) SetInterest(mask Mask) error {
	return r.sel.SetInterest(r.FD, mask)
}
