package persistence

import (
	"sync/atomic"

	"github.com/dyluth/stash/internal/endpoint"
	"github.com/dyluth/stash/internal/store"
)

// Status is the lifecycle state of a connection handle.
type Status int32

// Handle states. A handle moves Uninitialized → Probing → Connected or
// Unavailable exactly once per process. A shadow with no configured target,
// or one that reaches the primary's store, still passes through Probing and
// ends Unavailable.
const (
	StatusUninitialized Status = iota
	StatusProbing
	StatusConnected
	StatusUnavailable
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusProbing:
		return "probing"
	case StatusConnected:
		return "connected"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Role distinguishes the primary handle from the shadow handle.
type Role string

const (
	RolePrimary Role = "primary"
	RoleShadow  Role = "shadow"
)

// connection is an immutable snapshot published through a Handle.
type connection struct {
	status Status
	target endpoint.Target
	store  store.Store
	err    error
}

// Handle is a thread-safe reference to a store connection. Only the prober
// publishes to it; everything else reads snapshots, so readers never observe
// a partially initialized connection.
type Handle struct {
	role  Role
	state atomic.Pointer[connection]
}

func newHandle(role Role) *Handle {
	h := &Handle{role: role}
	h.state.Store(&connection{status: StatusUninitialized})
	return h
}

// Role returns the handle's role.
func (h *Handle) Role() Role {
	return h.role
}

// Status returns the current state.
func (h *Handle) Status() Status {
	return h.state.Load().status
}

// Target returns the target the handle connected to, if any.
func (h *Handle) Target() (endpoint.Target, bool) {
	c := h.state.Load()
	return c.target, c.status == StatusConnected
}

// Err returns the diagnostic recorded when the handle became unavailable.
func (h *Handle) Err() error {
	return h.state.Load().err
}

// connected returns the live store when the handle is Connected.
func (h *Handle) connected() (store.Store, endpoint.Target, bool) {
	c := h.state.Load()
	if c.status != StatusConnected || c.store == nil {
		return nil, endpoint.Target{}, false
	}
	return c.store, c.target, true
}

// transition publishes next if the handle is currently in state from.
// It reports whether the publish happened.
func (h *Handle) transition(from Status, next *connection) bool {
	cur := h.state.Load()
	if cur.status != from {
		return false
	}
	return h.state.CompareAndSwap(cur, next)
}
