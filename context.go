package dsroute

import (
	"context"
	"sync/atomic"
)

// The routing key travels with the call chain. The nearest value wins: an
// explicit identifier set with WithIdentifier/WithoutIdentifier or a Holder
// attached with NewHolderContext.
type routingKey struct{}

type holderKey struct{}

type fixedRouting struct {
	id  Identifier
	set bool
}

// WithIdentifier returns a copy of ctx routed to id. It overrides any
// identifier or holder inherited from the parent.
func WithIdentifier(ctx context.Context, id Identifier) context.Context {
	return context.WithValue(ctx, routingKey{}, fixedRouting{id: id, set: true})
}

// WithoutIdentifier returns a copy of ctx with an empty routing key, so
// operations under it use the default target.
func WithoutIdentifier(ctx context.Context) context.Context {
	return context.WithValue(ctx, routingKey{}, fixedRouting{})
}

// IdentifierFromContext returns the routing key of ctx. The second result
// is false when no key is set.
func IdentifierFromContext(ctx context.Context) (Identifier, bool) {
	if ctx == nil {
		return 0, false
	}
	switch v := ctx.Value(routingKey{}).(type) {
	case fixedRouting:
		return v.id, v.set
	case *Holder:
		return v.Get()
	}
	return 0, false
}

// Holder is a mutable routing slot owned by a single call chain. It exists
// for callers that must switch the routing key without rebuilding their
// context, e.g. a wrapper around an existing handler. A holder must not be
// shared between concurrent operations.
type Holder struct {
	// 0 is empty, otherwise identifier+1.
	v atomic.Uint32
}

// NewHolderContext attaches a fresh, empty holder to ctx.
func NewHolderContext(ctx context.Context) (context.Context, *Holder) {
	h := &Holder{}
	ctx = context.WithValue(ctx, holderKey{}, h)
	return context.WithValue(ctx, routingKey{}, h), h
}

// HolderFromContext returns the holder attached to ctx or nil.
func HolderFromContext(ctx context.Context) *Holder {
	if ctx == nil {
		return nil
	}
	h, _ := ctx.Value(holderKey{}).(*Holder)
	return h
}

// Set stores id, overwriting a previous value.
func (h *Holder) Set(id Identifier) {
	h.v.Store(uint32(id) + 1)
}

// Get returns the stored identifier; false when the holder is empty.
func (h *Holder) Get() (Identifier, bool) {
	v := h.v.Load()
	if v == 0 {
		return 0, false
	}
	return Identifier(v - 1), true
}

// Clear empties the holder.
func (h *Holder) Clear() {
	h.v.Store(0)
}

// AssertEmpty returns ErrRoutingKeyLeak if the holder still carries a key.
// Call it when a new top-level operation starts on a reused holder.
func (h *Holder) AssertEmpty() error {
	if _, ok := h.Get(); ok {
		return ErrRoutingKeyLeak
	}
	return nil
}

// Use runs fn with the routing key set to id and releases it on every exit
// path, panics included.
//
// If the routing of ctx is driven by a holder, the holder is set for the
// duration of fn and then restored to its previous state, so nested scopes
// never strip the key of an outer one. Otherwise fn receives a derived
// context and nothing has to be released.
func Use(ctx context.Context, id Identifier, fn func(ctx context.Context) error) error {
	h, ok := ctx.Value(routingKey{}).(*Holder)
	if !ok {
		return fn(WithIdentifier(ctx, id))
	}

	prev, wasSet := h.Get()
	h.Set(id)
	defer func() {
		if wasSet {
			h.Set(prev)
		} else {
			h.Clear()
		}
	}()

	return fn(ctx)
}

// ReadOnly runs fn routed to the slave datasource.
func ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return Use(ctx, Slave, fn)
}

// ReadWrite runs fn routed to the master datasource.
func ReadWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	return Use(ctx, Master, fn)
}
