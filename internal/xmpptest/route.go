// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package xmpptest provides utilities for XMPP testing.
package xmpptest // import "mellium.im/xmppd/internal/xmpptest"

import (
	"context"
	"sync"
	"time"

	"mellium.im/xmppd/conn"
	"mellium.im/xmppd/element"
)

// Route is a local route that records the stanzas delivered to it.
type Route struct {
	mu        sync.Mutex
	prio      int
	active    time.Time
	closed    bool
	closes    int
	delivered []*element.Element
}

// NewRoute returns an open route with the given priority and activity time.
func NewRoute(prio int, active time.Time) *Route {
	return &Route{prio: prio, active: active}
}

// Process records st.
func (r *Route) Process(_ context.Context, st *element.Element) error {
	return r.Deliver(st)
}

// Deliver records st, or returns conn.ErrClosed if the route was closed.
func (r *Route) Deliver(st *element.Element) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return conn.ErrClosed
	}
	r.delivered = append(r.delivered, st)
	return nil
}

// Delivered returns the stanzas delivered so far.
func (r *Route) Delivered() []*element.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*element.Element, len(r.delivered))
	copy(out, r.delivered)
	return out
}

// Priority returns the priority the route was created with.
func (r *Route) Priority() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prio
}

// LastActive returns the activity time the route was created with.
func (r *Route) LastActive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// IsClosed reports whether Close has been called.
func (r *Route) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close marks the route closed.
func (r *Route) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.closes++
	return nil
}

// Closes returns the number of times Close was called.
func (r *Route) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}
