// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"errors"
	"sync"

	"mellium.im/xmppd/jid"
)

// Errors returned by the routing table.
var (
	ErrNotLocal = errors.New("router: full JID routes must be local sessions")
	ErrNoDomain = errors.New("router: route address has no domain")
)

// Table maps addresses to routes.
//
// Every method is safe for concurrent use and individually atomic.
// Compound operations that check the table and then modify it hold a lock
// scoped to the bare JID or domain being changed, so unrelated keys never
// contend.
// A routing key lock is always taken before a session's write lock and never
// the reverse: sessions evicted by Register are closed only after the key lock
// is released.
type Table struct {
	keys keyLocks

	mu      sync.RWMutex
	users   map[jid.JID]map[string]LocalRoute
	domains map[string]Route
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{
		users:   make(map[jid.JID]map[string]LocalRoute),
		domains: make(map[string]Route),
	}
}

func keyFor(addr jid.JID) string {
	if addr.Resourcepart() != "" || addr.Localpart() != "" {
		return addr.Bare().String()
	}
	return addr.Domainpart()
}

// Register adds a route for addr and returns the route it replaced, if any.
//
// A full JID registers a client resource and target must be a LocalRoute.
// Registering a resource never removes the other resources of the same bare
// JID.
// If the resource was already bound, the old session is swapped out
// atomically and closed before Register returns, so that once Register
// returns the table can no longer return the old session.
// Any other address registers a route for its domain.
func (t *Table) Register(addr jid.JID, target Route) (evicted Route, err error) {
	if addr.Domainpart() == "" {
		return nil, ErrNoDomain
	}
	if addr.Resourcepart() == "" {
		unlock := t.keys.lock(keyFor(addr))
		defer unlock()
		t.mu.Lock()
		defer t.mu.Unlock()
		evicted = t.domains[addr.Domainpart()]
		t.domains[addr.Domainpart()] = target
		return evicted, nil
	}

	local, ok := target.(LocalRoute)
	if !ok {
		return nil, ErrNotLocal
	}
	old := t.registerLocal(addr, local, true)
	if old == nil {
		return nil, nil
	}
	/* #nosec */
	_ = old.Close()
	return old, nil
}

// RegisterIfAbsent adds a route for addr only if there is none yet.
// It reports whether the route was added and returns the existing route if it
// was not.
func (t *Table) RegisterIfAbsent(addr jid.JID, target Route) (existing Route, ok bool, err error) {
	if addr.Domainpart() == "" {
		return nil, false, ErrNoDomain
	}
	if addr.Resourcepart() == "" {
		unlock := t.keys.lock(keyFor(addr))
		defer unlock()
		t.mu.Lock()
		defer t.mu.Unlock()
		if r, found := t.domains[addr.Domainpart()]; found {
			return r, false, nil
		}
		t.domains[addr.Domainpart()] = target
		return nil, true, nil
	}

	local, isLocal := target.(LocalRoute)
	if !isLocal {
		return nil, false, ErrNotLocal
	}
	if old := t.registerLocal(addr, local, false); old != nil {
		return old, false, nil
	}
	return nil, true, nil
}

// registerLocal binds addr to r under the key lock.
// If the resource is already bound the existing route is returned, and
// replaced only if replace is true.
func (t *Table) registerLocal(addr jid.JID, r LocalRoute, replace bool) LocalRoute {
	unlock := t.keys.lock(keyFor(addr))
	defer unlock()

	bare := addr.Bare()
	res := addr.Resourcepart()

	t.mu.Lock()
	defer t.mu.Unlock()
	resources, ok := t.users[bare]
	if !ok {
		resources = make(map[string]LocalRoute)
		t.users[bare] = resources
	}
	old := resources[res]
	if old != nil && !replace {
		return old
	}
	resources[res] = r
	return old
}

// Unregister removes the route for addr if it still maps to target and
// reports whether anything was removed.
func (t *Table) Unregister(addr jid.JID, target Route) bool {
	unlock := t.keys.lock(keyFor(addr))
	defer unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if addr.Resourcepart() == "" {
		if r, ok := t.domains[addr.Domainpart()]; ok && r == target {
			delete(t.domains, addr.Domainpart())
			return true
		}
		return false
	}

	bare := addr.Bare()
	resources := t.users[bare]
	r, ok := resources[addr.Resourcepart()]
	if !ok || Route(r) != target {
		return false
	}
	delete(resources, addr.Resourcepart())
	if len(resources) == 0 {
		delete(t.users, bare)
	}
	return true
}

// Route returns the route for the exact full JID addr if it is a bound
// resource, and otherwise the route registered for its domain.
// It returns nil if there is neither.
func (t *Table) Route(addr jid.JID) Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if res := addr.Resourcepart(); res != "" {
		if r, ok := t.users[addr.Bare()][res]; ok {
			return r
		}
	}
	if r, ok := t.domains[addr.Domainpart()]; ok {
		return r
	}
	return nil
}

// HasDomain reports whether a component or remote server route is registered
// for domain.
func (t *Table) HasDomain(domain string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.domains[domain]
	return ok
}

// BestRoute returns the local session that should receive a stanza addressed
// to addr.
//
// For a full JID it is the session bound to that resource, if it is still
// open.
// For a bare JID it is the open session with the highest priority, with ties
// going to the most recently active session and then to the lexicographically
// smallest resource.
// Sessions with a negative priority never receive stanzas addressed to the
// bare JID.
// It returns nil if no session qualifies.
func (t *Table) BestRoute(addr jid.JID) LocalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()

	resources := t.users[addr.Bare()]
	if res := addr.Resourcepart(); res != "" {
		r, ok := resources[res]
		if !ok || r.IsClosed() {
			return nil
		}
		return r
	}

	var (
		best    LocalRoute
		bestRes string
	)
	for res, r := range resources {
		if r.IsClosed() || r.Priority() < 0 {
			continue
		}
		if best == nil || better(r, res, best, bestRes) {
			best, bestRes = r, res
		}
	}
	return best
}

func better(r LocalRoute, res string, best LocalRoute, bestRes string) bool {
	if p, bp := r.Priority(), best.Priority(); p != bp {
		return p > bp
	}
	if a, ba := r.LastActive(), best.LastActive(); !a.Equal(ba) {
		return a.After(ba)
	}
	return res < bestRes
}

// Resources returns every session bound to a resource of the bare JID addr,
// including closed sessions that have not unregistered yet.
func (t *Table) Resources(addr jid.JID) map[string]LocalRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	resources := t.users[addr.Bare()]
	out := make(map[string]LocalRoute, len(resources))
	for res, r := range resources {
		out[res] = r
	}
	return out
}
