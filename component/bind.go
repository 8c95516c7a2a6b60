// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package component

import (
	"sort"
	"strings"
	"sync"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Binder handles <bind/> requests from one component connection.
//
// The component's initial domain is the one it authenticated as.
// Additional domains must be strict subdomains of the initial domain.
type Binder struct {
	m       *Manager
	initial string
	h       Handle

	mu      sync.Mutex
	domains map[string]struct{}
}

// NewBinder returns a binder for the component h that authenticated as
// initial.
func NewBinder(m *Manager, initial string, h Handle) *Binder {
	return &Binder{
		m:       m,
		initial: initial,
		h:       h,
		domains: make(map[string]struct{}),
	}
}

// Bind processes a bind request and returns the reply to send.
//
// The name attribute is checked in this order:
// an empty or invalid name is a bad-request;
// the initial domain succeeds without any change;
// a subdomain of the initial domain that was already bound is a conflict,
// otherwise it is added to the Manager and fails with
// internal-server-error if the Manager refuses it;
// anything else is forbidden.
func (b *Binder) Bind(req *element.Element) *element.Element {
	name := strings.TrimSpace(req.Attribute("name"))
	if name == "" {
		return bindError(req, stanza.BadRequest)
	}
	addr, err := jid.New("", name, "")
	if err != nil {
		return bindError(req, stanza.BadRequest)
	}
	// Compare and store the normalized domain so case variants are the same
	// binding.
	name = addr.Domainpart()
	switch {
	case name == b.initial:
		return bindResult(req)
	case !strings.HasSuffix(name, "."+b.initial):
		return bindError(req, stanza.Forbidden)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.domains[name]; ok {
		return bindError(req, stanza.Conflict)
	}
	if err := b.m.AddComponent(name, b.h); err != nil {
		b.m.log.WithError(err).WithField("domain", name).Warn("component bind failed")
		return bindError(req, stanza.InternalServerError)
	}
	b.domains[name] = struct{}{}
	return bindResult(req)
}

// Owns reports whether domain is the initial domain or one of the additional
// domains bound by this component.
func (b *Binder) Owns(domain string) bool {
	if domain == b.initial {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.domains[domain]
	return ok
}

// Domains returns the initial domain followed by the additional domains in
// lexical order.
func (b *Binder) Domains() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.domains)+1)
	for d := range b.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return append([]string{b.initial}, out...)
}

// Release removes every domain held by the component from the Manager.
func (b *Binder) Release() {
	b.mu.Lock()
	domains := b.domains
	b.domains = make(map[string]struct{})
	b.mu.Unlock()

	for d := range domains {
		b.m.RemoveComponent(d, b.h)
	}
	b.m.RemoveComponent(b.initial, b.h)
}

func bindResult(req *element.Element) *element.Element {
	return element.New(req.Name.Space, "bind")
}

func bindError(req *element.Element, cond stanza.Condition) *element.Element {
	reply := req.Copy()
	reply.AppendChild(stanza.NewError(cond).Element())
	return reply
}
