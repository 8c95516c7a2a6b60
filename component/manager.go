// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package component

import (
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
)

// Errors returned by the Manager.
var (
	ErrConflict      = errors.New("component: domain is already bound")
	ErrReserved      = errors.New("component: domain is reserved")
	ErrUnknownDomain = errors.New("component: no secret configured for domain")
)

// Handle is the route to a connected component.
// Handles are compared by identity, so they should be pointers.
type Handle interface {
	router.Route
}

// Option configures a Manager.
type Option func(*Manager)

// Secrets sets the shared secret accepted for each component domain.
func Secrets(secrets map[string]string) Option {
	return func(m *Manager) {
		for domain, secret := range secrets {
			m.secrets[domain] = []byte(secret)
		}
	}
}

// Reserved sets domains that components may never bind, usually the domains
// served by the server itself.
func Reserved(domains ...string) Option {
	return func(m *Manager) {
		for _, d := range domains {
			m.reserved[d] = struct{}{}
		}
	}
}

// Logger sets the logger used by the manager.
func Logger(l *logrus.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager tracks the connected components.
// It is safe for concurrent use.
type Manager struct {
	table    *router.Table
	secrets  map[string][]byte
	reserved map[string]struct{}
	log      *logrus.Logger

	mu    sync.RWMutex
	comps map[string]Handle
}

// NewManager returns a manager that registers component domains in t.
func NewManager(t *router.Table, opts ...Option) *Manager {
	m := &Manager{
		table:    t,
		secrets:  make(map[string][]byte),
		reserved: make(map[string]struct{}),
		comps:    make(map[string]Handle),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = logrus.New()
		m.log.SetOutput(io.Discard)
	}
	return m
}

// Secret returns the shared secret that a component connecting as domain must
// prove knowledge of.
func (m *Manager) Secret(domain string) ([]byte, error) {
	s, ok := m.secrets[domain]
	if !ok {
		return nil, ErrUnknownDomain
	}
	return s, nil
}

// AddComponent makes h responsible for domain.
// It fails with ErrConflict if another component already has the domain.
func (m *Manager) AddComponent(domain string, h Handle) error {
	addr, err := jid.New("", domain, "")
	if err != nil {
		return err
	}
	domain = addr.Domainpart()
	if _, ok := m.reserved[domain]; ok {
		return ErrReserved
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.comps[domain]; ok && existing != h {
		return ErrConflict
	}
	existing, ok, err := m.table.RegisterIfAbsent(addr, h)
	switch {
	case err != nil:
		return err
	case !ok && existing != router.Route(h):
		return ErrConflict
	}
	m.comps[domain] = h
	m.log.WithField("domain", domain).Info("component bound")
	return nil
}

// RemoveComponent releases domain if it is still held by h.
func (m *Manager) RemoveComponent(domain string, h Handle) {
	addr, err := jid.New("", domain, "")
	if err != nil {
		return
	}
	domain = addr.Domainpart()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.comps[domain]; !ok || existing != h {
		return
	}
	delete(m.comps, domain)
	m.table.Unregister(addr, h)
	m.log.WithField("domain", domain).Info("component unbound")
}

// Component returns the component responsible for domain.
func (m *Manager) Component(domain string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.comps[domain]
	return h, ok
}

// Domains returns every bound component domain in lexical order.
func (m *Manager) Domains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.comps))
	for d := range m.comps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
