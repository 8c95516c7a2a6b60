// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/conn"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// OfflineStore keeps messages for users that have no available session.
type OfflineStore interface {
	StoreOffline(ctx context.Context, msg *element.Element) error
}

// Dialer creates routes to remote servers.
// The returned route may still be connecting; it is expected to queue stanzas
// until the connection is ready.
type Dialer interface {
	Dial(ctx context.Context, domain string) (Route, error)
}

// Option configures a Router.
type Option func(*Router)

// LocalDomains sets the domains served by this server.
func LocalDomains(domains ...string) Option {
	return func(r *Router) {
		for _, d := range domains {
			r.local[d] = struct{}{}
		}
	}
}

// Offline sets the store used for undeliverable messages.
func Offline(s OfflineStore) Option {
	return func(r *Router) {
		r.offline = s
	}
}

// Remote sets the dialer used to create outgoing server-to-server routes.
// Without one, stanzas for remote domains without an existing route are
// treated as unprocessed.
func Remote(d Dialer) Option {
	return func(r *Router) {
		r.dialer = d
	}
}

// Logger sets the logger used for routing failures.
func Logger(l *logrus.Logger) Option {
	return func(r *Router) {
		r.log = l
	}
}

// Router routes stanzas using a Table.
type Router struct {
	table   *Table
	local   map[string]struct{}
	offline OfflineStore
	dialer  Dialer
	log     *logrus.Logger
}

// New returns a router that uses t to look up routes.
func New(t *Table, opts ...Option) *Router {
	r := &Router{
		table: t,
		local: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logrus.New()
		r.log.SetOutput(io.Discard)
	}
	return r
}

// Table returns the routing table used by r.
func (r *Router) Table() *Table {
	return r.table
}

// IsLocal reports whether domain is served by this server.
func (r *Router) IsLocal(domain string) bool {
	_, ok := r.local[domain]
	return ok
}

// Route sends st towards its destination.
// from is the route of the session that sent the stanza and may be nil for
// stanzas generated by the server.
//
// Route never returns delivery failures to the caller: they are logged and the
// stanza is handed to the unprocessed stanza policy.
// Stanzas for registered components and remote domains go to their route,
// stanzas addressed to the server itself go back to the sender, and stanzas for
// local users go to their best session.
func (r *Router) Route(ctx context.Context, from Route, st *element.Element) {
	to, err := st.ToJID()
	if err != nil {
		r.logger(st).WithError(err).Info("dropping stanza with invalid recipient")
		return
	}
	domain := to.Domainpart()

	switch {
	case domain != "" && (r.table.HasDomain(domain) || !r.IsLocal(domain)):
		r.routeDomain(ctx, to, st)
	case to.IsZero() || (to.IsDomain() && r.IsLocal(domain)):
		r.routeSelf(ctx, from, st)
	default:
		r.routeLocal(ctx, to, st)
	}
}

func (r *Router) routeDomain(ctx context.Context, to jid.JID, st *element.Element) {
	route := r.table.Route(to.Domain())
	if route == nil && r.dialer != nil && !r.IsLocal(to.Domainpart()) {
		dialed, err := r.dialer.Dial(ctx, to.Domainpart())
		if err != nil {
			r.logger(st).WithError(err).Warn("could not create remote route")
			r.Unprocessed(ctx, st)
			return
		}
		existing, ok, err := r.table.RegisterIfAbsent(to.Domain(), dialed)
		switch {
		case err != nil:
			r.logger(st).WithError(err).Warn("could not register remote route")
			r.Unprocessed(ctx, st)
			return
		case !ok:
			if c, isCloser := dialed.(io.Closer); isCloser {
				/* #nosec */
				_ = c.Close()
			}
			route = existing
		default:
			route = dialed
		}
	}
	if route == nil {
		r.Unprocessed(ctx, st)
		return
	}
	err := route.Process(ctx, st)
	switch {
	case errors.Is(err, conn.ErrClosed):
		r.logger(st).Debug("stale domain route, route closed during delivery")
		r.Unprocessed(ctx, st)
	case err != nil:
		r.logger(st).WithError(err).Warn("domain route failed to process stanza")
	}
}

func (r *Router) routeSelf(ctx context.Context, from Route, st *element.Element) {
	if from == nil {
		r.logger(st).Debug("dropping stanza addressed to the server with no sender")
		return
	}
	if l, ok := from.(LocalRoute); ok && l.IsClosed() {
		r.logger(st).Debug("dropping stanza for closed sender")
		return
	}
	if err := from.Process(ctx, st); err != nil {
		r.logger(st).WithError(err).Debug("could not redeliver stanza to sender")
	}
}

func (r *Router) routeLocal(ctx context.Context, to jid.JID, st *element.Element) {
	best := r.table.BestRoute(to)
	if best == nil {
		r.Unprocessed(ctx, st)
		return
	}
	err := best.Deliver(st)
	switch {
	case errors.Is(err, conn.ErrClosed):
		r.logger(st).Debug("stale route, session closed during delivery")
		r.Unprocessed(ctx, st)
	case err != nil:
		r.logger(st).WithError(err).Warn("delivery failed")
	}
}

// Unprocessed applies the policy for stanzas that could not be delivered.
// Chat and normal messages are stored offline, other messages are dropped,
// presence is dropped silently, and anything else is dropped with a warning.
func (r *Router) Unprocessed(ctx context.Context, st *element.Element) {
	switch stanza.KindOf(st.Name) {
	case stanza.Message:
		switch st.Type() {
		case "", stanza.NormalMessage, stanza.ChatMessage:
		default:
			r.logger(st).Debug("dropping undeliverable message")
			return
		}
		if r.offline == nil {
			r.logger(st).Debug("no offline store, dropping message")
			return
		}
		if err := r.offline.StoreOffline(ctx, st); err != nil {
			r.logger(st).WithError(err).Warn("could not store offline message")
		}
	case stanza.Presence:
	default:
		r.logger(st).Warn("dropping undeliverable stanza")
	}
}

func (r *Router) logger(st *element.Element) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{
		"to":     st.To(),
		"from":   st.From(),
		"stanza": st.String(),
	})
}
