// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"strings"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

func (s *Session) handleComponent(ctx context.Context, el *element.Element) error {
	if s.SessionState()&Authn == 0 {
		if el.Name.Space != ns.Component || el.Name.Local != "handshake" {
			return stream.NotAuthorized
		}
		return s.handshake(el)
	}
	if el.Name.Space == ns.Component && el.Name.Local == "bind" {
		return s.componentBind(el)
	}
	if stanza.KindOf(el.Name) == stanza.Other {
		return stream.UnsupportedStanzaType
	}
	return s.componentStanza(ctx, el)
}

func (s *Session) handshake(el *element.Element) error {
	domain := s.local.Domainpart()
	secret, err := s.env.Components.Secret(domain)
	if err != nil {
		return stream.HostUnknown
	}
	if !component.VerifyHandshake(s.ID(), secret, strings.TrimSpace(el.Text())) {
		s.logger().WithField("domain", domain).Info("component handshake failed")
		return stream.NotAuthorized
	}
	switch err := s.env.Components.AddComponent(domain, s); {
	case errors.Is(err, component.ErrConflict):
		return stream.Conflict
	case err != nil:
		s.logger().WithError(err).Info("could not add component")
		return stream.NotAuthorized
	}

	binder := component.NewBinder(s.env.Components, domain, s)
	s.mu.Lock()
	s.binder = binder
	s.addr = s.local
	s.state = Authenticated
	s.mask |= Authn | Ready
	s.mu.Unlock()
	if err := s.c.Deliver(element.New(ns.Component, "handshake")); err != nil {
		return err
	}
	s.logger().WithField("domain", domain).Info("component authenticated")
	s.publish(event.SessionAuthenticated, s.local)
	return nil
}

func (s *Session) componentBinder() *component.Binder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.binder
}

// componentBind binds an additional subdomain for the component.
func (s *Session) componentBind(req *element.Element) error {
	binder := s.componentBinder()
	before := len(binder.Domains())
	if err := s.c.Deliver(binder.Bind(req)); err != nil {
		return err
	}
	if len(binder.Domains()) > before {
		addr, err := jid.New("", strings.TrimSpace(req.Attribute("name")), "")
		if err == nil {
			s.publish(event.ComponentBound, addr)
		}
	}
	return nil
}

// componentStanza routes a stanza sent by the component.
// Components choose their own from address but it must be a domain they hold.
func (s *Session) componentStanza(ctx context.Context, st *element.Element) error {
	from, err := st.FromJID()
	if err != nil || from.IsZero() || !s.componentBinder().Owns(from.Domainpart()) {
		return stream.InvalidFrom
	}
	if _, err := st.ToJID(); err != nil {
		if st.Type() != stanza.ErrorIQ {
			return s.c.Deliver(stanza.Reply(st, stanza.NewError(stanza.JIDMalformed)))
		}
		return nil
	}
	s.env.Router.Route(ctx, s, st)
	return nil
}
