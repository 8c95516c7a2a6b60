// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"crypto/tls"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

func (s *Session) handleClient(ctx context.Context, el *element.Element) error {
	switch el.Name.Space {
	case ns.StartTLS:
		return s.handleStartTLS(ctx, el)
	case ns.SASL:
		return s.handleSASL(el)
	case ns.CompressProto:
		return s.handleCompress(el)
	}
	if stanza.KindOf(el.Name) == stanza.Other {
		return stream.UnsupportedStanzaType
	}

	mask := s.SessionState()
	switch {
	case mask&Authn == 0:
		return stream.NotAuthorized
	case mask&Ready == 0:
		if stanza.KindOf(el.Name) == stanza.IQ && el.Type() == stanza.SetIQ {
			switch {
			case el.Child(ns.Bind, "bind") != nil:
				return s.bind(el)
			case el.Child(ns.Session, "session") != nil:
				return s.c.Deliver(stanza.Result(el))
			}
		}
		return stream.NotAuthorized
	}
	return s.clientStanza(ctx, el)
}

func (s *Session) handleSASL(el *element.Element) error {
	if s.SessionState()&Authn != 0 {
		return stream.UnsupportedStanzaType
	}
	switch el.Name.Local {
	case "auth":
		if s.env.Settings.RequireTLS && s.SessionState()&Secure == 0 {
			return s.c.Deliver(saslerr.Failure{Condition: saslerr.EncryptionRequired}.Element())
		}
		if s.env.Auth == nil {
			return s.c.Deliver(saslerr.Failure{Condition: saslerr.InvalidMechanism}.Element())
		}
		var state *tls.ConnectionState
		if cs, ok := s.c.ConnectionState(); ok {
			state = &cs
		}
		neg, err := s.env.Auth.Start(el.Attribute("mechanism"), state)
		if err != nil {
			return s.c.Deliver(saslerr.Failure{Condition: saslerr.InvalidMechanism}.Element())
		}
		s.sasl = neg
		s.setState(Negotiating, 0)
		if strings.TrimSpace(el.Text()) == "" {
			// No initial response, ask for one.
			return s.c.Deliver(saslElement("challenge", nil))
		}
		return s.saslStep(el)
	case "response":
		if s.sasl == nil {
			return s.c.Deliver(saslerr.Failure{Condition: saslerr.MalformedRequest}.Element())
		}
		return s.saslStep(el)
	case "abort":
		s.sasl = nil
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.Aborted}.Element())
	}
	return stream.UnsupportedStanzaType
}

func (s *Session) saslStep(el *element.Element) error {
	data, err := saslData(el)
	if err != nil {
		s.sasl = nil
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.IncorrectEncoding}.Element())
	}
	more, resp, err := s.sasl.Step(data)
	if err != nil {
		s.sasl = nil
		f := saslerr.FromError(err)
		s.logger().WithError(err).WithField("condition", f.Condition).Info("authentication failed")
		return s.c.Deliver(f.Element())
	}
	if more {
		return s.c.Deliver(saslElement("challenge", resp))
	}

	user := s.sasl.Username()
	s.sasl = nil
	addr, err := jid.New(user, s.local.Domainpart(), "")
	if err != nil {
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.NotAuthorized}.Element())
	}
	if err := s.c.Deliver(saslElement("success", resp)); err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = addr
	s.state = Authenticated
	s.mask |= Authn
	s.log = s.log.WithField("jid", addr.String())
	s.mu.Unlock()
	s.logger().Info("client authenticated")
	s.publish(event.SessionAuthenticated, addr)
	s.restart()
	return nil
}

// bind assigns a resource to the session and registers it in the routing
// table.
// With the Replace policy an existing session with the same full JID is
// closed with a conflict stream error before the result is sent.
func (s *Session) bind(iq *element.Element) error {
	var res string
	if r := iq.Child(ns.Bind, "bind").Child(ns.Bind, "resource"); r != nil {
		res = strings.TrimSpace(r.Text())
	}
	if res == "" {
		res = uuid.NewString()
	}
	full, err := s.JID().WithResource(res)
	if err != nil {
		return s.c.Deliver(stanza.Reply(iq, stanza.NewError(stanza.BadRequest)))
	}

	s.mu.Lock()
	s.addr = full
	s.state = Bound
	s.mu.Unlock()
	unbind := func(cond stanza.Condition) error {
		s.mu.Lock()
		s.addr = full.Bare()
		s.state = Authenticated
		s.mu.Unlock()
		return s.c.Deliver(stanza.Reply(iq, stanza.NewError(cond)))
	}

	switch s.env.Settings.ResourceConflict {
	case Reject:
		_, ok, err := s.env.Table.RegisterIfAbsent(full, s)
		switch {
		case err != nil:
			s.logger().WithError(err).Warn("could not register resource")
			return unbind(stanza.InternalServerError)
		case !ok:
			return unbind(stanza.Conflict)
		}
	default:
		if old, ok := s.env.Table.Route(full).(*Session); ok && old != s {
			old.conflict.Store(true)
		}
		if _, err := s.env.Table.Register(full, s); err != nil {
			s.logger().WithError(err).Warn("could not register resource")
			return unbind(stanza.InternalServerError)
		}
	}

	s.mu.Lock()
	s.mask |= Ready
	s.log = s.log.WithField("jid", full.String())
	s.mu.Unlock()

	result := stanza.Result(iq)
	result.AppendChild(element.New(ns.Bind, "bind")).
		AppendChild(element.New(ns.Bind, "jid")).SetText(full.String())
	if err := s.c.Deliver(result); err != nil {
		return err
	}
	s.logger().Info("resource bound")
	s.publish(event.ResourceBound, full)
	return nil
}

// clientStanza stamps a stanza from a bound client with its full JID and
// routes it.
func (s *Session) clientStanza(ctx context.Context, st *element.Element) error {
	full := s.JID()
	st.SetAttr("from", full.String())

	to, err := st.ToJID()
	if err != nil {
		if st.Type() != stanza.ErrorIQ {
			reply := stanza.Reply(st, stanza.NewError(stanza.JIDMalformed))
			reply.SetAttr("from", s.local.String())
			return s.c.Deliver(reply)
		}
		return nil
	}

	switch stanza.KindOf(st.Name) {
	case stanza.Presence:
		if to.IsZero() {
			s.updatePresence(ctx, st)
		}
	case stanza.IQ:
		if stanza.IsRequest(st) && (to.IsZero() || to.Equal(full.Bare()) || (to.IsDomain() && s.env.IsLocal(to.Domainpart()))) {
			return s.serverIQ(st)
		}
	}
	s.env.Router.Route(ctx, s, st)
	return nil
}

// serverIQ answers requests addressed to the server or to the account of the
// sender.
func (s *Session) serverIQ(iq *element.Element) error {
	switch {
	case iq.Type() == stanza.SetIQ && iq.Child(ns.Session, "session") != nil,
		iq.Type() == stanza.GetIQ && iq.Child(ns.Ping, "ping") != nil:
		return s.c.Deliver(stanza.Result(iq))
	}
	reply := stanza.Reply(iq, stanza.NewError(stanza.ServiceUnavailable))
	if reply.From() == "" {
		reply.SetAttr("from", s.local.String())
	}
	return s.c.Deliver(reply)
}

// updatePresence records broadcast presence from the client.
// The first available presence with a non-negative priority flushes stored
// offline messages.
func (s *Session) updatePresence(ctx context.Context, p *element.Element) {
	switch p.Type() {
	case stanza.AvailablePresence:
		prio := 0
		if el := p.Child("", "priority"); el != nil {
			n, err := strconv.Atoi(strings.TrimSpace(el.Text()))
			if err == nil && n >= -128 && n <= 127 {
				prio = n
			}
		}
		s.mu.Lock()
		s.available = true
		s.priority = prio
		s.lastActive = time.Now()
		s.mu.Unlock()
		if !s.flushed && prio >= 0 {
			s.flushed = true
			s.flushOffline(ctx)
		}
	case stanza.UnavailablePresence:
		s.mu.Lock()
		s.available = false
		s.priority = 0
		s.mu.Unlock()
	}
}

func (s *Session) flushOffline(ctx context.Context) {
	if s.env.Offline == nil {
		return
	}
	bare := s.JID().Bare()
	log := s.logger()
	msgs, err := s.env.Offline.Retrieve(ctx, bare)
	if err != nil {
		log.WithError(err).Warn("could not retrieve offline messages")
		return
	}
	if len(msgs) == 0 {
		return
	}
	delivered := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		if err := s.c.Deliver(msg.Stanza); err != nil {
			log.WithError(err).Info("could not deliver offline messages")
			break
		}
		delivered = append(delivered, msg.ID)
	}
	// Only the delivered messages are removed; anything stored since Retrieve
	// stays for the next flush.
	if err := s.env.Offline.Delete(ctx, bare, delivered...); err != nil {
		log.WithError(err).Warn("could not delete offline messages")
		return
	}
	log.WithField("count", len(delivered)).Debug("delivered offline messages")
}
