// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/sirupsen/logrus"
	"mellium.im/sasl"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/saslerr"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/s2s"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

// handleServer handles elements on an inbound server-to-server stream.
// The remote server authenticates each domain it sends from using either
// SASL EXTERNAL or dialback.
func (s *Session) handleServer(ctx context.Context, el *element.Element) error {
	switch el.Name.Space {
	case ns.StartTLS:
		return s.handleStartTLS(ctx, el)
	case ns.SASL:
		return s.handleExternal(el)
	case ns.Dialback:
		return s.handleDialback(ctx, el)
	}
	if stanza.KindOf(el.Name) == stanza.Other {
		return stream.UnsupportedStanzaType
	}
	if s.SessionState()&Authn == 0 {
		return stream.NotAuthorized
	}
	return s.serverStanza(ctx, el)
}

func (s *Session) roots() *x509.CertPool {
	if s.env.TLS == nil {
		return nil
	}
	return s.env.TLS.RootCAs()
}

func (s *Session) handleExternal(el *element.Element) error {
	if s.SessionState()&Authn != 0 {
		return stream.UnsupportedStanzaType
	}
	switch el.Name.Local {
	case "auth":
	case "abort":
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.Aborted}.Element())
	default:
		return stream.UnsupportedStanzaType
	}

	if el.Attribute("mechanism") != s2s.TLSAuth().Name {
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.InvalidMechanism}.Element())
	}
	cs, ok := s.c.ConnectionState()
	if !ok {
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.EncryptionRequired}.Element())
	}
	peer := s.in.From.Domainpart()
	if peer == "" {
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.NotAuthorized}.Element())
	}
	data, err := saslData(el)
	if err != nil {
		return s.c.Deliver(saslerr.Failure{Condition: saslerr.IncorrectEncoding}.Element())
	}

	n := sasl.NewServer(s2s.TLSAuth(), s2s.ExternalPermissions(s.roots, peer), sasl.TLSState(cs))
	if _, _, err := n.Step(data); err != nil {
		f := saslerr.FromError(err)
		s.logger().WithError(err).WithField("peer", peer).Info("certificate authentication failed")
		return s.c.Deliver(f.Element())
	}
	if err := s.c.Deliver(saslElement("success", nil)); err != nil {
		return err
	}
	s.authenticateDomain(peer, "external")
	s.restart()
	return nil
}

func (s *Session) handleDialback(ctx context.Context, el *element.Element) error {
	db, err := s2s.ParseDialback(el)
	switch {
	case errors.Is(err, s2s.ErrBadAddress):
		return stream.ImproperAddressing
	case err != nil:
		return stream.UnsupportedStanzaType
	case db.Type != "":
		return stream.UnsupportedStanzaType
	case !s.env.IsLocal(db.To.Domainpart()):
		return stream.HostUnknown
	}

	log := s.logger().WithFields(logrus.Fields{
		"from": db.From.String(),
		"to":   db.To.String(),
	})
	switch db.Name {
	case s2s.DialbackVerify:
		valid := s2s.VerifyKey(s.env.DialbackSecret, db.From.Domainpart(), db.To.Domainpart(), db.ID, db.Key)
		log.WithField("valid", valid).Debug("answered dialback verification")
		return s.c.Deliver(db.Response(valid).Element())
	case s2s.DialbackResult:
	default:
		return stream.UnsupportedStanzaType
	}

	valid := false
	switch {
	case s.env.Settings.RequireTLS && s.SessionState()&Secure == 0:
		log.Info("refusing dialback on unencrypted stream")
	case s.env.Verifier == nil:
		log.Info("no dialback verifier configured")
	default:
		valid, err = s.env.Verifier.Verify(ctx, db, s.ID())
		if err != nil {
			log.WithError(err).Info("could not verify dialback key")
		}
	}
	if err := s.c.Deliver(db.Response(valid).Element()); err != nil {
		return err
	}
	if !valid {
		return stream.NotAuthorized
	}
	s.authenticateDomain(db.From.Domainpart(), "dialback")
	return nil
}

// authenticateDomain marks domain as verified for the stream.
// A stream may carry stanzas from several verified domains.
func (s *Session) authenticateDomain(domain, method string) {
	addr, _ := jid.New("", domain, "")
	s.mu.Lock()
	s.domains[domain] = struct{}{}
	first := s.mask&Authn == 0
	if first {
		s.addr = addr
	}
	s.mask |= Authn | Ready
	s.state = Authenticated
	s.mu.Unlock()

	s.logger().WithFields(logrus.Fields{
		"domain": domain,
		"method": method,
	}).Info("remote domain authenticated")
	s.publish(event.SessionAuthenticated, addr)
}

func (s *Session) hasDomain(domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.domains[domain]
	return ok
}

// serverStanza checks the addresses of a stanza from a remote server and routes
// it.
// Stanzas must be from a verified domain and for a domain served here.
func (s *Session) serverStanza(ctx context.Context, st *element.Element) error {
	from, err := st.FromJID()
	if err != nil || from.IsZero() || !s.hasDomain(from.Domainpart()) {
		return stream.InvalidFrom
	}
	to, err := st.ToJID()
	if err != nil || to.IsZero() {
		return stream.ImproperAddressing
	}
	domain := to.Domainpart()
	if !s.env.IsLocal(domain) && !s.isComponent(domain) {
		return stream.HostUnknown
	}
	s.env.Router.Route(ctx, s, st)
	return nil
}

func (s *Session) isComponent(domain string) bool {
	if s.env.Components == nil {
		return false
	}
	_, ok := s.env.Components.Component(domain)
	return ok
}
