// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"mellium.im/xmppd/compress"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stream"
)

// features returns the stream features list for the current negotiation
// state.
// While TLS is required but not yet negotiated only STARTTLS is offered.
func (s *Session) features() *element.Element {
	f := element.New(ns.Stream, "features")
	mask := s.SessionState()
	secure := mask&Secure == Secure

	if !secure && s.env.tlsEnabled() {
		tls := f.AppendChild(element.New(ns.StartTLS, "starttls"))
		if s.env.Settings.RequireTLS {
			tls.AppendChild(element.New(ns.StartTLS, "required"))
		}
	}
	if !secure && s.env.Settings.RequireTLS {
		return f
	}

	switch s.Kind() {
	case Client:
		if mask&Authn == 0 {
			if s.env.Auth != nil {
				mechs := f.AppendChild(element.New(ns.SASL, "mechanisms"))
				for _, name := range s.env.Auth.Names() {
					mechs.AppendChild(element.New(ns.SASL, "mechanism")).SetText(name)
				}
			}
			return f
		}
		if s.env.Settings.Compression && mask&Compressed == 0 {
			methods := f.AppendChild(element.New(ns.CompressFeature, "compression"))
			for _, name := range compress.Names() {
				methods.AppendChild(element.New(ns.CompressFeature, "method")).SetText(name)
			}
		}
		f.AppendChild(element.New(ns.Bind, "bind"))
		f.AppendChild(element.New(ns.Session, "session")).
			AppendChild(element.New(ns.Session, "optional"))
	case Server:
		if mask&Authn != 0 {
			return f
		}
		if cs, ok := s.c.ConnectionState(); ok && len(cs.PeerCertificates) > 0 {
			mechs := f.AppendChild(element.New(ns.SASL, "mechanisms"))
			mechs.AppendChild(element.New(ns.SASL, "mechanism")).SetText("EXTERNAL")
		}
		f.AppendChild(element.New(ns.DialbackFeature, "dialback")).
			AppendChild(element.New(ns.DialbackFeature, "errors"))
	}
	return f
}

// handleStartTLS upgrades the connection in response to a <starttls/>
// request and restarts the stream.
func (s *Session) handleStartTLS(ctx context.Context, el *element.Element) error {
	if el.Name.Local != "starttls" {
		return stream.UnsupportedStanzaType
	}
	failure := func(reason error) error {
		/* #nosec */
		_ = s.c.Deliver(element.New(ns.StartTLS, "failure"))
		return fmt.Errorf("%w: %v", errHangup, reason)
	}
	if s.SessionState()&Secure != 0 || !s.env.tlsEnabled() {
		return failure(fmt.Errorf("session: STARTTLS not available"))
	}
	cfg, err := s.env.TLS.ServerConfig()
	if err != nil {
		return failure(err)
	}
	if err := s.c.Deliver(element.New(ns.StartTLS, "proceed")); err != nil {
		return err
	}
	if err := s.c.StartTLS(ctx, cfg); err != nil {
		return fmt.Errorf("%w: TLS handshake failed: %v", errHangup, err)
	}
	s.setState(Negotiating, Secure)
	s.logger().Debug("connection secured")
	s.restart()
	return nil
}

// handleCompress starts stream compression in response to a <compress/>
// request and restarts the stream.
// Compression is only offered to authenticated clients.
func (s *Session) handleCompress(el *element.Element) error {
	if el.Name.Local != "compress" {
		return stream.UnsupportedStanzaType
	}
	mask := s.SessionState()
	if !s.env.Settings.Compression || mask&Authn == 0 || mask&Compressed != 0 {
		return s.c.Deliver(compressFailure("setup-failed"))
	}
	var name string
	if m := el.Child("", "method"); m != nil {
		name = strings.TrimSpace(m.Text())
	}
	method, err := compress.Lookup(name)
	if err != nil {
		return s.c.Deliver(compressFailure("unsupported-method"))
	}
	if err := s.c.Deliver(element.New(ns.CompressProto, "compressed")); err != nil {
		return err
	}
	if err := s.c.StartCompression(method); err != nil {
		return fmt.Errorf("%w: %v", errHangup, err)
	}
	s.mu.Lock()
	s.mask |= Compressed
	s.mu.Unlock()
	s.logger().WithField("method", method.Name).Debug("stream compressed")
	s.restart()
	return nil
}

func compressFailure(cond string) *element.Element {
	f := element.New(ns.CompressProto, "failure")
	f.AppendChild(element.New(ns.CompressProto, cond))
	return f
}

// saslData decodes the payload of a SASL element.
// A single "=" stands for an empty response.
func saslData(el *element.Element) ([]byte, error) {
	text := strings.TrimSpace(el.Text())
	switch text {
	case "", "=":
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(text)
}

func saslElement(local string, data []byte) *element.Element {
	el := element.New(ns.SASL, local)
	if len(data) > 0 {
		el.SetText(base64.StdEncoding.EncodeToString(data))
	}
	return el
}
