// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/conn"
	"mellium.im/xmppd/dial"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stream"
	"mellium.im/xmppd/tlsprovider"
)

// Errors returned while negotiating outgoing streams.
var (
	ErrUnexpected  = errors.New("s2s: unexpected element during negotiation")
	ErrTLSRequired = errors.New("s2s: remote server requires TLS but none is configured")
	ErrRejected    = errors.New("s2s: remote server rejected dialback")
)

// Defaults used by Dialer when the corresponding fields are not set.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxQueue = 1024
)

// Dialer creates outgoing server-to-server routes and verifies dialback keys
// with authoritative servers.
// It implements router.Dialer.
type Dialer struct {
	// Local is the domain outgoing streams are opened from.
	Local string

	// Secret is the dialback secret used to generate keys.
	Secret []byte

	// Table is the routing table outgoing routes remove themselves from when
	// they are closed.
	Table *router.Table

	// TLS, if set, is used to secure outgoing streams that offer STARTTLS.
	TLS *tlsprovider.Provider

	// DialConn connects to the server for a domain.
	// If nil, a dial.Dialer is used.
	DialConn func(ctx context.Context, domain string) (net.Conn, error)

	// Unprocessed receives stanzas that were queued on a route that could not be
	// established or was closed before they were sent.
	// If nil they are dropped.
	Unprocessed func(ctx context.Context, st *element.Element)

	// Timeout bounds connecting and authenticating a stream.
	Timeout time.Duration

	// MaxQueue limits the number of stanzas held while a route connects.
	MaxQueue int

	Logger *logrus.Logger
}

var _ router.Dialer = (*Dialer)(nil)

// Dial returns a route to domain.
// The connection is established the first time a stanza is processed, and
// stanzas are queued until authentication completes.
func (d *Dialer) Dial(_ context.Context, domain string) (router.Route, error) {
	remote, err := jid.New("", domain, "")
	if err != nil {
		return nil, fmt.Errorf("s2s: invalid remote domain: %w", err)
	}
	local, err := jid.New("", d.Local, "")
	if err != nil {
		return nil, fmt.Errorf("s2s: invalid local domain: %w", err)
	}
	return newOut(d, local, remote), nil
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (d *Dialer) logger() *logrus.Logger {
	if d.Logger == nil {
		return discard
	}
	return d.Logger
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

func (d *Dialer) maxQueue() int {
	if d.MaxQueue <= 0 {
		return DefaultMaxQueue
	}
	return d.MaxQueue
}

func (d *Dialer) dialConn(ctx context.Context, domain string) (net.Conn, error) {
	if d.DialConn != nil {
		return d.DialConn(ctx, domain)
	}
	dialer := &dial.Dialer{}
	if d.TLS != nil && d.TLS.Enabled() {
		dialer.TLSConfig = d.TLS.ClientConfig(domain)
	} else {
		dialer.NoTLS = true
	}
	return dialer.Dial(ctx, domain)
}

// outStream is an authenticated or authenticating outgoing stream.
type outStream struct {
	c  *conn.Conn
	p  *element.Parser
	id string
}

// connect dials remote and opens a stream to it, upgrading to TLS if the
// remote server offers it and a TLS provider is configured.
// The returned stream has not been authenticated.
func (d *Dialer) connect(ctx context.Context, local, remote jid.JID) (*outStream, error) {
	nc, err := d.dialConn(ctx, remote.Domainpart())
	if err != nil {
		return nil, err
	}
	log := d.logger().WithFields(logrus.Fields{
		"kind":   "server",
		"remote": remote.String(),
	})
	s := &outStream{
		c: conn.New(nc, conn.Namespace(ns.Server), conn.Logger(log)),
	}
	s.p = element.NewParser(s.c)
	if deadline, ok := ctx.Deadline(); ok {
		/* #nosec */
		_ = s.c.SetReadDeadline(deadline)
	}

	features, err := s.open(local, remote)
	if err != nil {
		/* #nosec */
		_ = s.c.Close()
		return nil, err
	}
	starttls := features.Child(ns.StartTLS, "starttls")
	switch {
	case starttls == nil:
	case d.TLS != nil && d.TLS.Enabled():
		err = s.startTLS(ctx, d.TLS, local, remote)
	case starttls.Child(ns.StartTLS, "required") != nil:
		err = ErrTLSRequired
	}
	if err != nil {
		/* #nosec */
		_ = s.c.Close()
		return nil, err
	}
	return s, nil
}

// open sends a stream header and reads the response header and features.
func (s *outStream) open(local, remote jid.JID) (*element.Element, error) {
	err := s.c.SendHeader(stream.Info{
		XMLNS:   ns.Server,
		From:    local,
		To:      remote,
		Version: stream.DefaultVersion,
	})
	if err != nil {
		return nil, err
	}
	start, err := s.p.Header()
	if err != nil {
		return nil, err
	}
	var in stream.Info
	if err := in.FromStartElement(start); err != nil {
		return nil, err
	}
	if in.XMLNS != ns.Server {
		return nil, stream.InvalidNamespace
	}
	s.id = in.ID

	// Pre-1.0 servers do not send features.
	if in.Version.Less(stream.DefaultVersion) {
		return element.New(ns.Stream, "features"), nil
	}
	features, err := s.p.Next()
	if err != nil {
		return nil, err
	}
	if features.Name.Space != ns.Stream || features.Name.Local != "features" {
		return nil, ErrUnexpected
	}
	return features, nil
}

func (s *outStream) startTLS(ctx context.Context, p *tlsprovider.Provider, local, remote jid.JID) error {
	if err := s.c.Deliver(element.New(ns.StartTLS, "starttls")); err != nil {
		return err
	}
	el, err := s.p.Next()
	if err != nil {
		return err
	}
	if el.Name.Space != ns.StartTLS || el.Name.Local != "proceed" {
		return ErrUnexpected
	}
	if err := s.c.StartClientTLS(ctx, p.ClientConfig(remote.Domainpart())); err != nil {
		return err
	}
	s.p.Reset(s.c)
	_, err = s.open(local, remote)
	return err
}

// dialback sends a db:result for the stream and waits for the response.
// Verification requests received on the stream while waiting are answered
// using secret.
func (s *outStream) dialback(secret []byte, local, remote jid.JID) error {
	req := Dialback{
		Name: DialbackResult,
		From: local,
		To:   remote,
		Key:  Key(secret, remote.Domainpart(), local.Domainpart(), s.id),
	}
	if err := s.c.Deliver(req.Element()); err != nil {
		return err
	}
	for {
		el, err := s.p.Next()
		if err != nil {
			return err
		}
		db, err := ParseDialback(el)
		if err != nil {
			return ErrUnexpected
		}
		switch {
		case db.Name == DialbackVerify && db.Type == "":
			valid := VerifyKey(secret, db.From.Domainpart(), db.To.Domainpart(), db.ID, db.Key)
			if err := s.c.Deliver(db.Response(valid).Element()); err != nil {
				return err
			}
		case db.Name == DialbackResult:
			if db.Type != Valid {
				return ErrRejected
			}
			return nil
		}
	}
}

// Verify implements Verifier by connecting to the originating server of the
// db:result request and asking it to check the key.
func (d *Dialer) Verify(ctx context.Context, result Dialback, streamID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	s, err := d.connect(ctx, result.To, result.From)
	if err != nil {
		return false, err
	}
	defer s.c.Close()

	req := Dialback{
		Name: DialbackVerify,
		From: result.To,
		To:   result.From,
		ID:   streamID,
		Key:  result.Key,
	}
	if err := s.c.Deliver(req.Element()); err != nil {
		return false, err
	}
	for {
		el, err := s.p.Next()
		if err != nil {
			return false, err
		}
		db, err := ParseDialback(el)
		if err != nil || db.Name != DialbackVerify {
			return false, ErrUnexpected
		}
		if db.ID != streamID {
			continue
		}
		return db.Type == Valid, nil
	}
}

// Verifier checks the key sent in an inbound db:result request with the
// authoritative server for the originating domain.
type Verifier interface {
	Verify(ctx context.Context, result Dialback, streamID string) (bool, error)
}
