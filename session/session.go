// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/component"
	"mellium.im/xmppd/conn"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stream"
)

// ErrClosed is returned by Handle once the session has been closed.
var ErrClosed = errors.New("session: session closed")

// errHangup closes the stream without a stream error, as required after a
// STARTTLS or compression failure.
var errHangup = errors.New("session: closing stream")

// Session is one peer connected to the server.
//
// Read and Handle must only be called from the goroutine that reads the
// connection.
// All other methods may be called concurrently.
type Session struct {
	env     *Env
	expect  Kind
	c       *conn.Conn
	p       *element.Parser
	created time.Time

	// Reader goroutine state.
	needHeader bool
	in         stream.Info
	local      jid.JID
	sasl       *auth.Negotiation
	flushed    bool

	mu         sync.RWMutex
	log        *logrus.Entry
	id         string
	kind       Kind
	state      State
	mask       SessionState
	addr       jid.JID
	domains    map[string]struct{}
	priority   int
	available  bool
	lastActive time.Time
	binder     *component.Binder

	conflict  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ router.LocalRoute = (*Session)(nil)

// New creates a session for the connection nc.
// If expect is not Unknown, streams with a different default namespace are
// refused.
func New(env *Env, nc net.Conn, expect Kind) *Session {
	s := &Session{
		env:        env,
		expect:     expect,
		created:    time.Now(),
		needHeader: true,
		lastActive: time.Now(),
		domains:    make(map[string]struct{}),
	}
	s.log = env.logger().WithField("remote", nc.RemoteAddr().String())
	s.c = conn.New(nc,
		conn.Logger(s.log),
		conn.WriteTimeout(env.Settings.WriteTimeout),
		conn.Namespace(expect.Namespace()),
	)
	var opts []element.Option
	if n := env.Settings.MaxStanzaSize; n > 0 {
		opts = append(opts, element.MaxStanzaSize(n))
	}
	if n := env.Settings.MaxDepth; n > 0 {
		opts = append(opts, element.MaxDepth(n))
	}
	s.p = element.NewParser(s.c, opts...)
	return s
}

// Conn returns the connection of the session.
func (s *Session) Conn() *conn.Conn {
	return s.c
}

// Created returns the time the session was created.
func (s *Session) Created() time.Time {
	return s.created
}

// ID returns the current stream ID.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Kind returns the kind of the session once the stream header has been read.
func (s *Session) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// State returns the position of the session in the negotiation.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionState returns the negotiated layers.
func (s *Session) SessionState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mask
}

// JID returns the address of the peer.
// For clients it is the bound full JID (or the bare JID before a resource is
// bound), for components the initial domain, and for servers the first
// authenticated domain.
func (s *Session) JID() jid.JID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Session) logger() *logrus.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

func (s *Session) setState(st State, mask SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.mask |= mask
}

func (s *Session) publish(t event.Type, addr jid.JID) {
	if s.env.Events == nil {
		return
	}
	s.env.Events.Publish(event.Event{
		Type:      t,
		SessionID: s.ID(),
		Kind:      s.Kind().String(),
		JID:       addr,
	})
}

// Read returns the next top level element sent by the peer.
// Stream headers, including those sent after a stream restart, are answered
// before Read returns.
func (s *Session) Read() (*element.Element, error) {
	for s.needHeader {
		start, err := s.p.Header()
		if err != nil {
			return nil, err
		}
		if err := s.open(start); err != nil {
			return nil, err
		}
	}
	return s.p.Next()
}

// restart waits for a new stream header on the current transport.
func (s *Session) restart() {
	s.needHeader = true
	s.p.Reset(s.c)
}

// open handles a stream header and sends the response header and features.
func (s *Session) open(start xml.StartElement) error {
	var in stream.Info
	if err := in.FromStartElement(start); err != nil {
		return err
	}
	kind := KindOf(in.XMLNS)
	if s.expect != Unknown && kind != s.expect {
		return stream.InvalidNamespace
	}
	if prev := s.Kind(); prev != Unknown && prev != kind {
		return stream.InvalidNamespace
	}

	var local jid.JID
	switch kind {
	case Component:
		if _, err := s.env.Components.Secret(in.To.Domainpart()); err != nil {
			return stream.HostUnknown
		}
		local = in.To.Domain()
	default:
		if in.Version.Less(stream.DefaultVersion) {
			return stream.UnsupportedVersion
		}
		switch {
		case in.To.IsZero() && len(s.env.Domains) > 0:
			local = jid.MustParse(s.env.Domains[0])
		case s.env.IsLocal(in.To.Domainpart()):
			local = in.To.Domain()
		default:
			return stream.HostUnknown
		}
	}

	first := s.Kind() == Unknown
	id := uuid.NewString()
	s.mu.Lock()
	s.id = id
	s.kind = kind
	if s.state < StreamHeaderReceived {
		s.state = StreamHeaderReceived
	}
	s.log = s.log.WithFields(logrus.Fields{
		"session": id,
		"kind":    kind.String(),
	})
	s.mu.Unlock()
	s.in = in
	s.local = local
	s.needHeader = false

	out := stream.Info{
		XMLNS: kind.Namespace(),
		From:  local,
		ID:    id,
		Lang:  in.Lang,
	}
	if kind != Component {
		out.To = in.From
		out.Version = stream.DefaultVersion
	}
	if err := s.c.SendHeader(out); err != nil {
		return err
	}
	if first {
		s.publish(event.SessionCreated, in.From)
	}
	if kind == Component {
		return nil
	}
	return s.c.Deliver(s.features())
}

// Handle acts on an element read from the peer.
// If Handle returns an error the session has been closed.
func (s *Session) Handle(ctx context.Context, el *element.Element) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var err error
	switch s.Kind() {
	case Client:
		err = s.handleClient(ctx, el)
	case Server:
		err = s.handleServer(ctx, el)
	case Component:
		err = s.handleComponent(ctx, el)
	default:
		err = stream.BadFormat
	}
	if err != nil {
		s.Fail(err)
		return err
	}
	return nil
}

// Fail closes the session because of err, sending the appropriate stream error
// if the peer is still listening.
func (s *Session) Fail(err error) {
	var se stream.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, conn.ErrClosed), errors.Is(err, ErrClosed), errors.Is(err, errHangup):
		s.logger().Debug("stream closed")
		/* #nosec */
		_ = s.Close()
		return
	case errors.Is(err, element.ErrPeerStreamError):
		s.logger().WithError(err).Info("peer sent stream error")
		/* #nosec */
		_ = s.Close()
		return
	case errors.Is(err, element.ErrMalformedXML):
		se = stream.NotWellFormed
	case errors.Is(err, element.ErrTooLargeStanza), errors.Is(err, element.ErrTooDeep):
		se = stream.PolicyViolation
	case errors.As(err, &se):
	default:
		se = stream.UndefinedCondition
	}
	s.logger().WithError(err).WithField("condition", se.Err).Info("closing stream with error")
	if s.ID() == "" {
		// A stream error must follow a stream header.
		/* #nosec */
		_ = s.c.SendHeader(stream.Info{
			XMLNS:   s.errorNamespace(),
			ID:      uuid.NewString(),
			Version: stream.DefaultVersion,
		})
	}
	/* #nosec */
	_ = s.CloseWithError(se)
}

func (s *Session) errorNamespace() string {
	if s.expect != Unknown {
		return s.expect.Namespace()
	}
	return ns.Client
}

// Deliver writes st to the peer.
func (s *Session) Deliver(st *element.Element) error {
	return s.c.Deliver(st)
}

// Process satisfies router.Route.
// Stanzas are written to the peer, except on inbound server-to-server
// sessions which only carry stanzas from the remote server.
func (s *Session) Process(_ context.Context, st *element.Element) error {
	if s.Kind() == Server {
		s.logger().WithField("stanza", st.String()).Debug("not sending stanza on inbound server stream")
		return nil
	}
	return s.c.Deliver(st)
}

// Priority returns the priority of the last available presence.
// Sessions that have not sent available presence report -1, so that messages
// to the bare JID skip them.
func (s *Session) Priority() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.available {
		return -1
	}
	return s.priority
}

// LastActive returns the time of the last available presence.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load() || s.c.IsClosed()
}

// Close ends the session.
// Every route of the session is removed, the connection is closed with a
// closing stream tag written on a best effort basis, and SessionDestroyed is
// published.
// If the session was replaced by a new session binding the same resource the
// peer is sent a conflict stream error instead.
// Calling Close more than once has no further effect.
func (s *Session) Close() error {
	if s.conflict.Load() {
		return s.shutdown(&stream.Conflict)
	}
	return s.shutdown(nil)
}

// CloseWithError sends the stream error se and ends the session.
func (s *Session) CloseWithError(se stream.Error) error {
	return s.shutdown(&se)
}

func (s *Session) shutdown(se *stream.Error) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.release()

		if se != nil {
			err = s.c.CloseWithError(*se)
		} else {
			err = s.c.Close()
		}

		s.mu.Lock()
		s.state = Closed
		addr := s.addr
		s.mu.Unlock()
		s.publish(event.SessionDestroyed, addr)
	})
	return err
}

// release removes every route that points at the session.
func (s *Session) release() {
	s.mu.RLock()
	kind, addr, state, binder := s.kind, s.addr, s.state, s.binder
	s.mu.RUnlock()

	switch kind {
	case Client:
		if state == Bound {
			s.env.Table.Unregister(addr, s)
		}
	case Component:
		if binder != nil {
			binder.Release()
		}
	}
}
