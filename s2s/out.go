// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/conn"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
)

// ErrQueueFull is returned by Process when too many stanzas are waiting for a
// route to connect.
var ErrQueueFull = errors.New("s2s: outgoing queue is full")

type outState uint8

const (
	stateIdle outState = iota
	stateConnecting
	stateReady
	stateClosed
)

// Out is an outgoing route to a remote server.
type Out struct {
	d      *Dialer
	local  jid.JID
	remote jid.JID
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state outState
	queue []*element.Element
	c     *conn.Conn
}

func newOut(d *Dialer, local, remote jid.JID) *Out {
	ctx, cancel := context.WithCancel(context.Background())
	return &Out{
		d:      d,
		local:  local,
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
		log: d.logger().WithFields(logrus.Fields{
			"kind":   "server",
			"remote": remote.String(),
		}),
	}
}

// Domain returns the remote domain.
func (o *Out) Domain() jid.JID {
	return o.remote
}

// Process sends st to the remote server.
// If the stream is still being established st is queued.
// Once the route is closed Process returns conn.ErrClosed.
func (o *Out) Process(_ context.Context, st *element.Element) error {
	o.mu.Lock()
	switch o.state {
	case stateIdle:
		o.state = stateConnecting
		go o.connect()
		fallthrough
	case stateConnecting:
		defer o.mu.Unlock()
		if len(o.queue) >= o.d.maxQueue() {
			return ErrQueueFull
		}
		o.queue = append(o.queue, st)
		return nil
	case stateReady:
		c := o.c
		o.mu.Unlock()
		return c.Deliver(st)
	}
	o.mu.Unlock()
	return conn.ErrClosed
}

func (o *Out) connect() {
	ctx, cancel := context.WithTimeout(o.ctx, o.d.timeout())
	defer cancel()

	s, err := o.d.connect(ctx, o.local, o.remote)
	if err != nil {
		o.log.WithError(err).Warn("could not connect to remote server")
		/* #nosec */
		_ = o.Close()
		return
	}
	o.mu.Lock()
	if o.state == stateClosed {
		o.mu.Unlock()
		/* #nosec */
		_ = s.c.Close()
		return
	}
	o.c = s.c
	o.mu.Unlock()
	s.c.OnClose(func() {
		/* #nosec */
		_ = o.Close()
	})

	if err := s.dialback(o.d.Secret, o.local, o.remote); err != nil {
		o.log.WithError(err).Warn("dialback with remote server failed")
		/* #nosec */
		_ = o.Close()
		return
	}
	/* #nosec */
	_ = s.c.SetReadDeadline(time.Time{})

	// The queue is flushed under the lock so that stanzas processed while
	// flushing are sent after the queued ones.
	o.mu.Lock()
	if o.state == stateClosed {
		o.mu.Unlock()
		return
	}
	for _, st := range o.queue {
		if err := s.c.Deliver(st); err != nil {
			o.mu.Unlock()
			o.log.WithError(err).Warn("could not flush queued stanzas")
			/* #nosec */
			_ = o.Close()
			return
		}
	}
	o.queue = nil
	o.state = stateReady
	o.mu.Unlock()
	o.log.Debug("outgoing stream ready")

	go o.read(s)
}

// read drains the input side of the stream until the remote server closes it.
// Outgoing streams carry no stanzas; only dialback verification requests are
// answered.
func (o *Out) read(s *outStream) {
	defer o.Close()
	for {
		el, err := s.p.Next()
		if err != nil {
			o.log.WithError(err).Debug("outgoing stream ended")
			return
		}
		db, err := ParseDialback(el)
		if err != nil || db.Name != DialbackVerify || db.Type != "" {
			o.log.WithField("stanza", el.String()).Debug("ignoring element on outgoing stream")
			continue
		}
		valid := VerifyKey(o.d.Secret, db.From.Domainpart(), db.To.Domainpart(), db.ID, db.Key)
		if err := s.c.Deliver(db.Response(valid).Element()); err != nil {
			return
		}
	}
}

// Close removes the route from the routing table and closes the connection.
// Stanzas that are still queued are handed to the dialer's Unprocessed
// function.
// Calling Close more than once has no further effect.
func (o *Out) Close() error {
	o.mu.Lock()
	if o.state == stateClosed {
		o.mu.Unlock()
		return nil
	}
	o.state = stateClosed
	queue := o.queue
	o.queue = nil
	c := o.c
	if o.d.Table != nil {
		o.d.Table.Unregister(o.remote, o)
	}
	o.mu.Unlock()

	o.cancel()
	for _, st := range queue {
		if o.d.Unprocessed == nil {
			o.log.WithField("stanza", st.String()).Debug("dropping queued stanza")
			continue
		}
		o.d.Unprocessed(context.Background(), st)
	}
	if c != nil {
		return c.Close()
	}
	return nil
}
