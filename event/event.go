// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package event is a synchronous publish/subscribe bus for session lifecycle
// events.
package event // import "mellium.im/xmppd/event"

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/jid"
)

// Type identifies a lifecycle event.
type Type uint8

// A list of event types.
const (
	SessionCreated Type = iota
	SessionAuthenticated
	ResourceBound
	SessionDestroyed
	ComponentBound
)

func (t Type) String() string {
	switch t {
	case SessionCreated:
		return "session-created"
	case SessionAuthenticated:
		return "session-authenticated"
	case ResourceBound:
		return "resource-bound"
	case SessionDestroyed:
		return "session-destroyed"
	case ComponentBound:
		return "component-bound"
	}
	return fmt.Sprintf("event(%d)", uint8(t))
}

// Event describes something that happened to a session.
type Event struct {
	Type Type

	// SessionID is the stream ID of the session.
	SessionID string

	// Kind is the session kind ("client", "server", or "component").
	Kind string

	// JID is the address of the peer once it is known.
	// For components binding additional domains it is the bound domain.
	JID jid.JID
}

// Listener receives events.
// A listener that returns an error or panics is logged and does not affect
// other listeners or the publisher.
type Listener func(Event) error

// Bus delivers events to every subscribed listener in subscription order.
// The zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	log       *logrus.Logger
}

// New returns a bus that logs listener failures to log.
// If log is nil failures are discarded.
func New(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Bus{log: log}
}

// Subscribe adds l to the bus.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish calls every listener with e before returning.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for i, l := range listeners {
		if err := b.call(l, e); err != nil {
			b.log.WithFields(logrus.Fields{
				"event":    e.Type.String(),
				"session":  e.SessionID,
				"listener": i,
			}).WithError(err).Warn("event listener failed")
		}
	}
}

func (b *Bus) call(l Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event: listener panicked: %v", r)
		}
	}()
	return l(e)
}
