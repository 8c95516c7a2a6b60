// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"time"

	"mellium.im/xmppd/element"
)

// Route is a destination that accepts stanzas: a local session, an external
// component, or a remote server.
type Route interface {
	Process(ctx context.Context, st *element.Element) error
}

// LocalRoute is a client session bound to a full JID.
type LocalRoute interface {
	Route

	// Deliver writes the stanza to the session's connection.
	// It returns conn.ErrClosed if the session has gone away.
	Deliver(st *element.Element) error

	// Priority is the priority of the session's last available presence.
	Priority() int

	// LastActive is the time of the session's last available presence or
	// other activity.
	LastActive() time.Time

	IsClosed() bool
	Close() error
}
