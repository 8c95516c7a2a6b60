// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"fmt"

	"mellium.im/xmppd/internal/ns"
)

// Kind is the kind of peer on the other end of a session.
type Kind uint8

// A list of session kinds.
const (
	Unknown Kind = iota
	Client
	Server
	Component
)

func (k Kind) String() string {
	switch k {
	case Client:
		return "client"
	case Server:
		return "server"
	case Component:
		return "component"
	}
	return "unknown"
}

// KindOf returns the kind of session for a stream with the given default
// namespace.
func KindOf(space string) Kind {
	switch space {
	case ns.Client:
		return Client
	case ns.Server:
		return Server
	case ns.Component:
		return Component
	}
	return Unknown
}

// Namespace returns the default stream namespace for sessions of kind k.
func (k Kind) Namespace() string {
	switch k {
	case Client:
		return ns.Client
	case Server:
		return ns.Server
	case Component:
		return ns.Component
	}
	return ""
}

// State is the position of a session in the negotiation state machine.
type State uint8

// A list of session states.
const (
	Initial State = iota
	StreamHeaderReceived
	Negotiating
	Authenticated
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case StreamHeaderReceived:
		return "stream-header-received"
	case Negotiating:
		return "negotiating"
	case Authenticated:
		return "authenticated"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// SessionState is a bitmask that represents the layers that have been
// negotiated on a session.
type SessionState uint8

const (
	// Secure indicates that the underlying connection has been secured with
	// STARTTLS.
	Secure SessionState = 1 << iota

	// Compressed indicates that stream compression is active.
	Compressed

	// Authn indicates that the peer has been authenticated.
	Authn

	// Ready indicates that the session is fully negotiated and that XMPP stanzas
	// may be sent and received.
	Ready
)
