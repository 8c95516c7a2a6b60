// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package ns provides namespace constants that are used by the server and its
// internal packages.
package ns // import "mellium.im/xmppd/internal/ns"

// List of commonly used namespaces.
const (
	Bind      = "urn:ietf:params:xml:ns:xmpp-bind"
	Client    = "jabber:client"
	Component = "jabber:component:accept"
	Delay     = "urn:xmpp:delay"
	Dialback  = "jabber:server:dialback"
	Ping      = "urn:xmpp:ping"
	SASL      = "urn:ietf:params:xml:ns:xmpp-sasl"
	Server    = "jabber:server"
	Session   = "urn:ietf:params:xml:ns:xmpp-session"
	Stanza    = "urn:ietf:params:xml:ns:xmpp-stanzas"
	StartTLS  = "urn:ietf:params:xml:ns:xmpp-tls"
	Stream    = "http://etherx.jabber.org/streams"
	Streams   = "urn:ietf:params:xml:ns:xmpp-streams"
	XML       = "http://www.w3.org/XML/1998/namespace"

	// Features advertised in stream features lists.
	CompressFeature = "http://jabber.org/features/compress"
	CompressProto   = "http://jabber.org/protocol/compress"
	DialbackFeature = "urn:xmpp:features:dialback"
)

// IsContent reports whether space is one of the stream content namespaces
// (client, server, or component).
// Elements in a content namespace take on the default namespace of whichever
// stream they are written to.
func IsContent(space string) bool {
	switch space {
	case Client, Server, Component:
		return true
	}
	return false
}
