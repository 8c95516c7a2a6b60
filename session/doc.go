// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package session negotiates incoming XMPP streams.
//
// A Session is created for every accepted connection.
// The reader loop calls Read to obtain the next top level element and Handle to
// act on it; the session answers stream headers, negotiates security layers and
// authentication, and once the peer is ready forwards stanzas to the router.
//
// The behavior of a session depends on the default namespace of the stream
// header it receives: jabber:client streams are client sessions, jabber:server
// streams are inbound server-to-server sessions, and jabber:component:accept
// streams are external components (XEP-0114).
package session // import "mellium.im/xmppd/session"
