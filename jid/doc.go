// Copyright 2014 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements XMPP addresses (historically called "Jabber ID's" or
// "JID's") as described in RFC 7622.
//
// A JID is an immutable value: every part is stored in its canonical form so
// that addresses can be compared with == and used directly as map keys by the
// routing table.
package jid // import "mellium.im/xmppd/jid"
