// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stanza contains functionality for dealing with XMPP stanzas and
// stanza level errors.
//
// Stanzas (Message, Presence, and IQ) are the "primitives" of XMPP.
// The server never needs to understand most of what they carry, so they are
// handled as element trees and this package only provides the pieces of them
// that routing and negotiation look at: kinds, types, errors, and delay
// stamps.
package stanza // import "mellium.im/xmppd/stanza"
