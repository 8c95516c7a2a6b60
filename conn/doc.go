// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package conn wraps the network connection underlying an XMPP session.
//
// A Conn serializes writes so that elements sent from many goroutines never
// interleave on the wire, keeps the bookkeeping needed to tell an idle peer
// from a stuck one, and swaps in TLS or compression layers when they are
// negotiated.
// Closing a Conn is idempotent and never blocks behind a stuck write.
package conn // import "mellium.im/xmppd/conn"
