// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package s2s implements server-to-server authentication and outgoing routes.
//
// Remote servers are authenticated with either Server Dialback (XEP-0220) or
// SASL EXTERNAL using the certificate presented during STARTTLS.
// Outgoing connections are represented by an Out route that is registered in
// the routing table under the remote domain and queues stanzas while the
// connection is being established.
package s2s // import "mellium.im/xmppd/s2s"
