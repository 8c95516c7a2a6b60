// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router decides where stanzas go.
//
// A Table maps addresses to routes: full JIDs to the local client sessions
// bound to them, and domains to external components and remote servers.
// A Router consults the table for each stanza read from a session and delivers
// it, hands it to a component or remote server, or applies the unprocessed
// stanza policy (offline storage for messages, silent or logged drops for
// everything else).
package router // import "mellium.im/xmppd/router"
