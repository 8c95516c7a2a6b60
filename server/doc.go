// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package server accepts client, server-to-server, and component connections
// and runs a session for each of them.
//
// Each connection is served by a single goroutine that reads and handles
// elements in order.
// A watchdog goroutine closes connections that take too long to negotiate,
// that stop sending data, or whose peer stops reading.
package server // import "mellium.im/xmppd/server"
