// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/session"
)

// Option configures a Server.
type Option func(*options)

type options struct {
	addrs            map[session.Kind]string
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	writeTimeout     time.Duration
	checkInterval    time.Duration
	log              *logrus.Logger
}

func getOpts(o ...Option) (res options) {
	res.addrs = make(map[session.Kind]string)
	res.checkInterval = time.Second
	for _, f := range o {
		f(&res)
	}
	return
}

// The ClientAddr option sets the interface and port that the server will listen
// on for inbound connections from XMPP clients.
func ClientAddr(addr string) Option {
	return func(o *options) {
		o.addrs[session.Client] = addr
	}
}

// The ServerAddr option sets the address used for inbound server-to-server
// connections.
func ServerAddr(addr string) Option {
	return func(o *options) {
		o.addrs[session.Server] = addr
	}
}

// The ComponentAddr option sets the address used for XEP-0114 external
// components.
func ComponentAddr(addr string) Option {
	return func(o *options) {
		o.addrs[session.Component] = addr
	}
}

// HandshakeTimeout bounds the time a connection may take to become ready.
// Zero disables the check.
func HandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// IdleTimeout closes ready sessions that have not sent anything for d.
// Zero disables the check.
func IdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WriteTimeout closes sessions with a single write that has been in progress
// for longer than d, which happens when the peer stops reading.
// Zero disables the check.
func WriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// CheckInterval sets how often the watchdog looks at each session.
// The default is one second.
func CheckInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.checkInterval = d
		}
	}
}

// Logger sets the logger used for connection level messages.
func Logger(l *logrus.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}
