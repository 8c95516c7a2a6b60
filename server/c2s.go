// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"mellium.im/xmppd/session"
)

// Default listen addresses for each kind of connection.
const (
	DefaultClientAddr    = ":5222"
	DefaultServerAddr    = ":5269"
	DefaultComponentAddr = ":5275"
)

var kinds = []session.Kind{session.Client, session.Server, session.Component}

func defaultAddr(k session.Kind) string {
	switch k {
	case session.Client:
		return DefaultClientAddr
	case session.Server:
		return DefaultServerAddr
	case session.Component:
		return DefaultComponentAddr
	}
	return ""
}

// listenAddrs returns the address to listen on for each kind.
// If no address was configured every kind listens on its default port.
func (o options) listenAddrs() map[session.Kind]string {
	addrs := make(map[session.Kind]string)
	for _, k := range kinds {
		if addr := o.addrs[k]; addr != "" {
			addrs[k] = addr
		}
	}
	if len(addrs) > 0 {
		return addrs
	}
	for _, k := range kinds {
		addrs[k] = defaultAddr(k)
	}
	return addrs
}
