// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package compress implements the transport side of XEP-0138: Stream
// Compression.
//
// Be advised: stream compression has many of the same security considerations
// as TLS compression (see RFC3749 §6), so the server only offers it after the
// stream has been authenticated.
package compress // import "mellium.im/xmppd/compress"

import (
	"errors"
	"io"
)

// Namespaces used by stream compression.
const (
	NSFeatures = "http://jabber.org/features/compress"
	NSProtocol = "http://jabber.org/protocol/compress"
)

// ErrUnsupportedMethod is returned by Lookup when the requested method is not
// one of the methods offered by the server.
var ErrUnsupportedMethod = errors.New("compress: unsupported method")

// Method is a stream compression method.
// Custom methods may be defined, but generally speaking the only supported
// methods will be those with names defined in the "Stream Compression Methods
// Registry" maintained by the XSF Editor:
// https://xmpp.org/registrar/compress.html
type Method struct {
	Name string

	// Wrapper returns a transport that compresses writes to rw and decompresses
	// reads from it.
	// Every Write must be flushed to rw before it returns.
	Wrapper func(rw io.ReadWriter) (io.ReadWriteCloser, error)
}

// Methods is the list of methods offered by the server in order of
// preference.
var Methods = []Method{Zlib, LZW}

// Lookup returns the offered method with the given name.
func Lookup(name string) (Method, error) {
	for _, m := range Methods {
		if m.Name == name {
			return m, nil
		}
	}
	return Method{}, ErrUnsupportedMethod
}

// Names returns the names of the offered methods, used when advertising the
// stream feature.
func Names() []string {
	names := make([]string, 0, len(Methods))
	for _, m := range Methods {
		names = append(names, m.Name)
	}
	return names
}
