// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package stream contains internal stream header handling.
package stream // import "mellium.im/xmppd/internal/stream"

import (
	"bufio"
	"encoding/xml"
	"io"

	"mellium.im/xmppd/internal/decl"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stream"
)

// Close is the token that ends a stream.
const Close = `</stream:stream>`

// Send writes an XML header followed by a stream start element for out to w.
// We don't use an xml.Encoder both because Go's standard library xml package
// really doesn't like the namespaced stream:stream attribute and because we can
// guarantee well-formedness of the XML with a print in this case and printing
// is much faster than encoding.
//
// Attributes that are unset in out are omitted, which is how component streams
// are opened without a version.
// Server streams also declare the dialback prefix.
func Send(w io.Writer, out stream.Info) error {
	b := bufio.NewWriter(w)
	b.WriteString(decl.XMLHeader)
	b.WriteString(`<stream:stream`)
	if !out.To.IsZero() {
		attr(b, "to", out.To.String())
	}
	if !out.From.IsZero() {
		attr(b, "from", out.From.String())
	}
	if out.ID != "" {
		attr(b, "id", out.ID)
	}
	if !out.Version.IsZero() {
		attr(b, "version", out.Version.String())
	}
	if out.Lang != "" {
		attr(b, "xml:lang", out.Lang)
	}
	attr(b, "xmlns", out.XMLNS)
	if out.XMLNS == ns.Server {
		attr(b, "xmlns:db", ns.Dialback)
	}
	attr(b, "xmlns:stream", stream.NS)
	b.WriteByte('>')
	return b.Flush()
}

func attr(b *bufio.Writer, name, value string) {
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteString(`='`)
	/* #nosec */
	_ = xml.EscapeText(b, []byte(value))
	b.WriteByte('\'')
}
