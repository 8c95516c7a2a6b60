// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element

import (
	"bufio"
	"encoding/xml"
	"io"
	"strconv"

	"mellium.im/xmppd/internal/ns"
)

// Encoder writes elements to a stream whose default namespace is known.
//
// Namespace declarations are emitted only where they change the namespace in
// scope, with two exceptions that let a stanza parsed on one kind of stream be
// written to another:
//
//   - an element in a stream content namespace (jabber:client, jabber:server,
//     jabber:component:accept) whose ancestors are all in content namespaces
//     is written without a declaration and takes on the default namespace of
//     the stream being written to;
//   - an element in a content namespace nested below an element in any other
//     namespace keeps its original namespace, which is redeclared.
//
// Elements in the stream namespace are written with the "stream" prefix that
// is declared on the stream header, and elements with no namespace inherit the
// namespace in scope.
type Encoder struct {
	w      *bufio.Writer
	stream string
}

// NewEncoder returns an encoder writing to w for a stream with the given
// default namespace.
// An empty namespace means every top level element declares its own.
func NewEncoder(w io.Writer, streamNS string) *Encoder {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &Encoder{w: bw, stream: streamNS}
}

// Encode writes e and flushes the encoder.
func (enc *Encoder) Encode(e *Element) error {
	if err := enc.element(e, enc.stream, true); err != nil {
		return err
	}
	return enc.w.Flush()
}

func (enc *Encoder) element(e *Element, scope string, content bool) error {
	space := e.Name.Space
	name := e.Name.Local
	childScope := space
	declare := false

	switch {
	case space == ns.Stream:
		name = "stream:" + name
		childScope = scope
	case space == "":
		childScope = scope
	case content && ns.IsContent(space) && enc.stream != "":
		childScope = scope
	case space != scope:
		declare = true
	}

	enc.w.WriteByte('<')
	enc.w.WriteString(name)
	if declare {
		enc.attr("xmlns", space)
	}

	var prefixes int
	for _, a := range e.Attr {
		switch a.Name.Space {
		case "":
			enc.attr(a.Name.Local, a.Value)
		case ns.XML, "xml":
			enc.attr("xml:"+a.Name.Local, a.Value)
		default:
			prefixes++
			prefix := "ns" + strconv.Itoa(prefixes)
			enc.attr("xmlns:"+prefix, a.Name.Space)
			enc.attr(prefix+":"+a.Name.Local, a.Value)
		}
	}

	if len(e.Children) == 0 {
		_, err := enc.w.WriteString("/>")
		return err
	}
	enc.w.WriteByte('>')

	childContent := content && (space == "" || space == ns.Stream || ns.IsContent(space))
	for _, c := range e.Children {
		switch v := c.(type) {
		case *Element:
			if err := enc.element(v, childScope, childContent); err != nil {
				return err
			}
		case Text:
			if err := xml.EscapeText(enc.w, []byte(v)); err != nil {
				return err
			}
		}
	}

	enc.w.WriteString("</")
	enc.w.WriteString(name)
	_, err := enc.w.WriteString(">")
	return err
}

func (enc *Encoder) attr(name, value string) {
	enc.w.WriteByte(' ')
	enc.w.WriteString(name)
	enc.w.WriteString("='")
	/* #nosec */
	_ = xml.EscapeText(enc.w, []byte(value))
	enc.w.WriteByte('\'')
}
