// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package element contains the tree representation of XML stanzas, an
// incremental parser that produces them from an XMPP stream, and an encoder that
// writes them back out with the correct namespace declarations for the stream
// they are written to.
package element // import "mellium.im/xmppd/element"

import (
	"bytes"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// Node is a child of an Element: either a *Element or Text.
type Node interface {
	node()
}

// Text is character data inside an element.
type Text string

func (Text) node() {}

// Element is an XML element with its attributes and ordered children.
// Name.Space is the resolved namespace URI, never a prefix.
// Attr never contains namespace declarations; they are recomputed when the
// element is encoded.
type Element struct {
	Name     xml.Name
	Attr     []xml.Attr
	Children []Node
}

func (*Element) node() {}

// New returns an empty element with the given namespace and local name.
func New(space, local string, attr ...xml.Attr) *Element {
	return &Element{
		Name: xml.Name{Space: space, Local: local},
		Attr: attr,
	}
}

// FromStartElement returns an empty element with the name and attributes of
// start, dropping any namespace declarations.
func FromStartElement(start xml.StartElement) *Element {
	e := &Element{Name: start.Name}
	for _, a := range start.Attr {
		if isNSDecl(a.Name) {
			continue
		}
		e.Attr = append(e.Attr, a)
	}
	return e
}

func isNSDecl(n xml.Name) bool {
	return n.Space == "xmlns" || (n.Space == "" && n.Local == "xmlns")
}

// Attribute returns the value of the unqualified attribute local, or the empty
// string if it is not set.
func (e *Element) Attribute(local string) string {
	for _, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// SetAttr sets the unqualified attribute local to value, replacing any existing
// value.
// An empty value removes the attribute.
func (e *Element) SetAttr(local, value string) {
	if value == "" {
		e.RemoveAttr(local)
		return
	}
	for i, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			e.Attr[i].Value = value
			return
		}
	}
	e.Attr = append(e.Attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
}

// RemoveAttr removes the unqualified attribute local if it exists.
func (e *Element) RemoveAttr(local string) {
	for i, a := range e.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			e.Attr = append(e.Attr[:i], e.Attr[i+1:]...)
			return
		}
	}
}

// ID returns the id attribute.
func (e *Element) ID() string {
	return e.Attribute("id")
}

// Type returns the type attribute.
func (e *Element) Type() string {
	return e.Attribute("type")
}

// To returns the to attribute.
func (e *Element) To() string {
	return e.Attribute("to")
}

// From returns the from attribute.
func (e *Element) From() string {
	return e.Attribute("from")
}

// ToJID parses the to attribute.
// A missing attribute results in the zero JID and no error.
func (e *Element) ToJID() (jid.JID, error) {
	return parseAddr(e.To())
}

// FromJID parses the from attribute.
// A missing attribute results in the zero JID and no error.
func (e *Element) FromJID() (jid.JID, error) {
	return parseAddr(e.From())
}

func parseAddr(s string) (jid.JID, error) {
	if s == "" {
		return jid.JID{}, nil
	}
	return jid.Parse(s)
}

// IsStanza reports whether e is a message, presence, or iq in one of the
// stream content namespaces.
func (e *Element) IsStanza() bool {
	if !ns.IsContent(e.Name.Space) {
		return false
	}
	switch e.Name.Local {
	case "message", "presence", "iq":
		return true
	}
	return false
}

// Child returns the first child element with the given local name.
// If space is not empty the namespace must match as well.
func (e *Element) Child(space, local string) *Element {
	for _, c := range e.Children {
		el, ok := c.(*Element)
		if !ok || el.Name.Local != local {
			continue
		}
		if space == "" || el.Name.Space == space {
			return el
		}
	}
	return nil
}

// Elements returns the child elements of e, skipping character data.
func (e *Element) Elements() []*Element {
	var out []*Element
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			out = append(out, el)
		}
	}
	return out
}

// Text returns the concatenated character data of the direct children of e.
func (e *Element) Text() string {
	var buf bytes.Buffer
	for _, c := range e.Children {
		if t, ok := c.(Text); ok {
			buf.WriteString(string(t))
		}
	}
	return buf.String()
}

// SetText replaces all character data children of e with s.
func (e *Element) SetText(s string) {
	children := e.Children[:0]
	for _, c := range e.Children {
		if _, ok := c.(Text); !ok {
			children = append(children, c)
		}
	}
	e.Children = children
	if s != "" {
		e.Children = append(e.Children, Text(s))
	}
}

// AppendChild adds c as the last child of e and returns c.
func (e *Element) AppendChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return c
}

// AppendText adds character data as the last child of e.
func (e *Element) AppendText(s string) {
	if s == "" {
		return
	}
	if n := len(e.Children); n > 0 {
		if t, ok := e.Children[n-1].(Text); ok {
			e.Children[n-1] = t + Text(s)
			return
		}
	}
	e.Children = append(e.Children, Text(s))
}

// Copy returns a deep copy of e.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	c := &Element{Name: e.Name}
	if e.Attr != nil {
		c.Attr = make([]xml.Attr, len(e.Attr))
		copy(c.Attr, e.Attr)
	}
	if e.Children != nil {
		c.Children = make([]Node, 0, len(e.Children))
		for _, child := range e.Children {
			switch v := child.(type) {
			case *Element:
				c.Children = append(c.Children, v.Copy())
			case Text:
				c.Children = append(c.Children, v)
			}
		}
	}
	return c
}

// StartElement returns the start token of e.
func (e *Element) StartElement() xml.StartElement {
	start := xml.StartElement{Name: e.Name}
	if len(e.Attr) > 0 {
		start.Attr = make([]xml.Attr, len(e.Attr))
		copy(start.Attr, e.Attr)
	}
	return start
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (e *Element) TokenReader() xml.TokenReader {
	readers := make([]xml.TokenReader, 0, len(e.Children))
	for _, c := range e.Children {
		switch v := c.(type) {
		case *Element:
			readers = append(readers, v.TokenReader())
		case Text:
			readers = append(readers, xmlstream.Token(xml.CharData(v)))
		}
	}
	var inner xml.TokenReader
	if len(readers) > 0 {
		inner = xmlstream.MultiReader(readers...)
	}
	return xmlstream.Wrap(inner, e.StartElement())
}

// String returns the XML encoding of e with its namespace declared.
func (e *Element) String() string {
	var buf bytes.Buffer
	/* #nosec */
	_ = NewEncoder(&buf, "").Encode(e)
	return buf.String()
}

// Read builds an element from a token stream that begins with a start element.
// Tokens after the matching end element are not consumed.
func Read(r xml.TokenReader) (*Element, error) {
	var stack []*Element
	for {
		tok, err := r.Token()
		if tok != nil {
			switch t := tok.(type) {
			case xml.StartElement:
				el := FromStartElement(t)
				if n := len(stack); n > 0 {
					stack[n-1].AppendChild(el)
				}
				stack = append(stack, el)
			case xml.EndElement:
				if len(stack) == 0 {
					return nil, ErrMalformedXML
				}
				el := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if len(stack) == 0 {
					return el, nil
				}
			case xml.CharData:
				if n := len(stack); n > 0 {
					stack[n-1].AppendText(string(t))
				}
			}
		}
		if err != nil {
			if err == io.EOF && len(stack) > 0 {
				return nil, ErrMalformedXML
			}
			return nil, err
		}
	}
}
