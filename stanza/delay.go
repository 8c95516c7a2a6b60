// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// Delay can be added to a stanza to indicate that stanza delivery was delayed.
// The server adds one to messages that were stored while the recipient was
// offline.
type Delay struct {
	From   jid.JID
	Stamp  time.Time
	Reason string
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (d Delay) TokenReader() xml.TokenReader {
	var inner xml.TokenReader
	if d.Reason != "" {
		inner = xmlstream.Token(xml.CharData(d.Reason))
	}
	start := xml.StartElement{
		Name: xml.Name{Space: ns.Delay, Local: "delay"},
	}
	if !d.From.IsZero() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "from"}, Value: d.From.String()})
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "stamp"}, Value: d.Stamp.UTC().Format(time.RFC3339Nano)})
	return xmlstream.Wrap(inner, start)
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (d Delay) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, d.TokenReader())
}

// AddDelay appends d to st unless st already carries a delay element, in which
// case the original stamp is kept.
func AddDelay(st *element.Element, d Delay) {
	if st.Child(ns.Delay, "delay") != nil {
		return
	}
	el, err := element.Read(d.TokenReader())
	if err != nil {
		panic(err)
	}
	st.AppendChild(el)
}

// DelayFromElement returns the delay carried by st, if any.
func DelayFromElement(st *element.Element) (Delay, bool) {
	el := st.Child(ns.Delay, "delay")
	if el == nil {
		return Delay{}, false
	}
	d := Delay{Reason: el.Text()}
	d.From, _ = jid.Parse(el.Attribute("from"))
	stamp, err := time.Parse(time.RFC3339Nano, el.Attribute("stamp"))
	if err != nil {
		return Delay{}, false
	}
	d.Stamp = stamp
	return d, true
}
