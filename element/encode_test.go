// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element_test

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

func parseOne(t *testing.T, header, in string) *element.Element {
	t.Helper()
	p := element.NewParser(strings.NewReader(header + in))
	if _, err := p.Header(); err != nil {
		t.Fatalf("error reading header: %v", err)
	}
	el, err := p.Next()
	if err != nil {
		t.Fatalf("error reading element: %v", err)
	}
	return el
}

const serverHeader = `<stream:stream xmlns='jabber:server' xmlns:stream='http://etherx.jabber.org/streams' version='1.0'>`

func TestEncodeNamespaces(t *testing.T) {
	for i, tc := range [...]struct {
		header string
		in     string
		stream string
		out    string
	}{
		0: {
			// Stanza level content namespaces are dropped.
			header: clientHeader,
			in:     `<message to='a@example.net'><body>hi</body></message>`,
			stream: ns.Server,
			out:    `<message to='a@example.net'><body>hi</body></message>`,
		},
		1: {
			header: serverHeader,
			in:     `<presence from='a@example.net'/>`,
			stream: ns.Client,
			out:    `<presence from='a@example.net'/>`,
		},
		2: {
			// Content namespaces below a foreign namespace are reasserted.
			header: clientHeader,
			in:     `<message><forwarded xmlns='urn:xmpp:forward:0'><message xmlns='jabber:client' from='b@example.net'><body>x</body></message></forwarded></message>`,
			stream: ns.Server,
			out:    `<message><forwarded xmlns='urn:xmpp:forward:0'><message xmlns='jabber:client' from='b@example.net'><body>x</body></message></forwarded></message>`,
		},
		3: {
			// Children inheriting the namespace in scope carry no declaration.
			header: clientHeader,
			in:     `<iq type='result' id='1'><query xmlns='jabber:iq:roster'><item jid='a@b'/></query></iq>`,
			stream: ns.Client,
			out:    `<iq type='result' id='1'><query xmlns='jabber:iq:roster'><item jid='a@b'/></query></iq>`,
		},
		4: {
			header: clientHeader,
			in:     `<message xml:lang='en'><body>&lt;3 &amp; more</body></message>`,
			stream: ns.Component,
			out:    `<message xml:lang='en'><body>&lt;3 &amp; more</body></message>`,
		},
		5: {
			// Without a stream namespace the top level element declares its own.
			header: clientHeader,
			in:     `<presence/>`,
			out:    `<presence xmlns='jabber:client'/>`,
		},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			el := parseOne(t, tc.header, tc.in)
			var buf bytes.Buffer
			if err := element.NewEncoder(&buf, tc.stream).Encode(el); err != nil {
				t.Fatalf("error encoding: %v", err)
			}
			if s := buf.String(); s != tc.out {
				t.Errorf("wrong output:\nwant=%s\ngot=%s", tc.out, s)
			}
		})
	}
}

func TestEncodeStreamElements(t *testing.T) {
	features := element.New(ns.Stream, "features")
	features.AppendChild(element.New(ns.StartTLS, "starttls")).AppendChild(element.New(ns.StartTLS, "required"))
	mechs := features.AppendChild(element.New(ns.SASL, "mechanisms"))
	mechs.AppendChild(element.New(ns.SASL, "mechanism")).SetText("PLAIN")

	const want = `<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	var buf bytes.Buffer
	if err := element.NewEncoder(&buf, ns.Client).Encode(features); err != nil {
		t.Fatal(err)
	}
	if s := buf.String(); s != want {
		t.Errorf("wrong output:\nwant=%s\ngot=%s", want, s)
	}
}

func TestEncodeUnqualifiedChild(t *testing.T) {
	iq := element.New(ns.Client, "iq")
	iq.SetAttr("type", "error")
	e := iq.AppendChild(element.New("", "error"))
	e.SetAttr("type", "cancel")
	e.AppendChild(element.New(ns.Stanza, "conflict"))

	const want = `<iq type='error'><error type='cancel'><conflict xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`
	var buf bytes.Buffer
	if err := element.NewEncoder(&buf, ns.Server).Encode(iq); err != nil {
		t.Fatal(err)
	}
	if s := buf.String(); s != want {
		t.Errorf("wrong output:\nwant=%s\ngot=%s", want, s)
	}
}
