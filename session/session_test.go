// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session_test

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/component"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/session"
	"mellium.im/xmppd/stream"
)

const (
	clientHeader    = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='example.net' version='1.0'>`
	componentHeader = `<?xml version='1.0'?><stream:stream xmlns='jabber:component:accept' xmlns:stream='http://etherx.jabber.org/streams' to='comp.example.net'>`
	serverHeader    = `<?xml version='1.0'?><stream:stream xmlns='jabber:server' xmlns:stream='http://etherx.jabber.org/streams' xmlns:db='jabber:server:dialback' from='remote.example' to='example.net' version='1.0'>`

	componentSecret = "s3cr3t"
)

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) listen(e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) has(t event.Type, addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t && e.JID.String() == addr {
			return true
		}
	}
	return false
}

func newEnv() (*session.Env, *recorder) {
	table := router.NewTable()
	rec := &recorder{}
	bus := event.New(nil)
	bus.Subscribe(rec.listen)
	return &session.Env{
		Domains:    []string{"example.net"},
		Table:      table,
		Router:     router.New(table, router.LocalDomains("example.net")),
		Components: component.NewManager(table, component.Secrets(map[string]string{"comp.example.net": componentSecret})),
		Auth: auth.New(auth.NewStatic(map[string]string{
			"juliet": "capulet",
			"romeo":  "montague",
		})),
		Events: bus,
	}, rec
}

// peer is the remote end of a session.
type peer struct {
	t *testing.T
	c net.Conn
	p *element.Parser
}

// start creates a session on one end of a pipe, serves it until it closes,
// and returns the other end.
func start(t *testing.T, env *session.Env, expect session.Kind) (*session.Session, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	s := session.New(env, local, expect)
	go func() {
		for {
			el, err := s.Read()
			if err != nil {
				s.Fail(err)
				return
			}
			if err := s.Handle(context.Background(), el); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		/* #nosec */
		_ = remote.Close()
		/* #nosec */
		_ = s.Close()
	})
	return s, &peer{t: t, c: remote, p: element.NewParser(remote)}
}

func (p *peer) write(s string) {
	p.t.Helper()
	/* #nosec */
	_ = p.c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(p.c, s); err != nil {
		p.t.Fatalf("error writing %q: %v", s, err)
	}
}

func (p *peer) next() *element.Element {
	p.t.Helper()
	/* #nosec */
	_ = p.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	el, err := p.p.Next()
	if err != nil {
		p.t.Fatalf("error reading element: %v", err)
	}
	return el
}

// open writes a stream header and reads the response header.
func (p *peer) open(header string) xml.StartElement {
	p.t.Helper()
	p.p.Reset(p.c)
	p.write(header)
	/* #nosec */
	_ = p.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	start, err := p.p.Header()
	if err != nil {
		p.t.Fatalf("error reading stream header: %v", err)
	}
	return start
}

// expectError reads until the session sends a stream error.
func (p *peer) expectError(want stream.Error) {
	p.t.Helper()
	/* #nosec */
	_ = p.c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		el, err := p.p.Next()
		if err == nil {
			continue
		}
		if !errors.Is(err, element.ErrPeerStreamError) || !errors.Is(err, want) {
			p.t.Fatalf("wrong stream error: want=%v, got=%v (last element %v)", want, err, el)
		}
		return
	}
}

func attr(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func plain(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}

// login authenticates and binds resource on a new client session.
func login(t *testing.T, env *session.Env, user, pass, resource string) (*session.Session, *peer, *element.Element) {
	t.Helper()
	s, p := start(t, env, session.Client)
	p.open(clientHeader)
	p.next()
	p.write(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` + plain(user, pass) + `</auth>`)
	if el := p.next(); el.Name.Local != "success" {
		t.Fatalf("expected success, got %s", el)
	}
	p.open(clientHeader)
	p.next()
	p.write(`<iq type='set' id='bind1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>` + resource + `</resource></bind></iq>`)
	return s, p, p.next()
}

func mustJID(s string) jid.JID {
	return jid.MustParse(s)
}
