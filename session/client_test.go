// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/offline"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/session"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

func TestFeatures(t *testing.T) {
	env, _ := newEnv()
	_, p := start(t, env, session.Client)
	hdr := p.open(clientHeader)
	if attr(hdr, "from") != "example.net" {
		t.Errorf("wrong from on response header: %s", attr(hdr, "from"))
	}
	if attr(hdr, "id") == "" {
		t.Errorf("response header has no stream ID")
	}
	features := p.next()
	mechs := features.Child(ns.SASL, "mechanisms")
	if mechs == nil {
		t.Fatalf("no mechanisms offered: %s", features)
	}
	var names []string
	for _, m := range mechs.Elements() {
		names = append(names, m.Text())
	}
	if got := strings.Join(names, " "); got != "SCRAM-SHA-256 SCRAM-SHA-1 PLAIN" {
		t.Errorf("wrong mechanisms: %s", got)
	}
	if features.Child(ns.Bind, "bind") != nil {
		t.Errorf("bind offered before authentication")
	}
}

func TestBind(t *testing.T) {
	env, events := newEnv()
	s, _, res := login(t, env, "juliet", "capulet", "balcony")
	if res.Type() != stanza.ResultIQ || res.ID() != "bind1" {
		t.Fatalf("unexpected bind response: %s", res)
	}
	const want = "juliet@example.net/balcony"
	if got := res.Child(ns.Bind, "bind").Child(ns.Bind, "jid").Text(); got != want {
		t.Errorf("wrong bound JID: want=%s, got=%s", want, got)
	}
	if s.JID().String() != want {
		t.Errorf("wrong session JID: want=%s, got=%s", want, s.JID())
	}
	if s.State() != session.Bound {
		t.Errorf("wrong state: want=%v, got=%v", session.Bound, s.State())
	}
	if mask := s.SessionState(); mask&(session.Authn|session.Ready) != session.Authn|session.Ready {
		t.Errorf("wrong session state mask: %b", mask)
	}
	if r := env.Table.Route(mustJID(want)); r != router.Route(s) {
		t.Errorf("session not registered in the routing table")
	}
	if !events.has(event.SessionAuthenticated, "juliet@example.net") {
		t.Errorf("no authentication event")
	}
	if !events.has(event.ResourceBound, want) {
		t.Errorf("no resource bound event")
	}

	/* #nosec */
	_ = s.Close()
	if r := env.Table.Route(mustJID(want)); r != nil {
		t.Errorf("closed session still in the routing table")
	}
	if !events.has(event.SessionDestroyed, want) {
		t.Errorf("no session destroyed event")
	}
}

func TestBindGeneratesResource(t *testing.T) {
	env, _ := newEnv()
	s, _, res := login(t, env, "juliet", "capulet", "")
	addr := res.Child(ns.Bind, "bind").Child(ns.Bind, "jid").Text()
	if !strings.HasPrefix(addr, "juliet@example.net/") || s.JID().Resourcepart() == "" {
		t.Errorf("expected a generated resource, got %q", addr)
	}
}

func TestResourceConflictReplace(t *testing.T) {
	env, _ := newEnv()
	old, oldPeer, _ := login(t, env, "juliet", "capulet", "balcony")

	errs := make(chan error, 1)
	go func() {
		for {
			if _, err := oldPeer.p.Next(); err != nil {
				errs <- err
				return
			}
		}
	}()

	s, _, res := login(t, env, "juliet", "capulet", "balcony")
	if res.Type() != stanza.ResultIQ {
		t.Fatalf("second bind failed: %s", res)
	}
	// The old session is gone before the new one learns of its bind.
	if !old.IsClosed() {
		t.Errorf("replaced session is still open")
	}
	if r := env.Table.Route(mustJID("juliet@example.net/balcony")); r != router.Route(s) {
		t.Errorf("routing table does not point at the new session")
	}
	select {
	case err := <-errs:
		if !errors.Is(err, stream.Conflict) {
			t.Errorf("wrong error on replaced session: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for conflict on replaced session")
	}
}

func TestResourceConflictReject(t *testing.T) {
	env, _ := newEnv()
	env.Settings.ResourceConflict = session.Reject
	first, _, _ := login(t, env, "juliet", "capulet", "balcony")
	_, _, res := login(t, env, "juliet", "capulet", "balcony")
	se, ok := stanza.FromElement(res)
	if res.Type() != stanza.ErrorIQ || !ok || se.Condition != stanza.Conflict {
		t.Errorf("expected conflict error, got %s", res)
	}
	if first.IsClosed() {
		t.Errorf("first session should not be closed")
	}
	if r := env.Table.Route(mustJID("juliet@example.net/balcony")); r != router.Route(first) {
		t.Errorf("routing table does not point at the first session")
	}
}

func TestAuthFailure(t *testing.T) {
	env, _ := newEnv()
	s, p := start(t, env, session.Client)
	p.open(clientHeader)
	p.next()

	for i, tc := range [...]struct {
		in   string
		cond string
	}{
		0: {`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` + plain("juliet", "montague") + `</auth>`, "not-authorized"},
		1: {`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='X-UNKNOWN'/>`, "invalid-mechanism"},
		2: {`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>***</auth>`, "incorrect-encoding"},
		3: {`<abort xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`, "aborted"},
	} {
		p.write(tc.in)
		el := p.next()
		if el.Name.Local != "failure" || el.Child(ns.SASL, tc.cond) == nil {
			t.Errorf("%d: expected %s failure, got %s", i, tc.cond, el)
		}
	}
	if s.IsClosed() || s.SessionState()&session.Authn != 0 {
		t.Fatalf("failed authentication should leave the stream open and unauthenticated")
	}

	// The exchange may continue after an empty initial response.
	p.write(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'/>`)
	if el := p.next(); el.Name.Local != "challenge" {
		t.Fatalf("expected empty challenge, got %s", el)
	}
	p.write(`<response xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>` + plain("juliet", "capulet") + `</response>`)
	if el := p.next(); el.Name.Local != "success" {
		t.Fatalf("expected success, got %s", el)
	}
}

func TestStanzaBeforeAuth(t *testing.T) {
	env, _ := newEnv()
	s, p := start(t, env, session.Client)
	p.open(clientHeader)
	p.next()
	p.write(`<message to='romeo@example.net'><body>Art thou not Romeo?</body></message>`)
	p.expectError(stream.NotAuthorized)
	waitClosed(t, s)
}

func TestMalformedXML(t *testing.T) {
	for i, in := range [...]string{
		0: `<message to='romeo@example.net'></iq>`,
		1: `<message to='romeo@example.net'><body>&bogus;</body></message>`,
		2: `<presence><</presence>`,
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			env, _ := newEnv()
			romeo, _, _ := login(t, env, "romeo", "montague", "orchard")
			juliet, p, _ := login(t, env, "juliet", "capulet", "balcony")

			p.write(in)
			p.expectError(stream.NotWellFormed)
			waitClosed(t, juliet)
			if env.Table.Route(mustJID("juliet@example.net/balcony")) != nil {
				t.Errorf("closed session still routable")
			}
			if romeo.IsClosed() {
				t.Errorf("malformed input closed another connection")
			}
			if env.Table.Route(mustJID("romeo@example.net/orchard")) != router.Route(romeo) {
				t.Errorf("other session lost its route")
			}
		})
	}
}

func TestHostUnknown(t *testing.T) {
	env, _ := newEnv()
	s, p := start(t, env, session.Client)
	p.write(`<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' to='elsewhere.example' version='1.0'>`)
	if _, err := p.p.Header(); err != nil {
		t.Fatalf("a header should be sent before the stream error: %v", err)
	}
	p.expectError(stream.HostUnknown)
	waitClosed(t, s)
}

func TestRequireTLSWithoutTLS(t *testing.T) {
	env, _ := newEnv()
	env.Settings.RequireTLS = true
	_, p := start(t, env, session.Client)
	p.open(clientHeader)
	if features := p.next(); features.Child(ns.SASL, "mechanisms") != nil {
		t.Errorf("mechanisms offered on an insecure stream: %s", features)
	}
	p.write(`<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='PLAIN'>` + plain("juliet", "capulet") + `</auth>`)
	if el := p.next(); el.Child(ns.SASL, "encryption-required") == nil {
		t.Errorf("expected encryption-required, got %s", el)
	}
}

func TestServerIQ(t *testing.T) {
	env, _ := newEnv()
	_, p, _ := login(t, env, "juliet", "capulet", "balcony")

	for i, tc := range [...]struct {
		in   string
		typ  string
		cond stanza.Condition
	}{
		0: {`<iq type='get' id='p1' to='example.net'><ping xmlns='urn:xmpp:ping'/></iq>`, stanza.ResultIQ, ""},
		1: {`<iq type='get' id='p2'><ping xmlns='urn:xmpp:ping'/></iq>`, stanza.ResultIQ, ""},
		2: {`<iq type='set' id='s1'><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>`, stanza.ResultIQ, ""},
		3: {`<iq type='get' id='v1' to='example.net'><query xmlns='jabber:iq:version'/></iq>`, stanza.ErrorIQ, stanza.ServiceUnavailable},
		4: {`<iq type='get' id='r1' to='juliet@example.net'><query xmlns='jabber:iq:roster'/></iq>`, stanza.ErrorIQ, stanza.ServiceUnavailable},
	} {
		p.write(tc.in)
		el := p.next()
		if el.Type() != tc.typ {
			t.Errorf("%d: wrong response type: want=%s, got=%s", i, tc.typ, el)
			continue
		}
		if tc.cond == "" {
			continue
		}
		if se, ok := stanza.FromElement(el); !ok || se.Condition != tc.cond {
			t.Errorf("%d: wrong error: want=%s, got=%s", i, tc.cond, el)
		}
	}
}

func TestMessageRouting(t *testing.T) {
	env, _ := newEnv()
	_, juliet, _ := login(t, env, "juliet", "capulet", "balcony")
	_, romeo, _ := login(t, env, "romeo", "montague", "orchard")

	// Only sessions with available presence receive messages to the bare JID.
	juliet.write(`<presence/>`)
	if el := juliet.next(); el.Name.Local != "presence" {
		t.Fatalf("expected presence echo, got %s", el)
	}

	romeo.write(`<message to='juliet@example.net' from='someone@else.example' type='chat'><body>It is my lady</body></message>`)
	msg := juliet.next()
	if msg.Name.Local != "message" || msg.Child("", "body").Text() != "It is my lady" {
		t.Fatalf("unexpected element %s", msg)
	}
	if msg.From() != "romeo@example.net/orchard" {
		t.Errorf("from was not stamped: %s", msg.From())
	}

	romeo.write(`<message to='juliet@@example.net' id='bad'><body>O</body></message>`)
	reply := romeo.next()
	if se, ok := stanza.FromElement(reply); !ok || se.Condition != stanza.JIDMalformed {
		t.Errorf("expected jid-malformed, got %s", reply)
	}
}

func TestOfflineFlush(t *testing.T) {
	env, _ := newEnv()
	store := offline.NewMemory()
	env.Offline = store

	msg := element.New(ns.Client, "message")
	msg.SetAttr("to", "juliet@example.net")
	msg.SetAttr("from", "romeo@example.net/orchard")
	msg.AppendChild(element.New(ns.Client, "body")).SetText("Wherefore art thou?")
	if err := store.StoreOffline(context.Background(), msg); err != nil {
		t.Fatalf("error storing message: %v", err)
	}

	s, p, _ := login(t, env, "juliet", "capulet", "balcony")
	if s.Priority() != -1 {
		t.Errorf("session without presence should have priority -1, got %d", s.Priority())
	}
	p.write(`<presence><priority>5</priority></presence>`)
	el := p.next()
	if el.Name.Local != "message" || el.Child("", "body").Text() != "Wherefore art thou?" {
		t.Fatalf("expected offline message first, got %s", el)
	}
	if el.Child(ns.Delay, "delay") == nil {
		t.Errorf("offline message has no delay: %s", el)
	}
	if el = p.next(); el.Name.Local != "presence" {
		t.Errorf("expected presence echo, got %s", el)
	}
	if s.Priority() != 5 {
		t.Errorf("wrong priority: want=5, got=%d", s.Priority())
	}
	msgs, err := store.Retrieve(context.Background(), mustJID("juliet@example.net"))
	if err != nil || len(msgs) != 0 {
		t.Errorf("offline messages not deleted: %d, %v", len(msgs), err)
	}

	p.write(`<presence type='unavailable'/>`)
	p.next()
	if s.Priority() != -1 {
		t.Errorf("unavailable session should have priority -1, got %d", s.Priority())
	}
}

// arrivingStore stores late the first time messages are retrieved, as if it
// had been routed to the store while a flush was in progress.
type arrivingStore struct {
	*offline.Memory
	late *element.Element
	err  error
	once sync.Once
}

func (s *arrivingStore) Retrieve(ctx context.Context, user jid.JID) ([]offline.Message, error) {
	msgs, err := s.Memory.Retrieve(ctx, user)
	s.once.Do(func() {
		s.err = s.Memory.StoreOffline(ctx, s.late)
	})
	return msgs, err
}

func offlineMessage(body string) *element.Element {
	msg := element.New(ns.Client, "message")
	msg.SetAttr("to", "juliet@example.net")
	msg.SetAttr("from", "romeo@example.net/orchard")
	msg.AppendChild(element.New(ns.Client, "body")).SetText(body)
	return msg
}

func TestOfflineFlushKeepsLateMessages(t *testing.T) {
	env, _ := newEnv()
	store := &arrivingStore{Memory: offline.NewMemory(), late: offlineMessage("late")}
	env.Offline = store
	if err := store.StoreOffline(context.Background(), offlineMessage("early")); err != nil {
		t.Fatalf("error storing message: %v", err)
	}

	_, p, _ := login(t, env, "juliet", "capulet", "balcony")
	p.write(`<presence/>`)
	if el := p.next(); el.Name.Local != "message" || el.Child("", "body").Text() != "early" {
		t.Fatalf("expected the stored message, got %s", el)
	}
	if el := p.next(); el.Name.Local != "presence" {
		t.Fatalf("expected presence echo, got %s", el)
	}
	if store.err != nil {
		t.Fatalf("error storing late message: %v", store.err)
	}
	msgs, err := store.Memory.Retrieve(context.Background(), mustJID("juliet@example.net"))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Stanza.Child("", "body").Text() != "late" {
		t.Errorf("message stored during the flush was lost: %v", msgs)
	}
}

func TestOfflineFlushNegativePriority(t *testing.T) {
	env, _ := newEnv()
	store := offline.NewMemory()
	env.Offline = store
	if err := store.StoreOffline(context.Background(), offlineMessage("hi")); err != nil {
		t.Fatalf("error storing message: %v", err)
	}

	s, p, _ := login(t, env, "juliet", "capulet", "balcony")
	p.write(`<presence><priority>-1</priority></presence>`)
	if el := p.next(); el.Name.Local != "presence" {
		t.Fatalf("negative priority session should not get offline messages, got %s", el)
	}
	if s.Priority() != -1 {
		t.Errorf("wrong priority: want=-1, got=%d", s.Priority())
	}
	msgs, err := store.Retrieve(context.Background(), mustJID("juliet@example.net"))
	if err != nil || len(msgs) != 1 {
		t.Fatalf("stored message should remain: %d, %v", len(msgs), err)
	}

	p.write(`<presence><priority>1</priority></presence>`)
	if el := p.next(); el.Name.Local != "message" {
		t.Fatalf("expected the stored message, got %s", el)
	}
	if el := p.next(); el.Name.Local != "presence" {
		t.Errorf("expected presence echo, got %s", el)
	}
}

func waitClosed(t *testing.T, s *session.Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !s.IsClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("session was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
