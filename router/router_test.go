// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/internal/xmpptest"
	"mellium.im/xmppd/jid"
)

type routeFunc func(context.Context, *element.Element) error

func (f routeFunc) Process(ctx context.Context, st *element.Element) error {
	if f == nil {
		return nil
	}
	return f(ctx, st)
}

type recorder struct {
	mu  sync.Mutex
	got []*element.Element
}

func (r *recorder) Process(_ context.Context, st *element.Element) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, st)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type dialerFunc func(context.Context, string) (Route, error)

func (f dialerFunc) Dial(ctx context.Context, domain string) (Route, error) {
	return f(ctx, domain)
}

func stanzaTo(local, to, typ string) *element.Element {
	st := element.New(ns.Client, local)
	st.SetAttr("to", to)
	st.SetAttr("type", typ)
	st.SetAttr("from", "romeo@example.net/orchard")
	return st
}

func TestRouteFallsBackByPriority(t *testing.T) {
	table := NewTable()
	store := &xmpptest.RecordingStore{}
	r := New(table, LocalDomains("example.com"), Offline(store))

	high := xmpptest.NewRoute(10, epoch)
	low := xmpptest.NewRoute(5, epoch)
	if _, err := table.Register(jid.MustParse("juliet@example.com/high"), high); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Register(jid.MustParse("juliet@example.com/low"), low); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	msg := stanzaTo("message", "juliet@example.com", "chat")

	r.Route(ctx, nil, msg)
	if n := len(high.Delivered()); n != 1 {
		t.Fatalf("priority 10 session should receive the message, got %d", n)
	}
	if n := len(low.Delivered()); n != 0 {
		t.Fatalf("priority 5 session should not receive the message, got %d", n)
	}

	/* #nosec */
	_ = high.Close()
	r.Route(ctx, nil, msg)
	if n := len(low.Delivered()); n != 1 {
		t.Fatalf("priority 5 session should receive the message after the other closed, got %d", n)
	}

	/* #nosec */
	_ = low.Close()
	r.Route(ctx, nil, msg)
	stored := store.Stored()
	if len(stored) != 1 {
		t.Fatalf("message should be stored offline exactly once, got %d", len(stored))
	}
	if stored[0] != msg {
		t.Errorf("wrong message stored offline: %v", stored[0])
	}
}

func TestUnprocessedPolicy(t *testing.T) {
	for i, tc := range [...]struct {
		st     *element.Element
		stored bool
	}{
		0: {st: stanzaTo("message", "juliet@example.com", ""), stored: true},
		1: {st: stanzaTo("message", "juliet@example.com", "normal"), stored: true},
		2: {st: stanzaTo("message", "juliet@example.com/balcony", "chat"), stored: true},
		3: {st: stanzaTo("message", "juliet@example.com", "groupchat")},
		4: {st: stanzaTo("message", "juliet@example.com", "headline")},
		5: {st: stanzaTo("message", "juliet@example.com", "error")},
		6: {st: stanzaTo("presence", "juliet@example.com", "")},
		7: {st: stanzaTo("presence", "juliet@example.com", "subscribe")},
		8: {st: stanzaTo("iq", "juliet@example.com/balcony", "get")},
		9: {st: stanzaTo("message", "juliet@other.example", "chat"), stored: true},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			store := &xmpptest.RecordingStore{}
			r := New(NewTable(), LocalDomains("example.com"), Offline(store))
			r.Route(context.Background(), nil, tc.st)
			n := len(store.Stored())
			switch {
			case tc.stored && n != 1:
				t.Errorf("expected stanza to be stored once, got %d", n)
			case !tc.stored && n != 0:
				t.Errorf("expected no store calls, got %d", n)
			}
		})
	}
}

func TestRouteToServer(t *testing.T) {
	table := NewTable()
	store := &xmpptest.RecordingStore{}
	r := New(table, LocalDomains("example.com"), Offline(store))
	sender := xmpptest.NewRoute(0, epoch)

	for i, to := range [...]string{0: "", 1: "example.com"} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			before := len(sender.Delivered())
			r.Route(context.Background(), sender, stanzaTo("iq", to, "get"))
			if n := len(sender.Delivered()) - before; n != 1 {
				t.Errorf("stanza for the server should go back to the sender, got %d", n)
			}
		})
	}

	/* #nosec */
	_ = sender.Close()
	r.Route(context.Background(), sender, stanzaTo("message", "", "chat"))
	r.Route(context.Background(), nil, stanzaTo("message", "", "chat"))
	if n := len(store.Stored()); n != 0 {
		t.Errorf("stanzas for the server should never be stored offline, got %d", n)
	}
}

func TestRouteToComponent(t *testing.T) {
	table := NewTable()
	comp := &recorder{}
	if _, err := table.Register(jid.MustParse("conference.example.com"), comp); err != nil {
		t.Fatal(err)
	}
	r := New(table, LocalDomains("example.com", "conference.example.com"))
	r.Route(context.Background(), nil, stanzaTo("presence", "room@conference.example.com/nick", ""))
	if n := comp.len(); n != 1 {
		t.Errorf("component should receive the stanza, got %d", n)
	}
}

func TestRouteToRemote(t *testing.T) {
	table := NewTable()
	remote := &recorder{}
	var dials int
	r := New(table, LocalDomains("example.com"), Remote(dialerFunc(func(_ context.Context, domain string) (Route, error) {
		dials++
		if domain != "example.net" {
			t.Errorf("dialed wrong domain: %s", domain)
		}
		return remote, nil
	})))

	ctx := context.Background()
	r.Route(ctx, nil, stanzaTo("message", "romeo@example.net", "chat"))
	r.Route(ctx, nil, stanzaTo("message", "romeo@example.net/orchard", "chat"))
	if dials != 1 {
		t.Errorf("remote domain should be dialed once, got %d", dials)
	}
	if n := remote.len(); n != 2 {
		t.Errorf("remote route should receive both stanzas, got %d", n)
	}
	if !table.HasDomain("example.net") {
		t.Errorf("dialed route was not registered")
	}
}

func TestRemoteDialFailure(t *testing.T) {
	store := &xmpptest.RecordingStore{}
	r := New(NewTable(), LocalDomains("example.com"), Offline(store), Remote(dialerFunc(func(context.Context, string) (Route, error) {
		return nil, errors.New("no route to host")
	})))
	r.Route(context.Background(), nil, stanzaTo("message", "romeo@example.net", "chat"))
	if n := len(store.Stored()); n != 1 {
		t.Errorf("undeliverable remote message should go to the unprocessed policy, got %d", n)
	}
}

func TestDeliveryErrorsAreSwallowed(t *testing.T) {
	table := NewTable()
	store := &xmpptest.RecordingStore{Err: errors.New("disk full")}
	r := New(table, LocalDomains("example.com"), Offline(store))
	// Must not panic or block.
	r.Route(context.Background(), nil, stanzaTo("message", "juliet@example.com", "chat"))
	r.Route(context.Background(), nil, stanzaTo("message", "juliet@", "chat"))
	if n := len(store.Stored()); n != 1 {
		t.Errorf("wrong number of store calls: want=1, got=%d", n)
	}
}
