// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package component_test

import (
	"reflect"
	"strconv"
	"strings"
	"testing"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/element"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

func bindReq(name string, set bool) *element.Element {
	req := element.New(component.NSAccept, "bind")
	if set {
		req.SetAttr("name", name)
	}
	return req
}

func TestBindPrecedence(t *testing.T) {
	const initial = "foo.example.com"
	table := router.NewTable()
	m := component.NewManager(table, component.Reserved("example.com"))
	self, other := &handle{"self"}, &handle{"other"}
	if err := m.AddComponent(initial, self); err != nil {
		t.Fatal(err)
	}
	if err := m.AddComponent("taken.foo.example.com", other); err != nil {
		t.Fatal(err)
	}
	b := component.NewBinder(m, initial, self)

	// Cases run in order and share the binder.
	for i, tc := range [...]struct {
		req  *element.Element
		cond stanza.Condition
	}{
		0:  {req: bindReq("", false), cond: stanza.BadRequest},
		1:  {req: bindReq("", true), cond: stanza.BadRequest},
		2:  {req: bindReq(initial, true)},
		3:  {req: bindReq(initial, true)},
		4:  {req: bindReq("bar.foo.example.com", true)},
		5:  {req: bindReq("bar.foo.example.com", true), cond: stanza.Conflict},
		6:  {req: bindReq("taken.foo.example.com", true), cond: stanza.InternalServerError},
		7:  {req: bindReq("example.com", true), cond: stanza.Forbidden},
		8:  {req: bindReq("xfoo.example.com", true), cond: stanza.Forbidden},
		9:  {req: bindReq("foo.example.net", true), cond: stanza.Forbidden},
		10: {req: bindReq("a.b.foo.example.com", true)},
		11: {req: bindReq("FOO.Example.com", true)},
		12: {req: bindReq("Bar.FOO.example.com", true), cond: stanza.Conflict},
		13: {req: bindReq("Baz.foo.example.com", true)},
		14: {req: bindReq("baz.foo.example.com", true), cond: stanza.Conflict},
		15: {req: bindReq(strings.Repeat("a", 1024)+".foo.example.com", true), cond: stanza.BadRequest},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			reply := b.Bind(tc.req)
			if reply.Name.Local != "bind" {
				t.Fatalf("reply should be a bind element, got %s", reply)
			}
			se, isErr := stanza.FromElement(reply)
			switch {
			case tc.cond == "" && isErr:
				t.Errorf("unexpected error reply: %s", reply)
			case tc.cond != "" && !isErr:
				t.Errorf("expected %s error, got %s", tc.cond, reply)
			case tc.cond != "" && se.Condition != tc.cond:
				t.Errorf("wrong condition: want=%s, got=%s", tc.cond, se.Condition)
			case tc.cond != "" && reply.Attribute("name") != tc.req.Attribute("name"):
				t.Errorf("error reply should echo the request, got %s", reply)
			case tc.cond == "" && len(reply.Attr) != 0:
				t.Errorf("success reply should be an empty bind element, got %s", reply)
			}
		})
	}

	want := []string{initial, "a.b.foo.example.com", "bar.foo.example.com", "baz.foo.example.com"}
	if d := b.Domains(); !reflect.DeepEqual(d, want) {
		t.Errorf("wrong domains: want=%v, got=%v", want, d)
	}
	if !b.Owns("bar.foo.example.com") || b.Owns("taken.foo.example.com") {
		t.Errorf("wrong ownership of bound domains")
	}
	if h, _ := m.Component("bar.foo.example.com"); h != component.Handle(self) {
		t.Errorf("bound subdomain not registered with the manager")
	}

	b.Release()
	for _, d := range want {
		if _, ok := m.Component(d); ok {
			t.Errorf("domain %s still bound after release", d)
		}
	}
	if _, ok := m.Component("taken.foo.example.com"); !ok {
		t.Errorf("release removed another component's domain")
	}
}
