// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package offline_test

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/offline"
	"mellium.im/xmppd/stanza"
)

var (
	_ offline.Store = (*offline.Memory)(nil)
	_ offline.Store = (*offline.SQLite)(nil)
)

var stamp = time.Date(2020, time.March, 4, 5, 6, 7, 0, time.UTC)

func clock() time.Time { return stamp }

type newStore func(t *testing.T, opts ...offline.Option) offline.Store

var stores = [...]struct {
	name string
	open newStore
}{
	0: {"memory", func(t *testing.T, opts ...offline.Option) offline.Store {
		return offline.NewMemory(opts...)
	}},
	1: {"sqlite", func(t *testing.T, opts ...offline.Option) offline.Store {
		s, err := offline.OpenSQLite(filepath.Join(t.TempDir(), "offline.db"), 2, opts...)
		if err != nil {
			t.Fatalf("error opening database: %v", err)
		}
		return s
	}},
}

func message(to, body string) *element.Element {
	msg := element.New(ns.Client, "message")
	msg.SetAttr("to", to)
	msg.SetAttr("from", "romeo@example.net/orchard")
	msg.SetAttr("type", "chat")
	msg.AppendChild(element.New(ns.Client, "body")).SetText(body)
	return msg
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t, offline.Clock(clock))
			defer s.Close()

			juliet := jid.MustParse("juliet@example.com")
			for i := 0; i < 3; i++ {
				if err := s.StoreOffline(ctx, message("juliet@example.com/balcony", strconv.Itoa(i))); err != nil {
					t.Fatalf("error storing message %d: %v", i, err)
				}
			}
			if err := s.StoreOffline(ctx, message("nurse@example.com", "other")); err != nil {
				t.Fatalf("error storing message for another user: %v", err)
			}

			msgs, err := s.Retrieve(ctx, jid.MustParse("juliet@example.com/chamber"))
			if err != nil {
				t.Fatalf("error retrieving messages: %v", err)
			}
			if len(msgs) != 3 {
				t.Fatalf("wrong number of messages: want=3, got=%d", len(msgs))
			}
			for i, m := range msgs {
				msg := m.Stanza
				if body := msg.Child(ns.Client, "body").Text(); body != strconv.Itoa(i) {
					t.Errorf("messages out of order: want=%d, got=%s", i, body)
				}
				if msg.Name.Space != ns.Client {
					t.Errorf("stored message lost its namespace: %q", msg.Name.Space)
				}
				d, ok := stanza.DelayFromElement(msg)
				switch {
				case !ok:
					t.Errorf("stored message has no delay")
				case !d.Stamp.Equal(stamp):
					t.Errorf("wrong delay stamp: want=%v, got=%v", stamp, d.Stamp)
				case d.From.String() != "example.com":
					t.Errorf("wrong delay origin: want=example.com, got=%s", d.From)
				}
			}

			if err := s.Delete(ctx, juliet, ids(msgs)...); err != nil {
				t.Fatalf("error deleting messages: %v", err)
			}
			msgs, err = s.Retrieve(ctx, juliet)
			if err != nil {
				t.Fatalf("error retrieving messages after delete: %v", err)
			}
			if len(msgs) != 0 {
				t.Errorf("messages remain after delete: %d", len(msgs))
			}
			msgs, err = s.Retrieve(ctx, jid.MustParse("nurse@example.com"))
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 1 {
				t.Errorf("delete removed another user's messages")
			}
		})
	}
}

func ids(msgs []offline.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestDeleteKeepsLaterMessages(t *testing.T) {
	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t)
			defer s.Close()
			juliet := jid.MustParse("juliet@example.com")

			for i := 0; i < 2; i++ {
				if err := s.StoreOffline(ctx, message("juliet@example.com", strconv.Itoa(i))); err != nil {
					t.Fatal(err)
				}
			}
			first, err := s.Retrieve(ctx, juliet)
			if err != nil {
				t.Fatal(err)
			}
			// A message arrives while the first two are being delivered.
			if err := s.StoreOffline(ctx, message("juliet@example.com", "late")); err != nil {
				t.Fatal(err)
			}
			if err := s.Delete(ctx, juliet, ids(first)...); err != nil {
				t.Fatalf("error deleting messages: %v", err)
			}
			// Deleting the same messages twice is harmless.
			if err := s.Delete(ctx, juliet, ids(first)...); err != nil {
				t.Fatalf("error deleting messages again: %v", err)
			}

			msgs, err := s.Retrieve(ctx, juliet)
			if err != nil {
				t.Fatal(err)
			}
			if len(msgs) != 1 {
				t.Fatalf("wrong number of messages left: want=1, got=%d", len(msgs))
			}
			if body := msgs[0].Stanza.Child(ns.Client, "body").Text(); body != "late" {
				t.Errorf("wrong message left: %s", body)
			}
		})
	}
}

func TestStoreDoesNotMutate(t *testing.T) {
	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			defer s.Close()
			msg := message("juliet@example.com", "hi")
			if err := s.StoreOffline(context.Background(), msg); err != nil {
				t.Fatal(err)
			}
			if _, ok := stanza.DelayFromElement(msg); ok {
				t.Errorf("storing a message added a delay to the caller's element")
			}
		})
	}
}

func TestLimit(t *testing.T) {
	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			s := tc.open(t, offline.Limit(2))
			defer s.Close()
			for i := 0; i < 2; i++ {
				if err := s.StoreOffline(ctx, message("juliet@example.com", "hi")); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.StoreOffline(ctx, message("juliet@example.com", "hi")); err != offline.ErrQuotaExceeded {
				t.Errorf("wrong error: want=%v, got=%v", offline.ErrQuotaExceeded, err)
			}
			if err := s.StoreOffline(ctx, message("nurse@example.com", "hi")); err != nil {
				t.Errorf("limit should apply per user: %v", err)
			}
		})
	}
}

func TestBadRecipient(t *testing.T) {
	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.open(t)
			defer s.Close()
			for i, to := range [...]string{0: "", 1: "example.com"} {
				t.Run(strconv.Itoa(i), func(t *testing.T) {
					if err := s.StoreOffline(context.Background(), message(to, "hi")); err != offline.ErrNoRecipient {
						t.Errorf("wrong error: want=%v, got=%v", offline.ErrNoRecipient, err)
					}
				})
			}
		})
	}
}

func TestMemoryClosed(t *testing.T) {
	s := offline.NewMemory()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreOffline(context.Background(), message("juliet@example.com", "hi")); err != offline.ErrClosed {
		t.Errorf("wrong error after close: want=%v, got=%v", offline.ErrClosed, err)
	}
}
