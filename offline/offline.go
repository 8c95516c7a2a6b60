// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package offline stores messages for users that have no available session.
//
// Messages are stamped with a delayed delivery element when they are stored
// and are returned in the order they were stored.
// Two implementations are provided: Memory, which loses its contents when the
// process exits, and SQLite, which persists messages to a database file.
package offline // import "mellium.im/xmppd/offline"

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Errors returned by stores.
var (
	ErrQuotaExceeded = errors.New("offline: too many messages stored for user")
	ErrNoRecipient   = errors.New("offline: message has no recipient")
	ErrClosed        = errors.New("offline: store closed")
)

// Store keeps messages addressed to users that are not online.
type Store interface {
	// StoreOffline saves a copy of msg for the bare JID it is addressed to.
	StoreOffline(ctx context.Context, msg *element.Element) error

	// Retrieve returns the messages stored for the bare JID of user, oldest
	// first, without removing them.
	Retrieve(ctx context.Context, user jid.JID) ([]Message, error)

	// Delete removes the messages with the given IDs stored for the bare JID of
	// user. Messages stored after they were retrieved are kept, and unknown IDs
	// are ignored.
	Delete(ctx context.Context, user jid.JID, ids ...int64) error

	Close() error
}

// Message is a stored stanza and the ID that removes it from the store.
type Message struct {
	ID     int64
	Stanza *element.Element
}

// Option configures a store.
type Option func(*options)

type options struct {
	limit int
	now   func() time.Time
	log   *logrus.Logger
}

func getOpts(opts []Option) options {
	o := options{now: time.Now}
	for _, f := range opts {
		f(&o)
	}
	if o.log == nil {
		o.log = logrus.New()
		o.log.SetOutput(io.Discard)
	}
	return o
}

// Limit sets the maximum number of messages kept for a single user.
// Messages over the limit are rejected with ErrQuotaExceeded.
// Zero or less means no limit.
func Limit(n int) Option {
	return func(o *options) {
		o.limit = n
	}
}

// Clock sets the function used to stamp stored messages.
func Clock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Logger sets the logger used by the store.
func Logger(l *logrus.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// prepare returns the bare recipient of msg and a copy of msg carrying a delay
// element stamped by the recipient's server.
func prepare(msg *element.Element, now time.Time) (jid.JID, *element.Element, error) {
	to, err := msg.ToJID()
	if err != nil {
		return jid.JID{}, nil, err
	}
	if to.Localpart() == "" {
		return jid.JID{}, nil, ErrNoRecipient
	}
	st := msg.Copy()
	stanza.AddDelay(st, stanza.Delay{
		From:   to.Domain(),
		Stamp:  now,
		Reason: "Offline Storage",
	})
	return to.Bare(), st, nil
}

// record is the persisted form of a stored message.
type record struct {
	From   string `cbor:"1,keyasint,omitempty"`
	Stored int64  `cbor:"2,keyasint"`
	Stanza string `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("offline: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("offline: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(st *element.Element, now time.Time) ([]byte, error) {
	return encMode.Marshal(record{
		From:   st.From(),
		Stored: now.UnixNano(),
		Stanza: st.String(),
	})
}

func decodeRecord(data []byte) (*element.Element, error) {
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return element.Read(xml.NewDecoder(strings.NewReader(r.Stanza)))
}
