// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/jid"
)

// Errors related to dialback.
var (
	ErrNotDialback = errors.New("s2s: element is not a dialback request")
	ErrBadAddress  = errors.New("s2s: dialback element has missing or invalid addresses")
)

// Dialback element names.
const (
	DialbackResult = "result"
	DialbackVerify = "verify"
)

// Dialback results carried in the type attribute.
const (
	Valid   = "valid"
	Invalid = "invalid"
)

// Key computes the dialback key for a stream as recommended by XEP-0185:
//
//	HMAC-SHA256(SHA256(secret), receiving + " " + originating + " " + streamID)
//
// The result is hex encoded.
func Key(secret []byte, receiving, originating, streamID string) string {
	h := sha256.Sum256(secret)
	mac := hmac.New(sha256.New, []byte(hex.EncodeToString(h[:])))
	/* #nosec */
	mac.Write([]byte(receiving + " " + originating + " " + streamID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyKey reports whether key is the dialback key for the stream.
func VerifyKey(secret []byte, receiving, originating, streamID, key string) bool {
	want := Key(secret, receiving, originating, streamID)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(key))) == 1
}

// Dialback is a db:result or db:verify element.
type Dialback struct {
	// Name is either DialbackResult or DialbackVerify.
	Name string
	From jid.JID
	To   jid.JID

	// ID is the stream ID being verified. It is only used by db:verify.
	ID string

	// Type is empty on requests and Valid or Invalid on responses.
	Type string

	// Key is the dialback key sent with requests.
	Key string
}

// ParseDialback reads a dialback element.
func ParseDialback(el *element.Element) (Dialback, error) {
	if el.Name.Space != ns.Dialback {
		return Dialback{}, ErrNotDialback
	}
	switch el.Name.Local {
	case DialbackResult, DialbackVerify:
	default:
		return Dialback{}, ErrNotDialback
	}
	db := Dialback{
		Name: el.Name.Local,
		ID:   el.ID(),
		Type: el.Type(),
		Key:  strings.TrimSpace(el.Text()),
	}
	var err error
	db.From, err = el.FromJID()
	if err != nil || !db.From.IsDomain() {
		return db, ErrBadAddress
	}
	db.To, err = el.ToJID()
	if err != nil || !db.To.IsDomain() {
		return db, ErrBadAddress
	}
	return db, nil
}

// Element returns the XML form of db.
func (db Dialback) Element() *element.Element {
	el := element.New(ns.Dialback, db.Name)
	el.SetAttr("from", db.From.String())
	el.SetAttr("to", db.To.String())
	el.SetAttr("id", db.ID)
	el.SetAttr("type", db.Type)
	el.SetText(db.Key)
	return el
}

// Response returns the reply to the request db, with the addresses reversed
// and no key.
func (db Dialback) Response(valid bool) Dialback {
	resp := Dialback{
		Name: db.Name,
		From: db.To,
		To:   db.From,
		ID:   db.ID,
		Type: Invalid,
	}
	if valid {
		resp.Type = Valid
	}
	return resp
}
