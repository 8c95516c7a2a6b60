// Copyright 2017 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package component manages the external components connected with
// XEP-0114: Jabber Component Protocol.
//
// A component authenticates with a shared secret and is then responsible for a
// domain, usually a subdomain of the server.
// Once authenticated it may bind additional subdomains of its initial domain.
// The Manager tracks which component is responsible for each domain and keeps
// the routing table in sync, and a Binder handles the bind requests of a single
// component connection.
package component // import "mellium.im/xmppd/component"

import (
	/* #nosec */
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
)

// NSAccept is the default namespace of component streams.
const NSAccept = `jabber:component:accept`

// Handshake returns the expected content of the <handshake/> element for the
// given stream ID and shared secret: the lowercase hex encoded SHA-1 of the ID
// followed by the secret.
func Handshake(streamID string, secret []byte) string {
	/* #nosec */
	h := sha1.New()

	// hash.Write never returns an error per the documentation.
	/* #nosec */
	_, _ = h.Write([]byte(streamID))
	/* #nosec */
	_, _ = h.Write(secret)

	return hex.EncodeToString(h.Sum(nil))
}

// VerifyHandshake reports whether digest is the correct handshake for the
// stream ID and secret.
// Hex digits are accepted in either case.
func VerifyHandshake(streamID string, secret []byte, digest string) bool {
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Handshake(streamID, secret))
	return subtle.ConstantTimeCompare(got, want) == 1
}
