// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package session

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/auth"
	"mellium.im/xmppd/component"
	"mellium.im/xmppd/event"
	"mellium.im/xmppd/offline"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/s2s"
	"mellium.im/xmppd/tlsprovider"
)

// ConflictPolicy decides what happens when a client binds a resource that is
// already in use.
type ConflictPolicy uint8

const (
	// Replace closes the existing session and gives the resource to the new one.
	Replace ConflictPolicy = iota

	// Reject refuses the new binding with a conflict error.
	Reject
)

// Settings contains the tunable parameters of sessions.
type Settings struct {
	// RequireTLS refuses authentication on client and server streams that have
	// not negotiated TLS.
	RequireTLS bool

	// Compression offers XEP-0138 stream compression after authentication.
	Compression bool

	ResourceConflict ConflictPolicy

	// Parser limits. Zero uses the element package defaults.
	MaxStanzaSize int
	MaxDepth      int

	// WriteTimeout bounds individual writes to the peer.
	WriteTimeout time.Duration
}

// Env holds the collaborators shared by every session of a server.
// A server builds one Env and passes it to each new session, so several
// servers can run in the same process.
type Env struct {
	// Domains are the domains served locally.
	// The first domain is used when a peer does not address a domain.
	Domains []string

	Table      *router.Table
	Router     *router.Router
	Components *component.Manager
	Auth       *auth.Authenticator
	TLS        *tlsprovider.Provider
	Offline    offline.Store
	Events     *event.Bus

	// Verifier checks dialback keys from inbound server-to-server streams.
	// Without one, dialback requests are refused.
	Verifier s2s.Verifier

	// DialbackSecret is used to answer dialback verification requests.
	DialbackSecret []byte

	Logger   *logrus.Logger
	Settings Settings
}

// IsLocal reports whether domain is served by this server.
func (e *Env) IsLocal(domain string) bool {
	for _, d := range e.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (e *Env) logger() *logrus.Logger {
	if e.Logger == nil {
		return discard
	}
	return e.Logger
}

func (e *Env) tlsEnabled() bool {
	return e.TLS != nil && e.TLS.Enabled()
}
