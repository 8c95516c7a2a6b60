// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package auth checks the credentials presented by clients during SASL
// negotiation.
//
// The server does not own a user database.
// Instead it consults a Provider, which can at least check a username and
// password and may also be able to return the stored password.
// Only providers that can return passwords allow the SCRAM mechanisms to be
// offered, because SCRAM never sends the password over the wire.
package auth // import "mellium.im/xmppd/auth"

import (
	"errors"
	"sync"

	"golang.org/x/text/secure/precis"
)

// Errors returned by providers.
var (
	ErrUnknownUser   = errors.New("auth: unknown user")
	ErrNoRetrieval   = errors.New("auth: provider cannot retrieve passwords")
	ErrNoMechanism   = errors.New("auth: mechanism not supported")
	ErrNotAuthorized = errors.New("auth: not authorized")
)

// Provider checks user credentials.
type Provider interface {
	// Authenticate reports whether password is correct for username.
	Authenticate(username, password string) (bool, error)

	// SupportsPasswordRetrieval reports whether Password can be used.
	SupportsPasswordRetrieval() bool

	// Password returns the password for username.
	// It returns ErrUnknownUser if there is no such user and ErrNoRetrieval if
	// the provider does not store passwords in a retrievable form.
	Password(username string) (string, error)
}

// Static is a Provider backed by a fixed set of users.
// Usernames are compared after applying the same normalization that is
// applied to the localpart of a JID.
type Static struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewStatic returns a provider for the given username to password map.
// Usernames that are not valid localparts are ignored.
func NewStatic(users map[string]string) *Static {
	s := &Static{users: make(map[string]string, len(users))}
	for user, pass := range users {
		/* #nosec */
		_ = s.Set(user, pass)
	}
	return s
}

// Set adds a user or changes their password.
func (s *Static) Set(username, password string) error {
	user, err := precis.UsernameCaseMapped.String(username)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = password
	return nil
}

func (s *Static) lookup(username string) (string, bool) {
	user, err := precis.UsernameCaseMapped.String(username)
	if err != nil {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	pass, ok := s.users[user]
	return pass, ok
}

// Authenticate satisfies the Provider interface.
func (s *Static) Authenticate(username, password string) (bool, error) {
	pass, ok := s.lookup(username)
	if !ok {
		return false, nil
	}
	return pass == password, nil
}

// SupportsPasswordRetrieval always returns true.
func (*Static) SupportsPasswordRetrieval() bool {
	return true
}

// Password satisfies the Provider interface.
func (s *Static) Password(username string) (string, error) {
	pass, ok := s.lookup(username)
	if !ok {
		return "", ErrUnknownUser
	}
	return pass, nil
}
