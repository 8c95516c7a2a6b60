// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package auth

import (
	"crypto/rand"
	/* #nosec */
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"hash"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/secure/precis"
	"mellium.im/sasl"

	"mellium.im/xmppd/internal/saslerr"
)

// Default parameters for salting passwords.
const (
	DefaultIterations = 4096
	DefaultCacheSize  = 1024
	saltLen           = 16
)

type cacheKey struct {
	mech string
	user string
}

type salted struct {
	fingerprint [sha256.Size]byte
	salt        []byte
	key         []byte
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// Iterations sets the PBKDF2 iteration count used for SCRAM.
func Iterations(n int) Option {
	return func(a *Authenticator) {
		a.iter = n
	}
}

// CacheSize sets how many salted passwords are kept between logins.
func CacheSize(n int) Option {
	return func(a *Authenticator) {
		a.cacheSize = n
	}
}

// Authenticator creates SASL negotiations backed by a Provider.
//
// Salting a password for SCRAM is deliberately expensive, so the salted form of
// recently used passwords is cached.
// A cached entry is discarded if the provider starts returning a different
// password for the user.
type Authenticator struct {
	p         Provider
	iter      int
	cacheSize int
	cache     *lru.Cache[cacheKey, salted]
}

// New returns an authenticator that checks credentials with p.
func New(p Provider, opts ...Option) *Authenticator {
	a := &Authenticator{
		p:         p,
		iter:      DefaultIterations,
		cacheSize: DefaultCacheSize,
	}
	for _, o := range opts {
		o(a)
	}
	if a.cacheSize <= 0 {
		a.cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, salted](a.cacheSize)
	if err != nil {
		panic(err)
	}
	a.cache = cache
	return a
}

// Mechanisms returns the mechanisms that can be offered, strongest first.
// The SCRAM mechanisms are only offered if the provider can retrieve
// passwords.
func (a *Authenticator) Mechanisms() []sasl.Mechanism {
	if a.p.SupportsPasswordRetrieval() {
		return []sasl.Mechanism{sasl.ScramSha256, sasl.ScramSha1, sasl.Plain}
	}
	return []sasl.Mechanism{sasl.Plain}
}

// Names returns the names of the mechanisms returned by Mechanisms.
func (a *Authenticator) Names() []string {
	mechs := a.Mechanisms()
	names := make([]string, 0, len(mechs))
	for _, m := range mechs {
		names = append(names, m.Name)
	}
	return names
}

// Negotiation is a single server side SASL exchange.
// It is not safe for concurrent use.
type Negotiation struct {
	a    *Authenticator
	n    *sasl.Negotiator
	user string
	done bool
	err  error
}

// Start begins a negotiation using the mechanism with the given name.
// If the connection is secured with TLS its state should be passed in.
func (a *Authenticator) Start(name string, state *tls.ConnectionState) (*Negotiation, error) {
	for _, m := range a.Mechanisms() {
		if m.Name != name {
			continue
		}
		neg := &Negotiation{a: a}
		opts := []sasl.Option{
			sasl.SaltedCredentials(neg.saltedCredentials),
		}
		if state != nil {
			opts = append(opts, sasl.TLSState(*state))
		}
		neg.n = sasl.NewServer(m, neg.permissions, opts...)
		return neg, nil
	}
	return nil, ErrNoMechanism
}

// Step processes a response from the client.
// When more is false and err is nil the client is authenticated and resp, if
// not empty, is sent as additional data with the success element.
// After an error the negotiation cannot be used again.
func (neg *Negotiation) Step(data []byte) (more bool, resp []byte, err error) {
	if neg.done {
		return false, nil, sasl.ErrInvalidState
	}
	more, resp, err = neg.n.Step(data)
	if err != nil {
		neg.done = true
		if neg.err != nil {
			err = fmt.Errorf("auth: provider failed: %v: %w", neg.err, saslerr.Failure{Condition: saslerr.TemporaryAuthFailure})
		}
		return false, resp, err
	}
	if !more {
		neg.done = true
	}
	return more, resp, nil
}

// Username returns the normalized name of the user being authenticated.
// It is only meaningful once Step has reported success.
func (neg *Negotiation) Username() string {
	return neg.user
}

func (neg *Negotiation) permissions(n *sasl.Negotiator) bool {
	username, password, identity := n.Credentials()
	user, err := precis.UsernameCaseMapped.Bytes(username)
	if err != nil {
		return false
	}
	if len(identity) > 0 && string(identity) != string(user) {
		return false
	}
	ok, err := neg.a.p.Authenticate(string(user), string(password))
	if err != nil {
		neg.err = err
		return false
	}
	if ok {
		neg.user = string(user)
	}
	return ok
}

func (neg *Negotiation) saltedCredentials(username, identity []byte, mech string) (salt, saltedPassword []byte, iter int64, err error) {
	user, err := precis.UsernameCaseMapped.Bytes(username)
	if err != nil {
		return nil, nil, 0, sasl.ErrAuthn
	}
	if len(identity) > 0 && string(identity) != string(user) {
		return nil, nil, 0, sasl.ErrAuthn
	}
	pass, err := neg.a.p.Password(string(user))
	switch {
	case errors.Is(err, ErrUnknownUser):
		return nil, nil, 0, sasl.ErrAuthn
	case err != nil:
		neg.err = err
		return nil, nil, 0, err
	}
	s, err := neg.a.salt(mech, string(user), pass)
	if err != nil {
		return nil, nil, 0, err
	}
	neg.user = string(user)
	return s.salt, s.key, int64(neg.a.iter), nil
}

func (a *Authenticator) salt(mech, user, pass string) (salted, error) {
	key := cacheKey{mech: mech, user: user}
	fp := sha256.Sum256([]byte(pass))
	if s, ok := a.cache.Get(key); ok && s.fingerprint == fp {
		return s, nil
	}

	var fn func() hash.Hash
	switch mech {
	case sasl.ScramSha256.Name:
		fn = sha256.New
	case sasl.ScramSha1.Name:
		fn = sha1.New
	default:
		return salted{}, ErrNoMechanism
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return salted{}, err
	}
	s := salted{
		fingerprint: fp,
		salt:        salt,
		key:         sasl.SCRAMSaltPassword(fn, []byte(pass), salt, a.iter),
	}
	a.cache.Add(key, s)
	return s, nil
}
