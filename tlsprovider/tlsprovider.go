// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package tlsprovider supplies the TLS configuration used to secure streams.
//
// A Provider loads a certificate and key from disk, along with an optional set
// of roots used to validate the certificates presented by remote servers.
// If the files are missing or cannot be parsed the provider is disabled rather
// than failing: streams are then offered without STARTTLS.
package tlsprovider // import "mellium.im/xmppd/tlsprovider"

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDisabled is returned when a configuration is requested from a provider
// that has no usable certificate.
var ErrDisabled = errors.New("tlsprovider: TLS is disabled")

// DefaultCipherSuites returns the cipher suites offered for TLS 1.2
// connections.
// TLS 1.3 suites are not configurable and are always enabled.
func DefaultCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// Option configures a Provider.
type Option func(*Provider)

// Roots sets a PEM file of certificates used to validate remote servers.
// Without one the system roots are used.
func Roots(file string) Option {
	return func(p *Provider) {
		p.rootsFile = file
	}
}

// Logger sets the logger used to report loading failures.
func Logger(l *logrus.Logger) Option {
	return func(p *Provider) {
		p.log = l
	}
}

// Provider holds the server certificate and trusted roots.
// It is safe for concurrent use.
type Provider struct {
	certFile  string
	keyFile   string
	rootsFile string
	log       *logrus.Logger

	mu    sync.RWMutex
	cert  *tls.Certificate
	roots *x509.CertPool
	subs  []func()
}

// New returns a provider that loads the certificate and key from the given
// PEM files.
// Load errors are logged and leave the provider disabled.
func New(certFile, keyFile string, opts ...Option) *Provider {
	p := &Provider{
		certFile: certFile,
		keyFile:  keyFile,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logrus.New()
		p.log.SetOutput(io.Discard)
	}
	if err := p.Reload(); err != nil {
		p.log.WithError(err).Warn("TLS disabled")
	}
	return p
}

// Static returns a provider that always uses cert.
// If roots is nil the system roots are used.
func Static(cert tls.Certificate, roots *x509.CertPool) *Provider {
	p := &Provider{cert: &cert, roots: roots}
	p.log = logrus.New()
	p.log.SetOutput(io.Discard)
	return p
}

// Reload reads the certificate, key, and roots from disk again.
// On success the new certificate is used for every later negotiation and the
// subscribers are notified.
// On failure the provider is disabled.
func (p *Provider) Reload() error {
	if p.certFile == "" || p.keyFile == "" {
		p.set(nil, nil)
		return ErrDisabled
	}
	cert, err := tls.LoadX509KeyPair(p.certFile, p.keyFile)
	if err != nil {
		p.set(nil, nil)
		return fmt.Errorf("tlsprovider: loading key pair: %w", err)
	}
	var roots *x509.CertPool
	if p.rootsFile != "" {
		pemData, err := os.ReadFile(p.rootsFile)
		if err != nil {
			p.set(nil, nil)
			return fmt.Errorf("tlsprovider: reading roots: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pemData) {
			p.set(nil, nil)
			return fmt.Errorf("tlsprovider: no certificates found in %s", p.rootsFile)
		}
	}
	p.set(&cert, roots)
	return nil
}

func (p *Provider) set(cert *tls.Certificate, roots *x509.CertPool) {
	p.mu.Lock()
	p.cert = cert
	p.roots = roots
	subs := make([]func(), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, f := range subs {
		f()
	}
}

// Enabled reports whether a certificate is loaded.
func (p *Provider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cert != nil
}

// Subscribe registers f to be called whenever the certificate changes.
func (p *Provider) Subscribe(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, f)
}

// RootCAs returns the pool used to validate remote certificates, or nil to use
// the system roots.
func (p *Provider) RootCAs() *x509.CertPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roots
}

// ServerConfig returns a configuration for the server side of STARTTLS.
// Peers are asked for a certificate but are not required to present one; it
// is checked later if the peer uses SASL EXTERNAL.
// A new configuration is returned on each call, so it should be fetched for
// every negotiation.
func (p *Provider) ServerConfig() (*tls.Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, ErrDisabled
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*p.cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: DefaultCipherSuites(),
		ClientAuth:   tls.RequestClientCert,
	}, nil
}

// ClientConfig returns a configuration for connecting to the server at domain.
// The local certificate, if any, is presented so that the remote server can
// authenticate this server with SASL EXTERNAL.
func (p *Provider) ClientConfig(domain string) *tls.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg := &tls.Config{
		ServerName:   domain,
		RootCAs:      p.roots,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: DefaultCipherSuites(),
	}
	if p.cert != nil {
		cfg.Certificates = []tls.Certificate{*p.cert}
	}
	return cfg
}
