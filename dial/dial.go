// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package dial connects to remote XMPP servers.
package dial // import "mellium.im/xmppd/dial"

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"mellium.im/xmppd/internal/discover"
)

// ErrNoService is returned when a domain advertises that it does not accept
// server-to-server connections.
var ErrNoService = errors.New("dial: no xmpp-server service at domain")

// A Dialer connects to the server responsible for a domain.
//
// Servers advertising direct TLS (XEP-0368) are tried first, then the
// xmpp-server SRV records, and finally port 5269 on the domain itself if the
// SRV lookup fails.
// After a connection is established the Dial method does not attempt to
// negotiate a stream.
//
// The zero value for each field is equivalent to dialing without that option.
type Dialer struct {
	net.Dialer

	// NoLookup skips SRV lookups and connects to the domain on port 5269.
	NoLookup bool

	// NoTLS disables direct TLS connections.
	NoTLS bool

	// The configuration to use when dialing with direct TLS.
	// The default value is a tls.Config with the expected host set to the
	// domain being dialed.
	TLSConfig *tls.Config
}

// Dial discovers and connects to the server for domain.
// If the context expires before the connection is complete, an error is
// returned. Once successfully connected, any expiration of the context will
// not affect the connection.
func (d *Dialer) Dial(ctx context.Context, domain string) (net.Conn, error) {
	if d.NoLookup {
		return d.DialContext(ctx, "tcp", net.JoinHostPort(domain, "5269"))
	}

	var tlsAddrs []*net.SRV
	if !d.NoTLS {
		addrs, fallback, err := discover.LookupService(ctx, d.Resolver, "xmpps-server", domain)
		if err == nil && !fallback {
			tlsAddrs = addrs
		}
	}
	addrs, _, err := discover.LookupService(ctx, d.Resolver, "xmpp-server", domain)
	switch {
	case err != nil:
		addrs = discover.FallbackRecords("xmpp-server", domain)
	case len(addrs) == 0 && len(tlsAddrs) == 0:
		return nil, ErrNoService
	}

	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{
			ServerName: domain,
			MinVersion: tls.VersionTLS12,
		}
	}
	cfg = cfg.Clone()
	cfg.NextProtos = []string{"xmpp-server"}

	// Try dialing all of the SRV records we know about, breaking as soon as the
	// connection is established.
	var lastErr error
	for _, addr := range tlsAddrs {
		tlsDialer := &tls.Dialer{
			NetDialer: &d.Dialer,
			Config:    cfg,
		}
		c, err := tlsDialer.DialContext(ctx, "tcp", hostPort(addr))
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	for _, addr := range addrs {
		c, err := d.DialContext(ctx, "tcp", hostPort(addr))
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial: could not connect to %s: %w", domain, lastErr)
}

func hostPort(addr *net.SRV) string {
	return net.JoinHostPort(addr.Target, strconv.FormatUint(uint64(addr.Port), 10))
}
