// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover is used to look up the addresses of XMPP services.
package discover // import "mellium.im/xmppd/internal/discover"

import (
	"context"
	"errors"
	"net"
)

// Errors returned by this package.
var (
	ErrInvalidService = errors.New("discover: service must be one of xmpp[s]-client or xmpp[s]-server")
)

// FallbackRecords returns fake SRV records based on the service that can be
// used if no actual SRV records can be found but we believe that an XMPP
// service exists at the given domain.
func FallbackRecords(service, domain string) []*net.SRV {
	var port uint16
	switch service {
	case "xmpp-client":
		port = 5222
	case "xmpps-client":
		port = 5223
	case "xmpp-server":
		port = 5269
	case "xmpps-server":
		port = 5270
	default:
		return nil
	}
	return []*net.SRV{{Target: domain, Port: port}}
}

// LookupService looks for an XMPP service hosted at domain.
// Service should be one of "xmpp[s]-client" or "xmpp[s]-server".
//
// If the domain has no SRV records for the service, the fallback records are
// returned and fallback is true.
// If the only record has a target of "." the service is decidedly not
// available and no records are returned.
func LookupService(ctx context.Context, resolver *net.Resolver, service, domain string) (addrs []*net.SRV, fallback bool, err error) {
	switch service {
	case "xmpp-client", "xmpp-server", "xmpps-client", "xmpps-server":
	default:
		return nil, false, ErrInvalidService
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, addrs, err = resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return nil, false, err
		}
		return FallbackRecords(service, domain), true, nil
	}

	// RFC 6120 §3.2.1
	if len(addrs) == 1 && addrs[0].Target == "." {
		return nil, false, nil
	}
	return addrs, false, nil
}
