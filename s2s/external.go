// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package s2s

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"mellium.im/sasl"

	xmppx509 "mellium.im/xmppd/x509"
)

// ErrNoCertificate is returned when a peer attempts certificate based
// authentication without presenting a certificate.
var ErrNoCertificate = errors.New("s2s: peer did not present a certificate")

// TLSAuth returns a SASL mechanism that authenticates the connection using the
// TLS client certificate.
// This is an implementation of SASL EXTERNAL specifically tailored to XMPP.
//
// As a client it sends the identity from the negotiator's credentials as the
// authorization identity.
// As a server it passes the authorization identity sent by the peer to the
// negotiator's permissions function as the identity, which should use the
// negotiator's TLS state to check the certificate (see ExternalPermissions).
func TLSAuth() sasl.Mechanism {
	return sasl.Mechanism{
		Name: "EXTERNAL",
		Start: func(m *sasl.Negotiator) (bool, []byte, interface{}, error) {
			_, _, identity := m.Credentials()
			return false, identity, nil, nil
		},
		Next: func(m *sasl.Negotiator, challenge []byte, _ interface{}) (bool, []byte, interface{}, error) {
			// If we're a client, or we're a server that's past the AuthTextSent step,
			// we should never actually hit this step.
			if m.State()&sasl.Receiving == 0 || m.State()&sasl.StepMask != sasl.AuthTextSent {
				return false, nil, nil, sasl.ErrTooManySteps
			}
			if m.Permissions(sasl.Credentials(func() ([]byte, []byte, []byte) {
				return nil, nil, challenge
			})) {
				return false, nil, nil, nil
			}
			return false, nil, nil, sasl.ErrAuthn
		},
	}
}

// ExternalPermissions returns a permissions function for use with TLSAuth on
// the receiving side of a server-to-server stream.
// It permits the peer if the authorization identity is empty or equal to
// domain, and the certificate it presented is valid for domain.
func ExternalPermissions(roots func() *x509.CertPool, domain string) func(*sasl.Negotiator) bool {
	return func(n *sasl.Negotiator) bool {
		_, _, identity := n.Credentials()
		if len(identity) > 0 && string(identity) != domain {
			return false
		}
		var pool *x509.CertPool
		if roots != nil {
			pool = roots()
		}
		return VerifyPeer(n.TLSState(), pool, domain) == nil
	}
}

// VerifyPeer checks that the certificate presented by the peer chains to roots
// and was issued to domain.
// If roots is nil the system roots are used.
func VerifyPeer(state *tls.ConnectionState, roots *x509.CertPool, domain string) error {
	if state == nil || len(state.PeerCertificates) == 0 {
		return ErrNoCertificate
	}
	leaf := state.PeerCertificates[0]
	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("s2s: verifying peer certificate: %w", err)
	}
	cert, err := xmppx509.FromCertificate(leaf)
	if err != nil {
		return err
	}
	return cert.VerifyDomain(domain)
}
