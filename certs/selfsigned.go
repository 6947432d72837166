// Package certs generates short-lived self-signed ECDSA P-256
// certificates for the control server's optional local HTTPS listener.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultValidity is used by clipwindowd when CONTROL_TLS is enabled
// without an explicit rotation period: short enough that a leaked cert
// from a prior run is worthless within a day, long enough that the
// process doesn't need its own rotation scheduler.
const DefaultValidity = 24 * time.Hour

// maxValidity is a sanity cap, not a browser requirement: this control
// listener is never reached by a browser tab, so nothing enforces a
// WebTransport-style 14-day ceiling here. It just keeps a misconfigured
// caller from minting a cert that outlives the machine it runs on.
const maxValidity = 30 * 24 * time.Hour

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// Generate creates a new self-signed ECDSA P-256 certificate valid for
// the given duration (zero or negative means DefaultValidity, anything
// past maxValidity is capped), covering localhost and the loopback
// addresses. clipwindowd uses this for CONTROL_TLS=1 instead of
// requiring the operator to provision a real certificate for a control
// surface that never leaves the local machine.
func Generate(validity time.Duration) (*CertInfo, error) {
	if validity <= 0 {
		validity = DefaultValidity
	} else if validity > maxValidity {
		validity = maxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	notBefore := now.Add(-1 * time.Minute) // tolerate clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "clipwindowd"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	fingerprint := sha256.Sum256(certDER)

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}

	return &CertInfo{
		TLSCert:     tlsCert,
		Fingerprint: fingerprint,
		NotAfter:    template.NotAfter,
	}, nil
}
