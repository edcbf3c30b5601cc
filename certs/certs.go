/*
Package certs creates the certificate authority and peer certificates the
cluster transport authenticates with.

This is by no means a complete TLS solution. The complete TLS solution is
the TLS library itself, of course. This is just enough to get a cluster
going with no external tooling. If you need to make changes to the
certificates, copy this, or use openssl's command line directly.

This chooses the most secure and expensive options (ECDSA on P-521). In
practice you may not want to be quite this expensively secure.
*/
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// ErrIllegalOptions is returned by CreateCertificate for options that can
// not produce a usable certificate.
var ErrIllegalOptions = errors.New("illegal certificate options")

// Options describe a certificate to create.
//
// A certificate is either a CA (IsCA) or signed by one (SignWithCert and
// SignWithPrivateKey). Peer certificates carry the peer ID as their
// CommonName and among their Addresses, since the cluster verifies
// peers by that name.
type Options struct {
	Organization       string
	CommonName         string
	IsCA               bool
	SignWithCert       *x509.Certificate
	SignWithPrivateKey *ecdsa.PrivateKey
	ValidDuration      time.Duration
	ValidFrom          time.Time

	// Addresses become the subject alternative names: IP addresses as
	// IPs, anything else as DNS names.
	Addresses []string
}

// CreateCertificate takes the given options and returns the DER bytes of a
// certificate using those options, along with its new private key.
func CreateCertificate(opt Options) ([]byte, *ecdsa.PrivateKey, error) {
	if opt.SignWithCert == nil && !opt.IsCA {
		return nil, nil, fmt.Errorf("%w: must either be a CA or be signed", ErrIllegalOptions)
	}
	if opt.SignWithCert != nil && opt.SignWithPrivateKey == nil {
		return nil, nil, fmt.Errorf("%w: signing certificate given without its key", ErrIllegalOptions)
	}
	if opt.CommonName == "" {
		return nil, nil, fmt.Errorf("%w: must specify a common name", ErrIllegalOptions)
	}
	if opt.ValidDuration < time.Hour*24 {
		return nil, nil, fmt.Errorf("%w: absurdly small expiration time", ErrIllegalOptions)
	}
	if opt.ValidFrom.IsZero() {
		opt.ValidFrom = time.Now().Add(-time.Hour * 24)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{opt.Organization},
			CommonName:   opt.CommonName,
		},
		NotBefore:             opt.ValidFrom,
		NotAfter:              opt.ValidFrom.Add(opt.ValidDuration),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}

	for _, h := range opt.Addresses {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	if opt.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
	} else {
		// peers are both servers and clients of each other
		template.ExtKeyUsage = []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		}
	}

	if opt.SignWithCert == nil {
		opt.SignWithCert = template
		opt.SignWithPrivateKey = priv
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader,
		template,
		opt.SignWithCert,
		&priv.PublicKey,
		opt.SignWithPrivateKey,
	)
	if err != nil {
		return nil, nil, err
	}

	return derBytes, priv, nil
}
