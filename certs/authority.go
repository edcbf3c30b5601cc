package certs

import (
	"crypto/ecdsa"
	"crypto/x509"
	"time"
)

// An Authority is a loaded or freshly created cluster CA, able to issue
// peer certificates.
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey

	Organization  string
	ValidDuration time.Duration
}

// NewAuthority creates a new self-signed cluster CA.
func NewAuthority(organization string, valid time.Duration) (*Authority, error) {
	der, key, err := CreateCertificate(Options{
		Organization:  organization,
		CommonName:    "Mailbox Cluster Signing Certificate",
		IsCA:          true,
		ValidDuration: valid,
	})
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &Authority{
		Cert:          cert,
		Key:           key,
		Organization:  organization,
		ValidDuration: valid,
	}, nil
}

// Issue creates a certificate for the named peer, signed by the
// authority. The name is also added as a DNS subject alternative name.
// The results are PEM encoded.
func (a *Authority) Issue(name string, addresses ...string) (certPEM, keyPEM []byte, err error) {
	der, key, err := CreateCertificate(Options{
		Organization:       a.Organization,
		CommonName:         name,
		SignWithCert:       a.Cert,
		SignWithPrivateKey: a.Key,
		ValidDuration:      a.ValidDuration,
		Addresses:          append([]string{name}, addresses...),
	})
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err = EncodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return EncodeCert(der), keyPEM, nil
}

// Pool returns a certificate pool holding only the authority.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

// CertPEM returns the PEM encoding of the authority's certificate.
func (a *Authority) CertPEM() []byte {
	return EncodeCert(a.Cert.Raw)
}
