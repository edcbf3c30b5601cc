package certs

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
)

// ErrNoPEMBlock is returned when PEM input does not hold the expected
// block.
var ErrNoPEMBlock = errors.New("expected PEM block not found")

// EncodeCert returns the PEM encoding of a DER certificate.
func EncodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// EncodeKey returns the PEM encoding of a private key.
func EncodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	b, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// DecodeCert parses the first block of PEM input as a certificate.
func DecodeCert(b []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrNoPEMBlock
	}
	return x509.ParseCertificate(block.Bytes)
}

// DecodeKey parses the first block of PEM input as an EC private key.
func DecodeKey(b []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, ErrNoPEMBlock
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// WriteCert writes a DER certificate to file as PEM.
func WriteCert(der []byte, file string) error {
	return os.WriteFile(file, EncodeCert(der), 0o644)
}

// WriteKey writes a private key to file as PEM, readable only by the
// owner.
func WriteKey(key *ecdsa.PrivateKey, file string) error {
	b, err := EncodeKey(key)
	if err != nil {
		return err
	}
	return os.WriteFile(file, b, 0o600)
}

// ReadCert reads a PEM certificate from file.
func ReadCert(file string) (*x509.Certificate, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return DecodeCert(b)
}

// ReadKey reads a PEM private key from file.
func ReadKey(file string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return DecodeKey(b)
}
