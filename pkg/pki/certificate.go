package pki

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// ParseCertificate parses a single PEM encoded X.509 certificate.
func ParseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("pem block was not found")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected pem block type: %s", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

// LoadCertificate reads a PEM encoded X.509 certificate from a file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to read file: %s, err: %v", path, err)
	}
	return ParseCertificate(pemBytes)
}

// EncodeCertificatePEM renders a certificate as a PEM block.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}
