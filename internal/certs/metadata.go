package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// CertificateExpiry returns NotAfter of the first certificate in the PEM file
// at certPath. Non-certificate blocks, such as a bundled key, are skipped.
func CertificateExpiry(certPath string) (time.Time, error) {
	if certPath == "" {
		return time.Time{}, fmt.Errorf("certificate path is empty")
	}
	rest, err := os.ReadFile(certPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("read certificate: %w", err)
	}
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return time.Time{}, fmt.Errorf("decode certificate %q: no certificate block found", certPath)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse certificate: %w", err)
		}
		return cert.NotAfter, nil
	}
}
