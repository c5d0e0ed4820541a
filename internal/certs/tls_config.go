package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
)

// Files points at PEM material for a TLS client. Every field is optional,
// but a certificate needs its key.
type Files struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

func (f Files) Empty() bool {
	return f.CertPath == "" && f.KeyPath == "" && f.CAPath == ""
}

// LoadClientTLSConfig builds a client configuration from files. serverName
// overrides the name verified against the server certificate when set.
func LoadClientTLSConfig(files Files, serverName string) (*tls.Config, error) {
	if (files.CertPath == "") != (files.KeyPath == "") {
		return nil, fmt.Errorf("client certificate and key paths must be provided together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if files.CertPath != "" {
		certificate, err := tls.LoadX509KeyPair(files.CertPath, files.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	if files.CAPath != "" {
		data, err := os.ReadFile(files.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("invalid CA bundle")
		}
		tlsConfig.RootCAs = roots
	}
	return tlsConfig, nil
}

// ServerNameFromURL returns the host part of serverURL.
func ServerNameFromURL(serverURL string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("server URL missing hostname")
	}
	return parsed.Hostname(), nil
}
