package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// SignaturePath returns the detached signature location for a config file.
func SignaturePath(path string) string {
	return path + ".minisig"
}

// Verifier checks Minisign signatures over configuration files.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier accepts a Minisign public key in file form (comment line plus
// key), as a bare base64 key, or as the path of a .pub file.
func NewVerifier(publicKey string) (*Verifier, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	if !strings.Contains(publicKey, "\n") {
		if data, err := os.ReadFile(publicKey); err == nil {
			publicKey = strings.TrimSpace(string(data))
		}
	}

	var (
		key minisign.PublicKey
		err error
	)
	if strings.Contains(publicKey, "\n") {
		key, err = minisign.DecodePublicKey(publicKey)
	} else {
		key, err = minisign.NewPublicKey(publicKey)
	}
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: key}, nil
}

func (v *Verifier) Verify(data, signature []byte) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	sig, err := minisign.DecodeSignature(strings.TrimSpace(string(signature)))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	ok, err := v.publicKey.Verify(data, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("signature verification failed")
	}
	return nil
}
