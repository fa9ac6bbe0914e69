// Package keys manages the account key pair: generation, PEM persistence
// and reload between client runs.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	rsaKeyBits     = 2048
	pemBlockType   = "PRIVATE KEY"
	accountKeyFile = "account.key"
)

// KeyType selects the account key family.
type KeyType string

const (
	RSA KeyType = "rsa"
	EC  KeyType = "ec"
)

// Generate creates a fresh account key of the given type: 2048-bit RSA or
// P-256 ECDSA.
func Generate(kt KeyType) (crypto.Signer, error) {
	switch kt {
	case RSA, "":
		key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("generate RSA key: %w", err)
		}
		return key, nil
	case EC:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ECDSA key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unknown key type %q", kt)
	}
}

// Save writes key to path as a PKCS#8 PEM file, readable by owner only.
func Save(path string, key crypto.Signer) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode account key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return fmt.Errorf("write account key: %w", err)
	}
	return nil
}

// Load reads a PKCS#8 PEM account key from path.
func Load(path string) (crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read account key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %q", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse account key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key in %q is not a signer", path)
	}
	return signer, nil
}

// LoadOrCreate loads the account key in dir, generating and persisting a new
// one on first run.
func LoadOrCreate(dir string, kt KeyType) (crypto.Signer, error) {
	path := filepath.Join(dir, accountKeyFile)
	if key, err := Load(path); err == nil {
		return key, nil
	}
	key, err := Generate(kt)
	if err != nil {
		return nil, err
	}
	if err := Save(path, key); err != nil {
		return nil, err
	}
	return key, nil
}
