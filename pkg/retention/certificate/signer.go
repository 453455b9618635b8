package certificate

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
)

// Signer signs certificate hashes with tenant-specific ed25519 keys.
// Signing is optional: tenants without a registered key produce unsigned
// certificates, and a signing failure never blocks disposal completion
// (it is flagged as a compliance gap instead).
type Signer struct {
	mu    sync.RWMutex
	keys  map[string]ed25519.PrivateKey // tenant ID -> key
	keyID string
}

// NewSigner creates an empty signer. keyID identifies the key generation
// on issued certificates (e.g. "themis-2026").
func NewSigner(keyID string) *Signer {
	return &Signer{
		keys:  make(map[string]ed25519.PrivateKey),
		keyID: keyID,
	}
}

// RegisterKey associates an ed25519 private key with a tenant.
func (s *Signer) RegisterKey(tenantID string, key ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[tenantID] = key
}

// LoadKey reads a PEM-encoded PKCS#8 ed25519 private key from path and
// registers it for the tenant.
func (s *Signer) LoadKey(tenantID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read signing key for tenant %s: %w", tenantID, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("no PEM block in signing key file %s", path)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse signing key %s: %w", path, err)
	}

	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("signing key %s is not an ed25519 key", path)
	}

	s.RegisterKey(tenantID, key)
	return nil
}

// Sign signs the certificate hash for the tenant. Returns the hex-encoded
// signature and the key ID, or ("", "", nil) when the tenant has no key.
func (s *Signer) Sign(tenantID, certificateHash string) (signature, keyID string, err error) {
	s.mu.RLock()
	key, ok := s.keys[tenantID]
	s.mu.RUnlock()

	if !ok {
		return "", "", nil
	}

	sig := ed25519.Sign(key, []byte(certificateHash))
	return hex.EncodeToString(sig), s.keyID, nil
}

// PublicKey returns the tenant's verification key, if registered.
func (s *Signer) PublicKey(tenantID string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[tenantID]
	if !ok {
		return nil, false
	}
	return key.Public().(ed25519.PublicKey), true
}
