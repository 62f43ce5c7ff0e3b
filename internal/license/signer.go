package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"licensegate/pkg/activation"
)

// ErrNoSigningKey indicates the signer was constructed without private key
// material. This is a deployment error, caught at startup, never a
// per-request condition to recover from.
var ErrNoSigningKey = errors.New("license: signing key not configured")

// Signer produces detached RSA-SHA256 signatures over activation records.
// It is constructed once at startup with injected key material; tests build
// one around a throwaway key. Signing is pure in-memory CPU work and is
// safe for concurrent use.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func NewSigner(pemData []byte) (*Signer, error) {
	if len(pemData) == 0 {
		return nil, ErrNoSigningKey
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrNoSigningKey)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Signer{key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("license: parsing signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("license: unsupported signing key type %T", parsed)
	}
	return &Signer{key: key}, nil
}

// NewSignerFromKey wraps an already-parsed private key. Used by tests.
func NewSignerFromKey(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// PublicKeyPEM returns the paired public key in PKIX PEM form, the shape
// embedded into distributed client builds.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("license: encoding public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Sign produces the base64 signature over the canonical join of
// (key, machineID, activatedAt). The joined string is the wire contract
// shared with the offline verifier in pkg/activation; the two must never
// disagree on a byte.
func (s *Signer) Sign(licenseKey, machineID string, activatedAt time.Time) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrNoSigningKey
	}
	canonical := activation.Canonical(licenseKey, machineID, activation.FormatTimestamp(activatedAt))
	digest := sha256.Sum256(canonical)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("license: signing activation record: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Record assembles the full signed activation record for a bound license.
func (s *Signer) Record(licenseKey, machineID string, activatedAt time.Time) (activation.Record, error) {
	sig, err := s.Sign(licenseKey, machineID, activatedAt)
	if err != nil {
		return activation.Record{}, err
	}
	return activation.Record{
		LicenseKey:  licenseKey,
		MachineID:   machineID,
		ActivatedAt: activation.FormatTimestamp(activatedAt),
		Signature:   sig,
	}, nil
}
