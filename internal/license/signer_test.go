package license

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/pkg/activation"
)

func testPrivateKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemData, key
}

func TestNewSignerRequiresKeyMaterial(t *testing.T) {
	_, err := NewSigner(nil)
	assert.ErrorIs(t, err, ErrNoSigningKey)

	_, err = NewSigner([]byte("not pem at all"))
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestNewSignerParsesPKCS1(t *testing.T) {
	pemData, _ := testPrivateKeyPEM(t)
	s, err := NewSigner(pemData)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNewSignerParsesPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	s, err := NewSigner(pemData)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestSignVerifiesAgainstEmbeddedPublicKey(t *testing.T) {
	pemData, _ := testPrivateKeyPEM(t)
	s, err := NewSigner(pemData)
	require.NoError(t, err)

	// The exact flow a distributed client follows: embed the public key,
	// store the record, verify offline.
	pubPEM, err := s.PublicKeyPEM()
	require.NoError(t, err)
	pub, err := activation.ParsePublicKey(pubPEM)
	require.NoError(t, err)

	activatedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rec, err := s.Record("AB12C-3D4E5-F6G78-9H0IJ", "machine-001", activatedAt)
	require.NoError(t, err)

	assert.Equal(t, "AB12C-3D4E5-F6G78-9H0IJ", rec.LicenseKey)
	assert.Equal(t, "machine-001", rec.MachineID)
	assert.Equal(t, "2024-03-01T10:00:00.000Z", rec.ActivatedAt)
	assert.NoError(t, activation.Verify(pub, rec))
}

func TestSignDeterministicPerTuple(t *testing.T) {
	pemData, key := testPrivateKeyPEM(t)
	s, err := NewSigner(pemData)
	require.NoError(t, err)

	activatedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sig1, err := s.Sign("KEY11-KEY22-KEY33-KEY44", "m1", activatedAt)
	require.NoError(t, err)
	sig2, err := s.Sign("KEY11-KEY22-KEY33-KEY44", "m1", activatedAt)
	require.NoError(t, err)

	// PKCS#1 v1.5 signatures are deterministic: re-signing the same tuple
	// yields the same bytes, so a re-activation hands back an identical proof.
	assert.Equal(t, sig1, sig2)

	rec := activation.Record{
		LicenseKey:  "KEY11-KEY22-KEY33-KEY44",
		MachineID:   "m1",
		ActivatedAt: activation.FormatTimestamp(activatedAt),
		Signature:   sig1,
	}
	assert.NoError(t, activation.Verify(&key.PublicKey, rec))
}

func TestSignWithoutKeyFails(t *testing.T) {
	var s *Signer
	_, err := s.Sign("K", "m", time.Now())
	assert.ErrorIs(t, err, ErrNoSigningKey)

	empty := NewSignerFromKey(nil)
	_, err = empty.Sign("K", "m", time.Now())
	assert.ErrorIs(t, err, ErrNoSigningKey)
}
