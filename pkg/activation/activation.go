// Package activation defines the wire contract between the license server
// and the installed client: the signed activation record and the offline
// verification routine that checks it against the vendor public key embedded
// in distributed builds.
//
// The canonical byte sequence covered by the signature is part of the
// protocol and must never change: altering it invalidates every proof
// already stored on customer machines.
package activation

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the wire format for activation timestamps: RFC 3339 UTC
// with millisecond precision. Both signer and verifier format through it so
// the canonical string is byte-identical on each side.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	// ErrBadSignature is returned when the stored signature does not match
	// the record. The client treats this as "not licensed".
	ErrBadSignature = errors.New("activation: signature mismatch")

	// ErrMalformedRecord is returned when a stored record is structurally
	// unusable (missing fields, undecodable signature).
	ErrMalformedRecord = errors.New("activation: malformed record")
)

// Record is the signed activation proof handed to the client on successful
// activation. The client persists it verbatim and re-verifies it on every
// start, fully offline. ActivatedAt stays a string on this side of the wire
// so verification operates on the exact bytes that were signed.
type Record struct {
	LicenseKey  string `json:"license_key"`
	MachineID   string `json:"machine_id"`
	ActivatedAt string `json:"activated_at"`
	Signature   string `json:"signature"`
}

// FormatTimestamp renders t in the canonical wire format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Canonical returns the exact byte sequence covered by the signature:
// the three fields joined with '|' in fixed order.
func Canonical(licenseKey, machineID, activatedAt string) []byte {
	return []byte(licenseKey + "|" + machineID + "|" + activatedAt)
}

// ParsePublicKey decodes a PEM-encoded RSA public key (PKIX or PKCS#1).
func ParsePublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("activation: no PEM block in public key data")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("activation: unsupported public key type %T", pub)
		}
		return rsaPub, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// Verify checks rec against pub. It returns nil only when the signature was
// produced over exactly this record's canonical string by the paired private
// key. Any mismatch, including a re-encoded or truncated timestamp, fails.
func Verify(pub *rsa.PublicKey, rec Record) error {
	if rec.LicenseKey == "" || rec.MachineID == "" || rec.ActivatedAt == "" {
		return ErrMalformedRecord
	}
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	digest := sha256.Sum256(Canonical(rec.LicenseKey, rec.MachineID, rec.ActivatedAt))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}
