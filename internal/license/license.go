// Package license holds the domain model for the licensing core: the
// License and Purchase entities, the activation state machine's sentinel
// errors, and the key generation and signing primitives.
package license

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a license. There is no pending state:
// a license is usable for activation the moment it is issued. Revocation
// is terminal; nothing in the activation path brings a license back.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Sentinel errors for the activation protocol. These are the only failures
// a well-formed activation request can produce, and they are deliberately
// distinct: the remediation differs for each (find the right key, contact
// support for a transfer, license is gone).
var (
	ErrUnknownKey      = errors.New("license: unknown license key")
	ErrRevoked         = errors.New("license: license has been revoked")
	ErrMachineMismatch = errors.New("license: license is activated on a different machine")
)

// License is a purchased entitlement. Key and IssuedAt are immutable after
// issuance. MachineID, MachineLabel and ActivatedAt form the machine
// binding: set together by the first successful activation, cleared together
// by an administrative clear-machine.
type License struct {
	ID           string
	Key          string
	OwnerID      string
	Status       Status
	MachineID    string
	MachineLabel string
	ActivatedAt  *time.Time
	IssuedAt     time.Time
}

// Bound reports whether the license currently has a machine binding.
func (l *License) Bound() bool {
	return l.MachineID != ""
}

// BoundTo reports whether the license is bound to exactly machineID.
func (l *License) BoundTo(machineID string) bool {
	return l.MachineID != "" && l.MachineID == machineID
}

// Revoked reports whether the license is terminally invalidated.
func (l *License) Revoked() bool {
	return l.Status == StatusRevoked
}

// Owner is the minimal identity that holds licenses. Account management
// beyond this lives outside the licensing core.
type Owner struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Purchase links an external payment reference to the license it produced.
// PaymentRef is unique: it is the idempotence key that makes duplicate
// delivery of the same payment event a no-op.
type Purchase struct {
	ID         string
	PaymentRef string
	LicenseID  string
	OwnerID    string
	Amount     int64
	Currency   string
	CreatedAt  time.Time
}
