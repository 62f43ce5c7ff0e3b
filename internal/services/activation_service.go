// Package services contains the business logic between the HTTP transport
// and the store: the activation protocol, payment-event issuance, and the
// administrative operations.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/store"
	"licensegate/pkg/activation"
)

// ActivationService is the activation protocol entry point.
type ActivationService interface {
	// Activate binds key to machineID if the license is unbound, or
	// re-issues the proof if it is already bound to this machine. Protocol
	// failures are license.ErrUnknownKey, license.ErrRevoked and
	// license.ErrMachineMismatch.
	Activate(ctx context.Context, key, machineID, machineLabel string) (activation.Record, error)
}

type activationService struct {
	store   *store.Store
	signer  *license.Signer
	logger  *slog.Logger
	metrics *infrastructure.LicenseMetrics
	now     func() time.Time
}

// NewActivationService wires the activation protocol over the store and
// signer. metrics may be nil.
func NewActivationService(st *store.Store, signer *license.Signer, logger *slog.Logger, metrics *infrastructure.LicenseMetrics) ActivationService {
	return &activationService{
		store:   st,
		signer:  signer,
		logger:  logger.With(slog.String("service", "activation")),
		metrics: metrics,
		now:     time.Now,
	}
}

// Activate runs the state machine:
//
//	Unbound --activate(M)--> BoundTo(M) --activate(M)--> BoundTo(M)  (idempotent)
//	BoundTo(M) --activate(N)--> MachineMismatch
//	Revoked --activate(*)--> Revoked
//
// The bind itself is a conditional UPDATE in the store; this method never
// decides the winner of a race, it only classifies the authoritative row it
// reads back afterwards. Signing happens last, from persisted fields, so a
// signing failure after a successful bind is safely retryable: the retry
// takes the idempotent path and derives the identical signature.
func (s *activationService) Activate(ctx context.Context, key, machineID, machineLabel string) (activation.Record, error) {
	lic, err := s.store.GetLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.RecordActivation(ctx, "unknown_key")
			return activation.Record{}, license.ErrUnknownKey
		}
		s.metrics.RecordActivation(ctx, "error")
		return activation.Record{}, fmt.Errorf("looking up license: %w", err)
	}

	if lic.Revoked() {
		s.metrics.RecordActivation(ctx, "revoked")
		return activation.Record{}, license.ErrRevoked
	}
	if lic.Bound() && !lic.BoundTo(machineID) {
		s.metrics.RecordActivation(ctx, "machine_mismatch")
		return activation.Record{}, license.ErrMachineMismatch
	}

	freshBind := false
	if !lic.Bound() {
		bound, err := s.store.BindMachine(ctx, key, machineID, machineLabel, s.now())
		if err != nil {
			s.metrics.RecordActivation(ctx, "error")
			return activation.Record{}, fmt.Errorf("binding machine: %w", err)
		}
		freshBind = bound

		// Re-read the authoritative row. If the conditional bind lost a
		// race, the row now shows whoever won; classification below treats
		// that exactly like arriving after the winner.
		lic, err = s.store.GetLicenseByKey(ctx, key)
		if err != nil {
			s.metrics.RecordActivation(ctx, "error")
			return activation.Record{}, fmt.Errorf("re-reading license after bind: %w", err)
		}
		if lic.Revoked() {
			s.metrics.RecordActivation(ctx, "revoked")
			return activation.Record{}, license.ErrRevoked
		}
		if !lic.BoundTo(machineID) {
			s.metrics.RecordActivation(ctx, "machine_mismatch")
			return activation.Record{}, license.ErrMachineMismatch
		}
	}

	if lic.ActivatedAt == nil {
		// Bound row without a timestamp would mean the binding fields were
		// torn apart, which the single-UPDATE bind makes impossible.
		s.metrics.RecordActivation(ctx, "error")
		return activation.Record{}, fmt.Errorf("license %s bound without activation timestamp", lic.ID)
	}

	record, err := s.signer.Record(lic.Key, lic.MachineID, *lic.ActivatedAt)
	if err != nil {
		s.metrics.RecordActivation(ctx, "error")
		return activation.Record{}, fmt.Errorf("signing activation record: %w", err)
	}

	outcome := "reactivated"
	if freshBind {
		outcome = "activated"
	}
	s.metrics.RecordActivation(ctx, outcome)
	s.logger.InfoContext(ctx, "license activation succeeded",
		slog.String("license_id", lic.ID),
		slog.String("outcome", outcome),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)))

	return record, nil
}
