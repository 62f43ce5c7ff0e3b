package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/store"
)

// PaymentEvent is the normalized "purchase completed" notification from the
// payment provider. PaymentRef is the provider's payment identifier and the
// idempotence key for the whole issuance.
type PaymentEvent struct {
	PaymentRef string
	PayerEmail string
	Amount     int64
	Currency   string
}

// IssuanceService turns completed purchases into licenses.
type IssuanceService interface {
	// Issue processes a payment event: find-or-create the owner, generate a
	// key, persist the license and its purchase record. Reprocessing the
	// same PaymentRef returns the already-issued license unchanged.
	Issue(ctx context.Context, ev PaymentEvent) (*license.License, error)
}

type issuanceService struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *infrastructure.LicenseMetrics
	now     func() time.Time
}

// NewIssuanceService wires issuance over the store. metrics may be nil.
func NewIssuanceService(st *store.Store, logger *slog.Logger, metrics *infrastructure.LicenseMetrics) IssuanceService {
	return &issuanceService{
		store:   st,
		logger:  logger.With(slog.String("service", "issuance")),
		metrics: metrics,
		now:     time.Now,
	}
}

// keyInsertAttempts bounds regeneration on a license_key collision. With
// ~80 bits of key entropy a single collision is already extraordinary.
const keyInsertAttempts = 3

func (s *issuanceService) Issue(ctx context.Context, ev PaymentEvent) (*license.License, error) {
	if ev.PaymentRef == "" {
		return nil, errors.New("issuance: payment reference is required")
	}
	if ev.PayerEmail == "" {
		return nil, errors.New("issuance: payer email is required")
	}

	// Idempotence probe: duplicate delivery of the same payment event is
	// normal webhook behavior, not an error.
	if existing, err := s.store.GetPurchaseByPaymentRef(ctx, ev.PaymentRef); err == nil {
		s.logger.InfoContext(ctx, "payment event already processed",
			slog.String("payment_ref", ev.PaymentRef),
			slog.String("license_id", existing.LicenseID))
		return s.store.GetLicense(ctx, existing.LicenseID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("issuance: probing payment reference: %w", err)
	}

	owner, err := s.findOrCreateOwner(ctx, ev.PayerEmail)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	for attempt := 0; attempt < keyInsertAttempts; attempt++ {
		key, err := license.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("issuance: %w", err)
		}
		lic := &license.License{
			ID:       uuid.New().String(),
			Key:      key,
			OwnerID:  owner.ID,
			Status:   license.StatusActive,
			IssuedAt: now,
		}
		purchase := &license.Purchase{
			ID:         uuid.New().String(),
			PaymentRef: ev.PaymentRef,
			LicenseID:  lic.ID,
			OwnerID:    owner.ID,
			Amount:     ev.Amount,
			Currency:   currencyOrDefault(ev.Currency),
			CreatedAt:  now,
		}

		err = s.store.CreateLicenseWithPurchase(ctx, lic, purchase)
		switch {
		case err == nil:
			s.metrics.RecordIssued(ctx)
			s.logger.InfoContext(ctx, "license issued",
				slog.String("license_id", lic.ID),
				slog.String("owner_id", owner.ID),
				slog.String("payment_ref", ev.PaymentRef),
				slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)))
			return lic, nil
		case errors.Is(err, store.ErrDuplicateKey):
			continue
		case errors.Is(err, store.ErrDuplicatePayment):
			// A concurrent delivery of the same event won the insert.
			existing, probeErr := s.store.GetPurchaseByPaymentRef(ctx, ev.PaymentRef)
			if probeErr != nil {
				return nil, fmt.Errorf("issuance: resolving concurrent duplicate: %w", probeErr)
			}
			return s.store.GetLicense(ctx, existing.LicenseID)
		default:
			return nil, fmt.Errorf("issuance: persisting license: %w", err)
		}
	}
	return nil, errors.New("issuance: could not generate a unique license key")
}

// findOrCreateOwner resolves the payer identity. New owners are created with
// a random bcrypt-hashed password; they set a real one through the account
// recovery flow outside this core.
func (s *issuanceService) findOrCreateOwner(ctx context.Context, email string) (*license.Owner, error) {
	owner, err := s.store.FindOwnerByEmail(ctx, email)
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("issuance: looking up owner: %w", err)
	}

	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("issuance: generating bootstrap password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.StdEncoding.EncodeToString(raw)), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("issuance: hashing bootstrap password: %w", err)
	}

	owner = &license.Owner{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateOwner(ctx, owner); err != nil {
		// Concurrent creation of the same owner: fall back to the lookup.
		if existing, lookupErr := s.store.FindOwnerByEmail(ctx, email); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("issuance: creating owner: %w", err)
	}
	s.logger.InfoContext(ctx, "owner created", slog.String("owner_id", owner.ID))
	return owner, nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return "usd"
	}
	return c
}
