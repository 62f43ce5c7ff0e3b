package services

import (
	"context"
	"fmt"
	"log/slog"

	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	"licensegate/internal/store"
)

// AdminService exposes the privileged license operations. These bypass the
// activation protocol entirely: revoke and clear-machine are unconditional
// writes, applied through the same atomic store primitives so they cannot
// corrupt a concurrently in-flight bind. Lookup failures surface as
// store.ErrNotFound.
type AdminService interface {
	Revoke(ctx context.Context, id string) (*license.License, error)
	ClearMachine(ctx context.Context, id string) (*license.License, error)
	Get(ctx context.Context, id string) (*license.License, error)
	List(ctx context.Context, filter store.ListFilter) ([]*license.License, error)
	Purge(ctx context.Context, id string) error
}

type adminService struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *infrastructure.LicenseMetrics
}

// NewAdminService wires the administrative operations. metrics may be nil.
func NewAdminService(st *store.Store, logger *slog.Logger, metrics *infrastructure.LicenseMetrics) AdminService {
	return &adminService{
		store:   st,
		logger:  logger.With(slog.String("service", "admin")),
		metrics: metrics,
	}
}

// Revoke terminally invalidates the license. There is no un-revoke; the
// only way back is purging and issuing a fresh license.
func (s *adminService) Revoke(ctx context.Context, id string) (*license.License, error) {
	if err := s.store.Revoke(ctx, id); err != nil {
		return nil, err
	}
	s.metrics.RecordAdminAction(ctx, "revoke")
	s.logger.InfoContext(ctx, "license revoked",
		slog.String("license_id", id),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)))
	return s.store.GetLicense(ctx, id)
}

// ClearMachine removes the machine binding for a legitimate transfer. The
// next activation, by whichever machine, starts a new binding epoch.
func (s *adminService) ClearMachine(ctx context.Context, id string) (*license.License, error) {
	if err := s.store.ClearMachine(ctx, id); err != nil {
		return nil, err
	}
	s.metrics.RecordAdminAction(ctx, "clear_machine")
	s.logger.InfoContext(ctx, "license machine binding cleared",
		slog.String("license_id", id),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)))
	return s.store.GetLicense(ctx, id)
}

func (s *adminService) Get(ctx context.Context, id string) (*license.License, error) {
	return s.store.GetLicense(ctx, id)
}

func (s *adminService) List(ctx context.Context, filter store.ListFilter) ([]*license.License, error) {
	return s.store.ListLicenses(ctx, filter)
}

// Purge deletes a license and its purchase record, purchase first. Meant
// for data cleanup (test purchases, GDPR erasure), not day-to-day support.
func (s *adminService) Purge(ctx context.Context, id string) error {
	if err := s.store.PurgeLicense(ctx, id); err != nil {
		return fmt.Errorf("purging license: %w", err)
	}
	s.metrics.RecordAdminAction(ctx, "purge")
	s.logger.InfoContext(ctx, "license purged",
		slog.String("license_id", id),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)))
	return nil
}
