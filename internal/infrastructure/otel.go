package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"

	"licensegate/internal/config"
)

// Telemetry bundles the OpenTelemetry providers and the domain metric
// instruments. When telemetry is disabled the instruments are no-ops, so
// callers never branch on it.
type Telemetry struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Metrics        *LicenseMetrics
}

// LicenseMetrics are the domain counters published on /metrics.
type LicenseMetrics struct {
	ActivationAttempts metric.Int64Counter
	LicensesIssued     metric.Int64Counter
	AdminActions       metric.Int64Counter
}

// RecordActivation counts one activation attempt with its outcome
// (activated, reactivated, unknown_key, revoked, machine_mismatch, error).
func (m *LicenseMetrics) RecordActivation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordIssued counts one license issuance.
func (m *LicenseMetrics) RecordIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.LicensesIssued.Add(ctx, 1)
}

// RecordAdminAction counts one administrative operation by kind.
func (m *LicenseMetrics) RecordAdminAction(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.AdminActions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// InitTelemetry configures the otel meter provider with a Prometheus
// exporter and creates the domain instruments.
func InitTelemetry(cfg config.TelemetryConfig, logger *slog.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		meter := noop.NewMeterProvider().Meter(cfg.ServiceName)
		metrics, err := newLicenseMetrics(meter)
		if err != nil {
			return nil, err
		}
		return &Telemetry{Meter: meter, Metrics: metrics}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("infrastructure: creating prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("infrastructure: building otel resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(cfg.ServiceName)
	metrics, err := newLicenseMetrics(meter)
	if err != nil {
		return nil, err
	}

	logger.Info("telemetry initialized",
		slog.String("service", cfg.ServiceName),
		slog.String("exporter", "prometheus"))

	return &Telemetry{
		MeterProvider:  provider,
		Meter:          meter,
		PrometheusHTTP: promhttp.Handler(),
		Metrics:        metrics,
	}, nil
}

func newLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	attempts, err := meter.Int64Counter("license_activation_attempts_total",
		metric.WithDescription("License activation attempts by outcome"))
	if err != nil {
		return nil, err
	}
	issued, err := meter.Int64Counter("licenses_issued_total",
		metric.WithDescription("Licenses issued from payment events"))
	if err != nil {
		return nil, err
	}
	admin, err := meter.Int64Counter("license_admin_actions_total",
		metric.WithDescription("Administrative license operations by action"))
	if err != nil {
		return nil, err
	}
	return &LicenseMetrics{
		ActivationAttempts: attempts,
		LicensesIssued:     issued,
		AdminActions:       admin,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.MeterProvider == nil {
		return nil
	}
	return t.MeterProvider.Shutdown(ctx)
}
