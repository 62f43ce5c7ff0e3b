// Package store is the durable single source of truth for licenses, owners
// and purchases, backed by SQLite. The one operation that matters for
// correctness is BindMachine: a single conditional UPDATE that serializes
// concurrent activation attempts per license key without any in-process
// locking, so multiple server instances stay safe against each other.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"licensegate/internal/license"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS owners (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS licenses (
	id            TEXT PRIMARY KEY,
	license_key   TEXT NOT NULL UNIQUE,
	owner_id      TEXT NOT NULL REFERENCES owners(id),
	status        TEXT NOT NULL DEFAULT 'active',
	machine_id    TEXT,
	machine_label TEXT,
	activated_at  TIMESTAMP,
	issued_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_licenses_owner ON licenses(owner_id);

CREATE TABLE IF NOT EXISTS purchases (
	id          TEXT PRIMARY KEY,
	payment_ref TEXT NOT NULL UNIQUE,
	license_id  TEXT NOT NULL REFERENCES licenses(id),
	owner_id    TEXT NOT NULL REFERENCES owners(id),
	amount      INTEGER NOT NULL DEFAULT 0,
	currency    TEXT NOT NULL DEFAULT 'usd',
	created_at  TIMESTAMP NOT NULL
);
`

// Store wraps the database handle. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// memSeq names each in-memory database; a bare "file::memory:?cache=shared"
// would be one process-wide database shared by every open Store.
var memSeq atomic.Int64

// Open opens (and if necessary creates) the database at dsn and applies the
// schema. Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	memory := dsn == ":memory:"
	if memory {
		// Shared cache keeps every pooled connection on the same in-memory
		// database; without it each connection would see an empty schema.
		// The unique name keeps separate Opens separate.
		dsn = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", memSeq.Add(1))
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dsn)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if memory {
		// A single connection sidesteps shared-cache table locks under
		// concurrent test load; the conditional UPDATE still decides races.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const licenseColumns = `id, license_key, owner_id, status,
	COALESCE(machine_id, ''), COALESCE(machine_label, ''), activated_at, issued_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var l license.License
	var activatedAt sql.NullTime
	err := row.Scan(&l.ID, &l.Key, &l.OwnerID, &l.Status,
		&l.MachineID, &l.MachineLabel, &activatedAt, &l.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if activatedAt.Valid {
		t := activatedAt.Time.UTC()
		l.ActivatedAt = &t
	}
	l.IssuedAt = l.IssuedAt.UTC()
	return &l, nil
}

// CreateLicense inserts a freshly issued license. A UNIQUE violation on
// license_key surfaces as ErrDuplicateKey so issuance can regenerate.
func (s *Store) CreateLicense(ctx context.Context, l *license.License) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (id, license_key, owner_id, status, issued_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.Key, l.OwnerID, l.Status, l.IssuedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// ErrDuplicateKey reports a license_key collision on insert.
var ErrDuplicateKey = errors.New("store: license key already exists")

// GetLicenseByKey fetches a license by its key (indexed, point lookup).
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*license.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

// GetLicense fetches a license by id.
func (s *Store) GetLicense(ctx context.Context, id string) (*license.License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return scanLicense(row)
}

// ListFilter narrows ListLicenses. Zero values mean "no constraint".
type ListFilter struct {
	Status     license.Status
	OwnerEmail string
}

// ListLicenses returns licenses matching the filter, newest first.
func (s *Store) ListLicenses(ctx context.Context, f ListFilter) ([]*license.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses`
	var (
		where []string
		args  []any
	)
	if f.OwnerEmail != "" {
		where = append(where, "owner_id IN (SELECT id FROM owners WHERE email = ?)")
		args = append(args, f.OwnerEmail)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY issued_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*license.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// BindMachine is the linearization point of the whole activation protocol:
// a single conditional UPDATE that binds the license to machineID only if it
// is still active and unbound. Exactly one of any set of concurrent callers
// can match the WHERE clause; everyone else observes the winner's binding on
// the authoritative re-read. It returns whether this call performed the bind.
//
// A read-then-write here, instead of the conditional UPDATE, would
// reintroduce the double-activation race this subsystem exists to prevent.
func (s *Store) BindMachine(ctx context.Context, key, machineID, machineLabel string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses
		 SET machine_id = ?, machine_label = ?, activated_at = ?
		 WHERE license_key = ? AND status = ? AND machine_id IS NULL`,
		machineID, nullable(machineLabel), now.UTC(), key, license.StatusActive)
	if err != nil {
		return false, fmt.Errorf("store: binding machine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Revoke terminally invalidates a license. Unconditional, but still a single
// atomic UPDATE so it cannot tear a concurrently in-flight bind.
func (s *Store) Revoke(ctx context.Context, id string) error {
	return s.updateOne(ctx,
		`UPDATE licenses SET status = ? WHERE id = ?`, license.StatusRevoked, id)
}

// ClearMachine removes the machine binding, returning the license to the
// unbound state for a legitimate machine transfer. ActivatedAt is cleared
// with it: the next activation starts a new binding epoch with a new
// timestamp (and therefore a new signature).
func (s *Store) ClearMachine(ctx context.Context, id string) error {
	return s.updateOne(ctx,
		`UPDATE licenses SET machine_id = NULL, machine_label = NULL, activated_at = NULL WHERE id = ?`, id)
}

func (s *Store) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeLicense deletes a license and its dependent purchase record, purchase
// first (referential cleanup order).
func (s *Store) PurgeLicense(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM purchases WHERE license_id = ?`, id); err != nil {
		return fmt.Errorf("store: deleting purchase: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// FindOwnerByEmail looks an owner up by email.
func (s *Store) FindOwnerByEmail(ctx context.Context, email string) (*license.Owner, error) {
	var o license.Owner
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM owners WHERE email = ?`, email).
		Scan(&o.ID, &o.Email, &o.PasswordHash, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}

// CreateOwner inserts a new owner identity.
func (s *Store) CreateOwner(ctx context.Context, o *license.Owner) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		o.ID, o.Email, o.PasswordHash, o.CreatedAt)
	return err
}

// GetPurchaseByPaymentRef is the idempotence probe for issuance: a hit means
// this payment event was already processed.
func (s *Store) GetPurchaseByPaymentRef(ctx context.Context, paymentRef string) (*license.Purchase, error) {
	var p license.Purchase
	err := s.db.QueryRowContext(ctx,
		`SELECT id, payment_ref, license_id, owner_id, amount, currency, created_at
		 FROM purchases WHERE payment_ref = ?`, paymentRef).
		Scan(&p.ID, &p.PaymentRef, &p.LicenseID, &p.OwnerID, &p.Amount, &p.Currency, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// ErrDuplicatePayment reports that a purchase with the same payment
// reference already exists (concurrent duplicate delivery).
var ErrDuplicatePayment = errors.New("store: payment reference already recorded")

// CreateLicenseWithPurchase inserts the license and its purchase record in
// one transaction, so a half-processed payment event can never leave a
// license without its purchase (or vice versa) after a retry.
func (s *Store) CreateLicenseWithPurchase(ctx context.Context, l *license.License, p *license.Purchase) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO licenses (id, license_key, owner_id, status, issued_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.Key, l.OwnerID, l.Status, l.IssuedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("store: inserting license: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO purchases (id, payment_ref, license_id, owner_id, amount, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.PaymentRef, p.LicenseID, p.OwnerID, p.Amount, p.Currency, p.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("store: inserting purchase: %w", err)
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
