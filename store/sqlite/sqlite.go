/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists the commission ledger and serves the subscription read model
  from one SQLite file. The PostgreSQL store in store/postgres follows the
  same table layout.

INTERFACES IMPLEMENTED:
  ledger.Store:            Entries and payouts
  ledger.Directory:        Professional directory
  subscriptions.ReadModel: Subscriptions and appointments

GUARDED WRITES:
  Every UPDATE of an entry carries its precondition in the WHERE clause.
  Zero affected rows means either the row is missing (ErrEntryNotFound) or
  it is in a different state (ErrPreconditionFailed):

    UPDATE entries SET status = 'PAID', settlement_ref = ?
    WHERE id = ? AND status = 'PENDING' AND settlement_ref IS NULL
      AND commission_rate = ?

  There is no multi-statement transaction anywhere in this store.

KEY TABLES:
  entries:        Commission ledger rows (amounts and rates as decimal TEXT)
  payouts:        Settlement batches
  professionals:  Directory records
  subscriptions:  Read model, owned by provisioning
  appointments:   Read model, owned by booking

DECIMALS:
  Amounts and rates are stored as decimal.String(), which is canonical
  (no trailing zeros), so the rate guard can compare TEXT for equality.

TIMES:
  Stored in UTC with a fixed nine-digit fraction so lexical order is
  chronological down to the nanosecond.

USAGE:
  store, err := sqlite.New("./data/commission.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewTransactionLedger(store, store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/subscriptions"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: each :memory: connection would otherwise get its own
	// empty database, and SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS professionals (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		default_commission_rate TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		professional_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		gross_amount TEXT NOT NULL,
		commission_rate TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		settlement_ref TEXT,
		occurred_at TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		counterparty_label TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		CHECK ((status = 'PENDING' AND settlement_ref IS NULL) OR
		       (status = 'PAID' AND settlement_ref IS NOT NULL))
	);

	-- Pending balance (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_professional_status
		ON entries(professional_id, status, occurred_at);

	-- Payout membership
	CREATE INDEX IF NOT EXISTS idx_entries_settlement_ref
		ON entries(settlement_ref) WHERE settlement_ref IS NOT NULL;

	CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		professional_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		funding_source TEXT NOT NULL,
		entry_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payouts_professional
		ON payouts(professional_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		plan_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		last_payment_status TEXT,
		next_renewal_at TEXT,
		created_at TEXT NOT NULL,
		canceled_at TEXT
	);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		subscription_id TEXT,
		occurred_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_occurred_at
		ON appointments(occurred_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTRY STORE (ledger.Store interface)
// =============================================================================

const entryColumns = `id, professional_id, kind, gross_amount, commission_rate, status,
	settlement_ref, occurred_at, label, counterparty_label, created_at`

func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ref sql.NullString
	if e.SettlementRef != nil {
		ref = nullString(string(*e.SettlementRef))
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProfessionalID, e.Kind,
		e.GrossAmount.String(), e.CommissionRate.String(),
		e.Status, ref,
		formatTime(e.OccurredAt), e.Label, e.CounterpartyLabel, formatTime(e.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateID
	}
	if err != nil {
		return unavailable("insert entry", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	if err != nil {
		return ledger.Entry{}, unavailable("get entry", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Entry{}, unavailable("get entry", err)
		}
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return scanEntry(rows)
}

func (s *Store) ListEntries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.ProfessionalID != "" {
		where = append(where, "professional_id = ?")
		args = append(args, f.ProfessionalID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.SettlementRef != "" {
		where = append(where, "settlement_ref = ?")
		args = append(args, f.SettlementRef)
	}

	query := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list entries", err)
	}
	return entries, nil
}

func (s *Store) UpdateRate(ctx context.Context, id ledger.EntryID, rate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET commission_rate = ? WHERE id = ? AND status = 'PENDING'`,
		rate.String(), id,
	)
	return s.guarded(ctx, "update rate", id, res, err)
}

func (s *Store) ClaimEntry(ctx context.Context, id ledger.EntryID, ref ledger.PayoutID, expectedRate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE entries SET status = 'PAID', settlement_ref = ?
		WHERE id = ? AND status = 'PENDING' AND settlement_ref IS NULL
		  AND commission_rate = ?`,
		ref, id, expectedRate.String(),
	)
	return s.guarded(ctx, "claim entry", id, res, err)
}

func (s *Store) ReleaseEntry(ctx context.Context, id ledger.EntryID, ref ledger.PayoutID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE entries SET status = 'PENDING', settlement_ref = NULL
		WHERE id = ? AND status = 'PAID' AND settlement_ref = ?`,
		id, ref,
	)
	return s.guarded(ctx, "release entry", id, res, err)
}

// guarded turns a zero-row UPDATE into ErrEntryNotFound or
// ErrPreconditionFailed. Caller holds the write lock.
func (s *Store) guarded(ctx context.Context, op string, id ledger.EntryID, res sql.Result, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return unavailable(op, err)
	}
	if exists == 0 {
		return ledger.ErrEntryNotFound
	}
	return ledger.ErrPreconditionFailed
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e          ledger.Entry
		gross      string
		rate       string
		ref        sql.NullString
		occurredAt string
		createdAt  string
	)

	err := rows.Scan(
		&e.ID, &e.ProfessionalID, &e.Kind, &gross, &rate, &e.Status,
		&ref, &occurredAt, &e.Label, &e.CounterpartyLabel, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	if e.GrossAmount, err = decimal.NewFromString(gross); err != nil {
		return e, fmt.Errorf("entry %s: gross amount %q: %w", e.ID, gross, err)
	}
	if e.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return e, fmt.Errorf("entry %s: commission rate %q: %w", e.ID, rate, err)
	}
	if ref.Valid {
		r := ledger.PayoutID(ref.String)
		e.SettlementRef = &r
	}
	e.OccurredAt = parseTime(occurredAt)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// PAYOUT STORE (ledger.Store interface)
// =============================================================================

const payoutColumns = `id, professional_id, amount, funding_source, entry_count, created_at`

func (s *Store) InsertPayout(ctx context.Context, p ledger.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO payouts (`+payoutColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProfessionalID, p.Amount.String(), p.FundingSource, p.EntryCount, formatTime(p.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return ledger.ErrDuplicateID
	}
	if err != nil {
		return unavailable("insert payout", err)
	}
	return nil
}

func (s *Store) GetPayout(ctx context.Context, id ledger.PayoutID) (ledger.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	if err != nil {
		return ledger.Payout{}, unavailable("get payout", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Payout{}, unavailable("get payout", err)
		}
		return ledger.Payout{}, ledger.ErrPayoutNotFound
	}
	return scanPayout(rows)
}

func (s *Store) ListPayouts(ctx context.Context, professionalID ledger.ProfessionalID) ([]ledger.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+payoutColumns+` FROM payouts
		WHERE professional_id = ?
		ORDER BY created_at DESC, id DESC`, professionalID)
	if err != nil {
		return nil, unavailable("list payouts", err)
	}
	defer rows.Close()

	var payouts []ledger.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list payouts", err)
	}
	return payouts, nil
}

func (s *Store) DeletePayout(ctx context.Context, id ledger.PayoutID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM payouts WHERE id = ?", id)
	if err != nil {
		return unavailable("delete payout", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete payout", err)
	}
	if n == 0 {
		return ledger.ErrPayoutNotFound
	}
	return nil
}

func scanPayout(rows *sql.Rows) (ledger.Payout, error) {
	var (
		p         ledger.Payout
		amount    string
		createdAt string
	)
	if err := rows.Scan(&p.ID, &p.ProfessionalID, &amount, &p.FundingSource, &p.EntryCount, &createdAt); err != nil {
		return p, fmt.Errorf("failed to scan payout: %w", err)
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("payout %s: amount %q: %w", p.ID, amount, err)
	}
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// PROFESSIONAL DIRECTORY (ledger.Directory interface)
// =============================================================================

// SaveProfessional inserts or updates a directory record.
func (s *Store) SaveProfessional(ctx context.Context, p ledger.Professional) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := p.Status
	if status == "" {
		status = ledger.ProfessionalActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO professionals (id, name, role, default_commission_rate, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			default_commission_rate = excluded.default_commission_rate,
			status = excluded.status`,
		p.ID, p.Name, p.Role, p.DefaultCommissionRate.String(), status,
		formatTime(time.Now()),
	)
	if err != nil {
		return unavailable("save professional", err)
	}
	return nil
}

func (s *Store) GetProfessional(ctx context.Context, id ledger.ProfessionalID) (ledger.Professional, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p    ledger.Professional
		rate string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, role, default_commission_rate, status FROM professionals WHERE id = ?",
		id,
	).Scan(&p.ID, &p.Name, &p.Role, &rate, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Professional{}, ledger.ErrProfessionalNotFound
	}
	if err != nil {
		return ledger.Professional{}, unavailable("get professional", err)
	}
	if p.DefaultCommissionRate, err = decimal.NewFromString(rate); err != nil {
		return ledger.Professional{}, fmt.Errorf("professional %s: rate %q: %w", p.ID, rate, err)
	}
	return p, nil
}

// DeleteProfessional removes a directory record. Callers check
// TransactionLedger.CanRemoveProfessional first.
func (s *Store) DeleteProfessional(ctx context.Context, id ledger.ProfessionalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM professionals WHERE id = ?", id)
	if err != nil {
		return unavailable("delete professional", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrProfessionalNotFound
	}
	return nil
}

// =============================================================================
// SUBSCRIPTION READ MODEL (subscriptions.ReadModel interface)
// =============================================================================

// SaveSubscription inserts or replaces a subscription row. The provisioning
// flow owns these rows; this exists for imports and tests.
func (s *Store) SaveSubscription(ctx context.Context, sub subscriptions.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO subscriptions
		(id, customer_id, plan_id, amount, status, last_payment_status, next_renewal_at, created_at, canceled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.CustomerID, sub.PlanID, sub.Amount.String(), sub.Status,
		nullString(string(sub.LastPaymentStatus)),
		nullTime(sub.NextRenewalAt), formatTime(sub.CreatedAt), nullTime(sub.CanceledAt),
	)
	if err != nil {
		return unavailable("save subscription", err)
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]subscriptions.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, plan_id, amount, status, last_payment_status,
		       next_renewal_at, created_at, canceled_at
		FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, unavailable("list subscriptions", err)
	}
	defer rows.Close()

	var subs []subscriptions.Subscription
	for rows.Next() {
		var (
			sub                     subscriptions.Subscription
			amount, createdAt       string
			lastPayment             sql.NullString
			nextRenewal, canceledAt sql.NullString
		)
		if err := rows.Scan(&sub.ID, &sub.CustomerID, &sub.PlanID, &amount, &sub.Status,
			&lastPayment, &nextRenewal, &createdAt, &canceledAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if sub.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("subscription %s: amount %q: %w", sub.ID, amount, err)
		}
		sub.LastPaymentStatus = subscriptions.PaymentStatus(lastPayment.String)
		sub.NextRenewalAt = parseNullTime(nextRenewal)
		sub.CreatedAt = parseTime(createdAt)
		sub.CanceledAt = parseNullTime(canceledAt)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list subscriptions", err)
	}
	return subs, nil
}

// SaveAppointment inserts or replaces an appointment row.
func (s *Store) SaveAppointment(ctx context.Context, a subscriptions.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO appointments (id, status, subscription_id, occurred_at)
		VALUES (?, ?, ?, ?)`,
		a.ID, a.Status, nullString(a.SubscriptionID), formatTime(a.OccurredAt),
	)
	if err != nil {
		return unavailable("save appointment", err)
	}
	return nil
}

func (s *Store) ListAppointments(ctx context.Context, since time.Time) ([]subscriptions.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, subscription_id, occurred_at
		FROM appointments WHERE occurred_at >= ?
		ORDER BY occurred_at`, formatTime(since))
	if err != nil {
		return nil, unavailable("list appointments", err)
	}
	defer rows.Close()

	var appts []subscriptions.Appointment
	for rows.Next() {
		var (
			a          subscriptions.Appointment
			subID      sql.NullString
			occurredAt string
		)
		if err := rows.Scan(&a.ID, &a.Status, &subID, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		a.SubscriptionID = subID.String
		a.OccurredAt = parseTime(occurredAt)
		appts = append(appts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list appointments", err)
	}
	return appts, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"entries", "payouts", "professionals", "subscriptions", "appointments"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrStoreUnavailable, err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width; RFC3339Nano drops trailing zeros and would not sort.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also reads rows written at whole-second precision.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
