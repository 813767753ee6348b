/*
Package postgres provides a PostgreSQL implementation of the storage
interfaces, using a pgx connection pool.

Same contract and table layout as store/sqlite. Differences:
  - amounts and rates are NUMERIC, sent and read as text so no value ever
    passes through float64
  - no process-level lock; concurrency control is the guarded UPDATE
    itself, whose row count tells whether the precondition held
  - schema is versioned with goose migrations embedded in the binary

USAGE:
  pool, err := postgres.Connect(ctx, dsn)
  if err := postgres.Migrate(ctx, pool); err != nil { ... }
  store := postgres.New(pool)
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/subscriptions"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connect opens a pool and checks the server is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies every pending embedded migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Store implements ledger.Store, ledger.Directory and subscriptions.ReadModel.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, professional_id, kind, gross_amount::text, commission_rate::text, status,
	settlement_ref, occurred_at, label, counterparty_label, created_at`

func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) error {
	var ref *string
	if e.SettlementRef != nil {
		r := string(*e.SettlementRef)
		ref = &r
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entries (id, professional_id, kind, gross_amount, commission_rate, status,
			settlement_ref, occurred_at, label, counterparty_label, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)`,
		string(e.ID), string(e.ProfessionalID), string(e.Kind),
		e.GrossAmount.String(), e.CommissionRate.String(), string(e.Status),
		ref, e.OccurredAt.UTC(), e.Label, e.CounterpartyLabel, e.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateID
	}
	if err != nil {
		return unavailable("insert entry", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, string(id))
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, err
}

func (s *Store) ListEntries(ctx context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond, value string) {
		args = append(args, value)
		where = append(where, cond+" = $"+strconv.Itoa(len(args)))
	}
	if f.ProfessionalID != "" {
		add("professional_id", string(f.ProfessionalID))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.SettlementRef != "" {
		add("settlement_ref", string(f.SettlementRef))
	}

	q := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY occurred_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list entries", err)
	}
	return out, nil
}

func (s *Store) UpdateRate(ctx context.Context, id ledger.EntryID, rate decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET commission_rate = $2::numeric WHERE id = $1 AND status = 'PENDING'`,
		string(id), rate.String(),
	)
	return s.guarded(ctx, "update rate", id, tag, err)
}

func (s *Store) ClaimEntry(ctx context.Context, id ledger.EntryID, ref ledger.PayoutID, expectedRate decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entries SET status = 'PAID', settlement_ref = $2
		WHERE id = $1 AND status = 'PENDING' AND settlement_ref IS NULL
		  AND commission_rate = $3::numeric`,
		string(id), string(ref), expectedRate.String(),
	)
	return s.guarded(ctx, "claim entry", id, tag, err)
}

func (s *Store) ReleaseEntry(ctx context.Context, id ledger.EntryID, ref ledger.PayoutID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entries SET status = 'PENDING', settlement_ref = NULL
		WHERE id = $1 AND status = 'PAID' AND settlement_ref = $2`,
		string(id), string(ref),
	)
	return s.guarded(ctx, "release entry", id, tag, err)
}

func (s *Store) guarded(ctx context.Context, op string, id ledger.EntryID, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entries WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return unavailable(op, err)
	}
	if !exists {
		return ledger.ErrEntryNotFound
	}
	return ledger.ErrPreconditionFailed
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                     ledger.Entry
		id, pro, kind, status string
		gross, rate           string
		ref                   *string
	)
	err := row.Scan(&id, &pro, &kind, &gross, &rate, &status,
		&ref, &e.OccurredAt, &e.Label, &e.CounterpartyLabel, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, err
	}
	if err != nil {
		return e, unavailable("scan entry", err)
	}
	e.ID = ledger.EntryID(id)
	e.ProfessionalID = ledger.ProfessionalID(pro)
	e.Kind = ledger.Kind(kind)
	e.Status = ledger.Status(status)
	if e.GrossAmount, err = decimal.NewFromString(gross); err != nil {
		return e, fmt.Errorf("entry %s: gross amount %q: %w", id, gross, err)
	}
	if e.CommissionRate, err = decimal.NewFromString(rate); err != nil {
		return e, fmt.Errorf("entry %s: commission rate %q: %w", id, rate, err)
	}
	if ref != nil {
		r := ledger.PayoutID(*ref)
		e.SettlementRef = &r
	}
	return e, nil
}

// =============================================================================
// PAYOUTS
// =============================================================================

const payoutColumns = `id, professional_id, amount::text, funding_source, entry_count, created_at`

func (s *Store) InsertPayout(ctx context.Context, p ledger.Payout) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payouts (id, professional_id, amount, funding_source, entry_count, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		string(p.ID), string(p.ProfessionalID), p.Amount.String(), string(p.FundingSource), p.EntryCount, p.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicateID
	}
	if err != nil {
		return unavailable("insert payout", err)
	}
	return nil
}

func (s *Store) GetPayout(ctx context.Context, id ledger.PayoutID) (ledger.Payout, error) {
	p, err := scanPayout(s.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Payout{}, ledger.ErrPayoutNotFound
	}
	return p, err
}

func (s *Store) ListPayouts(ctx context.Context, professionalID ledger.ProfessionalID) ([]ledger.Payout, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+payoutColumns+` FROM payouts
		WHERE professional_id = $1 ORDER BY created_at DESC, id DESC`, string(professionalID))
	if err != nil {
		return nil, unavailable("list payouts", err)
	}
	defer rows.Close()

	var out []ledger.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list payouts", err)
	}
	return out, nil
}

func (s *Store) DeletePayout(ctx context.Context, id ledger.PayoutID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM payouts WHERE id = $1`, string(id))
	if err != nil {
		return unavailable("delete payout", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrPayoutNotFound
	}
	return nil
}

func scanPayout(row pgx.Row) (ledger.Payout, error) {
	var (
		p                    ledger.Payout
		id, pro, amt, source string
	)
	err := row.Scan(&id, &pro, &amt, &source, &p.EntryCount, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, unavailable("scan payout", err)
	}
	p.ID = ledger.PayoutID(id)
	p.ProfessionalID = ledger.ProfessionalID(pro)
	p.FundingSource = ledger.FundingSource(source)
	if p.Amount, err = decimal.NewFromString(amt); err != nil {
		return p, fmt.Errorf("payout %s: amount %q: %w", id, amt, err)
	}
	return p, nil
}

// =============================================================================
// PROFESSIONALS
// =============================================================================

func (s *Store) SaveProfessional(ctx context.Context, p ledger.Professional) error {
	status := p.Status
	if status == "" {
		status = ledger.ProfessionalActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO professionals (id, name, role, default_commission_rate, status)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			default_commission_rate = EXCLUDED.default_commission_rate,
			status = EXCLUDED.status`,
		string(p.ID), p.Name, p.Role, p.DefaultCommissionRate.String(), string(status),
	)
	if err != nil {
		return unavailable("save professional", err)
	}
	return nil
}

func (s *Store) GetProfessional(ctx context.Context, id ledger.ProfessionalID) (ledger.Professional, error) {
	var (
		p                 ledger.Professional
		pid, rate, status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, role, default_commission_rate::text, status
		FROM professionals WHERE id = $1`, string(id),
	).Scan(&pid, &p.Name, &p.Role, &rate, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Professional{}, ledger.ErrProfessionalNotFound
	}
	if err != nil {
		return ledger.Professional{}, unavailable("get professional", err)
	}
	p.ID = ledger.ProfessionalID(pid)
	p.Status = ledger.ProfessionalStatus(status)
	if p.DefaultCommissionRate, err = decimal.NewFromString(rate); err != nil {
		return ledger.Professional{}, fmt.Errorf("professional %s: rate %q: %w", pid, rate, err)
	}
	return p, nil
}

func (s *Store) DeleteProfessional(ctx context.Context, id ledger.ProfessionalID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM professionals WHERE id = $1`, string(id))
	if err != nil {
		return unavailable("delete professional", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrProfessionalNotFound
	}
	return nil
}

// =============================================================================
// SUBSCRIPTION READ MODEL
// =============================================================================

func (s *Store) SaveSubscription(ctx context.Context, sub subscriptions.Subscription) error {
	var lastPayment *string
	if sub.LastPaymentStatus != "" {
		v := string(sub.LastPaymentStatus)
		lastPayment = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, customer_id, plan_id, amount, status, last_payment_status,
			next_renewal_at, created_at, canceled_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			plan_id = EXCLUDED.plan_id,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			last_payment_status = EXCLUDED.last_payment_status,
			next_renewal_at = EXCLUDED.next_renewal_at,
			canceled_at = EXCLUDED.canceled_at`,
		sub.ID, sub.CustomerID, sub.PlanID, sub.Amount.String(), string(sub.Status), lastPayment,
		sub.NextRenewalAt, sub.CreatedAt.UTC(), sub.CanceledAt,
	)
	if err != nil {
		return unavailable("save subscription", err)
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]subscriptions.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, plan_id, amount::text, status, last_payment_status,
		       next_renewal_at, created_at, canceled_at
		FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, unavailable("list subscriptions", err)
	}
	defer rows.Close()

	var out []subscriptions.Subscription
	for rows.Next() {
		var (
			sub            subscriptions.Subscription
			amount, status string
			lastPayment    *string
		)
		if err := rows.Scan(&sub.ID, &sub.CustomerID, &sub.PlanID, &amount, &status, &lastPayment,
			&sub.NextRenewalAt, &sub.CreatedAt, &sub.CanceledAt); err != nil {
			return nil, unavailable("scan subscription", err)
		}
		if sub.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("subscription %s: amount %q: %w", sub.ID, amount, err)
		}
		sub.Status = subscriptions.Status(status)
		if lastPayment != nil {
			sub.LastPaymentStatus = subscriptions.PaymentStatus(*lastPayment)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list subscriptions", err)
	}
	return out, nil
}

func (s *Store) SaveAppointment(ctx context.Context, a subscriptions.Appointment) error {
	var subID *string
	if a.SubscriptionID != "" {
		subID = &a.SubscriptionID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO appointments (id, status, subscription_id, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			subscription_id = EXCLUDED.subscription_id,
			occurred_at = EXCLUDED.occurred_at`,
		a.ID, string(a.Status), subID, a.OccurredAt.UTC(),
	)
	if err != nil {
		return unavailable("save appointment", err)
	}
	return nil
}

func (s *Store) ListAppointments(ctx context.Context, since time.Time) ([]subscriptions.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, subscription_id, occurred_at
		FROM appointments WHERE occurred_at >= $1 ORDER BY occurred_at`, since.UTC())
	if err != nil {
		return nil, unavailable("list appointments", err)
	}
	defer rows.Close()

	var out []subscriptions.Appointment
	for rows.Next() {
		var (
			a      subscriptions.Appointment
			status string
			subID  *string
		)
		if err := rows.Scan(&a.ID, &status, &subID, &a.OccurredAt); err != nil {
			return nil, unavailable("scan appointment", err)
		}
		a.Status = subscriptions.AppointmentStatus(status)
		if subID != nil {
			a.SubscriptionID = *subID
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list appointments", err)
	}
	return out, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE entries, payouts, professionals, subscriptions, appointments")
	if err != nil {
		return unavailable("reset", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
