/*
ledger.go - TransactionLedger: read, record and edit entries

PURPOSE:
  The per-professional view over the Ledger Store. Pending balances are
  recomputed from the store on every call so every caller sees the same
  number; nothing is cached across operations.

OPERATIONS:
  ListPending            PENDING entries for a professional
  PendingBalance         sum of NetAmount over ListPending (may be negative)
  AdjustRate             edit the rate snapshot while PENDING
  RecordEntry            append a new PENDING entry
  MarkPaidIndividually   PAID without a Payout record (no expense is booked)

RATE SNAPSHOT:
  The rate is copied onto the entry at creation. Later changes to the
  professional's default rate never touch existing entries, and once an
  entry is PAID its rate is frozen, so settled history cannot move.

EXAMPLE:
  l := ledger.NewTransactionLedger(store, directory)
  l.RecordEntry(ctx, EntryInput{ProfessionalID: "p1", Kind: KindService, GrossAmount: d("100")})
  // rate taken from directory, e.g. 40 -> net 40.00
  l.RecordEntry(ctx, EntryInput{ProfessionalID: "p1", Kind: KindEmployeePurchase, GrossAmount: d("-35")})
  // rate defaults to 100 -> net -35.00
  l.PendingBalance(ctx, "p1") // 5.00
*/
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryInput is the caller-supplied part of a new entry.
// A nil CommissionRate means "use the default for this kind".
type EntryInput struct {
	ProfessionalID    ProfessionalID
	Kind              Kind
	GrossAmount       decimal.Decimal
	CommissionRate    *decimal.Decimal
	OccurredAt        time.Time
	Label             string
	CounterpartyLabel string
}

// TransactionLedger is the read/query/mutate API over entries.
type TransactionLedger struct {
	Store     Store
	Directory Directory // optional; required only for default service rates
	Recorder  Recorder
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func NewTransactionLedger(store Store, directory Directory) *TransactionLedger {
	return &TransactionLedger{
		Store:     store,
		Directory: directory,
		Recorder:  nopRecorder{},
		Logger:    slog.Default(),
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// ListPending returns the professional's PENDING entries, oldest first.
func (l *TransactionLedger) ListPending(ctx context.Context, professionalID ProfessionalID) ([]Entry, error) {
	return l.Store.ListEntries(ctx, EntryFilter{ProfessionalID: professionalID, Status: StatusPending})
}

// PendingBalance is the sum of NetAmount over ListPending.
func (l *TransactionLedger) PendingBalance(ctx context.Context, professionalID ProfessionalID) (decimal.Decimal, error) {
	pending, err := l.ListPending(ctx, professionalID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumNet(pending), nil
}

// History returns every entry of the professional regardless of status.
func (l *TransactionLedger) History(ctx context.Context, professionalID ProfessionalID) ([]Entry, error) {
	return l.Store.ListEntries(ctx, EntryFilter{ProfessionalID: professionalID})
}

func (l *TransactionLedger) Entry(ctx context.Context, id EntryID) (Entry, error) {
	return l.Store.GetEntry(ctx, id)
}

// AdjustRate replaces the rate snapshot of a PENDING entry.
// NetAmount follows on the next read.
func (l *TransactionLedger) AdjustRate(ctx context.Context, id EntryID, rate decimal.Decimal) error {
	if err := validateRate(rate); err != nil {
		return err
	}
	e, err := l.Store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if !e.IsPending() {
		return fmt.Errorf("adjust rate of entry %s: %w: entry is %s", id, ErrInvalidState, e.Status)
	}
	if err := l.Store.UpdateRate(ctx, id, rate); err != nil {
		return fmt.Errorf("adjust rate of entry %s: %w", id, err)
	}
	l.logger().Debug("commission rate adjusted", "entry_id", id, "from", e.CommissionRate.String(), "to", rate.String())
	return nil
}

// RecordEntry appends a new PENDING entry and returns its id.
func (l *TransactionLedger) RecordEntry(ctx context.Context, in EntryInput) (EntryID, error) {
	if strings.TrimSpace(string(in.ProfessionalID)) == "" {
		return "", invalid("professional_id", "required")
	}
	if !in.Kind.Valid() {
		return "", invalid("kind", fmt.Sprintf("unknown kind %q", in.Kind))
	}
	if err := checkBounds("gross_amount", in.GrossAmount); err != nil {
		return "", err
	}
	if in.Kind == KindEmployeePurchase && in.GrossAmount.IsPositive() {
		return "", invalid("gross_amount", "employee purchases are debits and must be negative")
	}

	rate, err := l.resolveRate(ctx, in)
	if err != nil {
		return "", err
	}

	now := l.Now()
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	e := Entry{
		ID:                EntryID(l.NewID()),
		ProfessionalID:    in.ProfessionalID,
		Kind:              in.Kind,
		GrossAmount:       in.GrossAmount,
		CommissionRate:    rate,
		Status:            StatusPending,
		OccurredAt:        occurred,
		Label:             in.Label,
		CounterpartyLabel: in.CounterpartyLabel,
		CreatedAt:         now,
	}
	if err := l.Store.InsertEntry(ctx, e); err != nil {
		return "", fmt.Errorf("record entry: %w", err)
	}

	l.recorder().EntryRecorded(string(e.Kind))
	l.logger().Info("entry recorded",
		"entry_id", e.ID, "professional_id", e.ProfessionalID, "kind", e.Kind,
		"gross", e.GrossAmount.String(), "rate", e.CommissionRate.String())
	return e.ID, nil
}

// MarkPaidIndividually marks one entry PAID outside the batch flow. No
// Payout is created, so nothing is booked as an expense.
func (l *TransactionLedger) MarkPaidIndividually(ctx context.Context, id EntryID) error {
	e, err := l.Store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if !e.IsPending() {
		return fmt.Errorf("mark entry %s paid: %w", id, ErrPreconditionFailed)
	}
	if err := l.Store.ClaimEntry(ctx, id, ManualSettlementRef(id), e.CommissionRate); err != nil {
		return fmt.Errorf("mark entry %s paid: %w", id, err)
	}
	l.logger().Info("entry marked paid outside settlement", "entry_id", id, "professional_id", e.ProfessionalID,
		"net", e.NetAmount().String())
	return nil
}

// CanRemoveProfessional reports whether the professional has no pending
// entries and no payouts that a removal would orphan.
func (l *TransactionLedger) CanRemoveProfessional(ctx context.Context, id ProfessionalID) (bool, error) {
	pending, err := l.ListPending(ctx, id)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return false, nil
	}
	payouts, err := l.Store.ListPayouts(ctx, id)
	if err != nil {
		return false, err
	}
	return len(payouts) == 0, nil
}

func (l *TransactionLedger) resolveRate(ctx context.Context, in EntryInput) (decimal.Decimal, error) {
	if in.CommissionRate != nil {
		if err := validateRate(*in.CommissionRate); err != nil {
			return decimal.Zero, err
		}
		return *in.CommissionRate, nil
	}

	switch in.Kind {
	case KindService, KindProductSale:
		if l.Directory == nil {
			return decimal.Zero, invalid("commission_rate", "required when no professional directory is configured")
		}
		p, err := l.Directory.GetProfessional(ctx, in.ProfessionalID)
		if err != nil {
			return decimal.Zero, err
		}
		return p.DefaultCommissionRate, nil
	default:
		return hundred, nil
	}
}

func validateRate(rate decimal.Decimal) error {
	if err := checkBounds("commission_rate", rate); err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return invalid("commission_rate", "must be between 0 and 100")
	}
	return nil
}

func (l *TransactionLedger) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *TransactionLedger) recorder() Recorder {
	if l.Recorder == nil {
		return nopRecorder{}
	}
	return l.Recorder
}
