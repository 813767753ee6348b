/*
store.go - Persistence interface for entries and payouts

PURPOSE:
  Defines the boundary between the engines and any durable tabular store.
  The store offers single-row writes only. There is no multi-row
  transaction: engines that touch several rows compose single-row writes
  and compensate on failure.

GUARDED WRITES:
  Every mutation of an existing entry states the pre-state it expects.
  If the row no longer matches, the store returns ErrPreconditionFailed
  and changes nothing. This is what keeps two settlements from claiming
  the same entry.

    ClaimEntry:   PENDING, ref NULL, rate == expected  ->  PAID, ref = payout
    ReleaseEntry: PAID, ref == payout                   ->  PENDING, ref NULL
    UpdateRate:   PENDING                               ->  PENDING, new rate

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and local runs
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// EntryFilter selects entries. Zero-valued fields do not filter.
type EntryFilter struct {
	ProfessionalID ProfessionalID
	Status         Status
	SettlementRef  PayoutID
}

// Store persists entries and payouts.
type Store interface {
	// InsertEntry adds a new entry. Returns ErrDuplicateID if the id exists.
	InsertEntry(ctx context.Context, e Entry) error

	// GetEntry returns ErrEntryNotFound when the id is unknown.
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// ListEntries returns matching entries ordered by OccurredAt ascending.
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, error)

	// UpdateRate changes the commission rate of a PENDING entry.
	UpdateRate(ctx context.Context, id EntryID, rate decimal.Decimal) error

	// ClaimEntry marks a PENDING, unreferenced entry PAID under ref, provided
	// its rate still equals expectedRate.
	ClaimEntry(ctx context.Context, id EntryID, ref PayoutID, expectedRate decimal.Decimal) error

	// ReleaseEntry returns an entry PAID under ref to PENDING.
	ReleaseEntry(ctx context.Context, id EntryID, ref PayoutID) error

	InsertPayout(ctx context.Context, p Payout) error

	// GetPayout returns ErrPayoutNotFound when the id is unknown.
	GetPayout(ctx context.Context, id PayoutID) (Payout, error)

	// ListPayouts returns a professional's payouts, newest first.
	ListPayouts(ctx context.Context, professionalID ProfessionalID) ([]Payout, error)

	// DeletePayout returns ErrPayoutNotFound when the id is unknown.
	DeletePayout(ctx context.Context, id PayoutID) error
}

// Directory is the read-only professional directory.
type Directory interface {
	GetProfessional(ctx context.Context, id ProfessionalID) (Professional, error)
}

// CashDrawer is notified after a cash-funded settlement or its reversal.
// The core never reads the drawer balance.
type CashDrawer interface {
	Refresh(ctx context.Context, professionalID ProfessionalID, payoutID PayoutID) error
}

// NopCashDrawer ignores refresh notifications.
type NopCashDrawer struct{}

func (NopCashDrawer) Refresh(context.Context, ProfessionalID, PayoutID) error { return nil }
