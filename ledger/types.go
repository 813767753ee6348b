/*
Package ledger provides the commission ledger and payout reconciliation engine.

PURPOSE:
  Tracks what each professional has earned (service commissions, product
  sales, bonuses, subscription pot shares) and owes (employee purchases),
  batches pending entries into payouts, and reverses payouts exactly.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: one commission-bearing or debit event owned by a professional
  - Payout: one settlement batch, recorded as an expense
  - Professional: read model served by the professional directory

DESIGN PRINCIPLES:
  1. Derived values: NetAmount and pending balances are computed on read,
     never cached
  2. Precision: decimal.Decimal for every amount and rate
  3. Preconditions: every mutation states the pre-state it expects
  4. Visible failure: partial writes are reported with ids, never hidden

USAGE:
  l := ledger.NewTransactionLedger(store, directory)
  id, err := l.RecordEntry(ctx, ledger.EntryInput{
      ProfessionalID: "pro-1",
      Kind:           ledger.KindService,
      GrossAmount:    decimal.RequireFromString("80.00"),
  })

SEE ALSO:
  - store.go: persistence interface
  - payout.go: settlement
  - reversal.go: undo of a settlement
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type PayoutID string
type ProfessionalID string

// =============================================================================
// ENTRY
// =============================================================================

type Kind string

const (
	KindService            Kind = "SERVICE"
	KindProductSale        Kind = "PRODUCT_SALE"
	KindBonus              Kind = "BONUS"
	KindEmployeePurchase   Kind = "EMPLOYEE_PURCHASE"
	KindSubscriptionPayout Kind = "SUBSCRIPTION_PAYOUT"
	KindOther              Kind = "OTHER"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindService, KindProductSale, KindBonus, KindEmployeePurchase, KindSubscriptionPayout, KindOther:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
)

var hundred = decimal.NewFromInt(100)

// Amounts and rates are stored as NUMERIC(14,4) and NUMERIC(7,4).
const (
	maxScale      = 4
	maxInputScale = 32
)

var maxMagnitude = decimal.New(1, 10)

// Bounded reports whether d fits the stored precision: |d| < 1e10 with at
// most four decimal places. The exponent is checked before any arithmetic,
// so inputs like "1e900000000" are rejected without being expanded.
func Bounded(d decimal.Decimal) bool {
	exp := d.Exponent()
	if exp > 10 || exp < -maxInputScale {
		return false
	}
	if !d.Abs().LessThan(maxMagnitude) {
		return false
	}
	return exp >= -maxScale || d.Equal(d.Truncate(maxScale))
}

func checkBounds(field string, d decimal.Decimal) error {
	if !Bounded(d) {
		return invalid(field, "must be below 1e10 with at most 4 decimal places")
	}
	return nil
}

// Entry is one commission-bearing or debit event.
//
// INVARIANTS:
//   - Status == StatusPaid  <=> SettlementRef != nil
//   - CommissionRate is only edited while Status == StatusPending
type Entry struct {
	ID                EntryID
	ProfessionalID    ProfessionalID
	Kind              Kind
	GrossAmount       decimal.Decimal // negative for debits
	CommissionRate    decimal.Decimal // 0-100, snapshotted at creation
	Status            Status
	SettlementRef     *PayoutID
	OccurredAt        time.Time
	Label             string
	CounterpartyLabel string
	CreatedAt         time.Time
}

// NetAmount is GrossAmount * CommissionRate / 100.
func (e Entry) NetAmount() decimal.Decimal {
	return e.GrossAmount.Mul(e.CommissionRate).Div(hundred)
}

func (e Entry) IsPending() bool { return e.Status == StatusPending }

// SettledBy reports whether the entry is PAID through the given payout.
func (e Entry) SettledBy(id PayoutID) bool {
	return e.SettlementRef != nil && *e.SettlementRef == id
}

// SumNet adds NetAmount over entries.
func SumNet(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.NetAmount())
	}
	return total
}

// EntryIDs returns the ids of entries, in order.
func EntryIDs(entries []Entry) []EntryID {
	ids := make([]EntryID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// =============================================================================
// PAYOUT
// =============================================================================

type FundingSource string

const (
	FundingCash FundingSource = "cash"
	FundingBank FundingSource = "bank"
)

func (f FundingSource) Valid() bool {
	return f == FundingCash || f == FundingBank
}

// Payout is one settlement batch. Amount is negative (an expense) and its
// absolute value equals the net sum of the entries that reference it.
type Payout struct {
	ID             PayoutID
	ProfessionalID ProfessionalID
	Amount         decimal.Decimal
	FundingSource  FundingSource
	EntryCount     int
	CreatedAt      time.Time
}

// PayoutSummary is returned to callers after a successful settlement.
type PayoutSummary struct {
	Payout   Payout
	EntryIDs []EntryID
}

// manualRefPrefix marks entries paid outside the batch flow. Such refs never
// point at a Payout record.
const manualRefPrefix = "manual:"

// ManualSettlementRef builds the settlement reference for an entry paid
// individually.
func ManualSettlementRef(id EntryID) PayoutID {
	return PayoutID(manualRefPrefix + string(id))
}

// IsManual reports whether the ref was produced by ManualSettlementRef.
func (id PayoutID) IsManual() bool {
	return len(id) > len(manualRefPrefix) && string(id[:len(manualRefPrefix)]) == manualRefPrefix
}

// =============================================================================
// PROFESSIONAL
// =============================================================================

type ProfessionalStatus string

const (
	ProfessionalActive   ProfessionalStatus = "ACTIVE"
	ProfessionalVacation ProfessionalStatus = "VACATION"
)

type Professional struct {
	ID                    ProfessionalID
	Name                  string
	Role                  string
	DefaultCommissionRate decimal.Decimal
	Status                ProfessionalStatus
}
