/*
payout.go - PayoutEngine: settle a professional's pending entries

PURPOSE:
  Aggregates the pending entries of one professional into a single Payout
  funded from cash or bank, books it as an expense, and marks the entries
  PAID with a back-reference to it.

SETTLEMENT FLOW:
  1. Snapshot pending entries, total = sum of their NetAmount
  2. total <= 0  ->  ErrNothingToSettle
  3. Insert Payout{Amount: -|total|}
  4. Claim exactly the snapshot ids (never a fresh query), each guarded by
     "still PENDING, unreferenced, same rate as in the snapshot"
  5. Cash funding  ->  notify the cash drawer

NO TRANSACTION:
  Steps 3 and 4 are separate writes. The engine keeps a compensation stack:
  every successful write pushes its inverse.

    claim lost to a concurrent writer  ->  unwind (release claims, delete
                                           payout), ErrPreconditionFailed
    any other claim failure            ->  PartialWriteError, no retry,
                                           payout left in place so Verify
                                           shows the mismatch

  Entries recorded while a settlement runs are not in the snapshot and stay
  PENDING. Two racing settlements can never both hold the same entry, so
  the sum of their payouts never exceeds the balance that existed before.

RECONCILIATION:
  Verify compares a payout's amount with the net sum of entries that
  reference it. Audit does this for every payout of a professional and
  also reports PAID entries whose payout no longer exists.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutEngine settles pending entries into payouts.
type PayoutEngine struct {
	Store      Store
	CashDrawer CashDrawer
	Recorder   Recorder
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

func NewPayoutEngine(store Store, drawer CashDrawer) *PayoutEngine {
	if drawer == nil {
		drawer = NopCashDrawer{}
	}
	return &PayoutEngine{
		Store:      store,
		CashDrawer: drawer,
		Recorder:   nopRecorder{},
		Logger:     slog.Default(),
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
	}
}

// Settle pays out the professional's current pending balance.
func (pe *PayoutEngine) Settle(ctx context.Context, professionalID ProfessionalID, source FundingSource) (PayoutSummary, error) {
	if !source.Valid() {
		return PayoutSummary{}, invalid("funding_source", fmt.Sprintf("must be %q or %q", FundingCash, FundingBank))
	}
	log := pe.logger().With("professional_id", professionalID, "funding_source", source)

	// 1. Snapshot
	snapshot, err := pe.Store.ListEntries(ctx, EntryFilter{ProfessionalID: professionalID, Status: StatusPending})
	if err != nil {
		return PayoutSummary{}, fmt.Errorf("settle %s: %w", professionalID, err)
	}
	total := SumNet(snapshot)

	// 2. Anything to pay?
	if !total.IsPositive() {
		pe.recorder().SettleFailed("nothing_to_settle")
		return PayoutSummary{}, fmt.Errorf("settle %s: balance %s: %w", professionalID, total.StringFixed(2), ErrNothingToSettle)
	}

	// 3. Payout record
	payout := Payout{
		ID:             PayoutID(pe.NewID()),
		ProfessionalID: professionalID,
		Amount:         total.Abs().Neg(),
		FundingSource:  source,
		EntryCount:     len(snapshot),
		CreatedAt:      pe.Now(),
	}
	if err := pe.Store.InsertPayout(ctx, payout); err != nil {
		pe.recorder().SettleFailed("store")
		return PayoutSummary{}, fmt.Errorf("settle %s: create payout: %w", professionalID, err)
	}
	log = log.With("payout_id", payout.ID)

	comp := &compensation{}
	comp.push("delete payout "+string(payout.ID), func(ctx context.Context) error {
		err := pe.Store.DeletePayout(ctx, payout.ID)
		if errors.Is(err, ErrPayoutNotFound) {
			return nil
		}
		return err
	})

	// 4. Claim the snapshot
	claimed := make([]EntryID, 0, len(snapshot))
	for i, e := range snapshot {
		err := pe.Store.ClaimEntry(ctx, e.ID, payout.ID, e.CommissionRate)
		if err == nil {
			id := e.ID
			claimed = append(claimed, id)
			comp.push("release entry "+string(id), func(ctx context.Context) error {
				return pe.Store.ReleaseEntry(ctx, id, payout.ID)
			})
			continue
		}

		unclaimed := EntryIDs(snapshot[i:])
		if errors.Is(err, ErrPreconditionFailed) {
			log.Warn("settlement lost a claim, compensating", "entry_id", e.ID, "claimed", len(claimed))
			if uerr := comp.unwind(ctx); uerr != nil {
				pe.recorder().PartialWrite("settle")
				log.Error("settlement compensation failed", "err", uerr)
				return PayoutSummary{}, &PartialWriteError{
					Op:        "settle",
					PayoutID:  payout.ID,
					Completed: claimed,
					Failed:    unclaimed,
					Cause:     errors.Join(err, uerr),
				}
			}
			pe.recorder().SettleFailed("precondition")
			return PayoutSummary{}, fmt.Errorf("settle %s: entry %s changed during settlement: %w",
				professionalID, e.ID, ErrPreconditionFailed)
		}

		pe.recorder().PartialWrite("settle")
		log.Error("settlement left entries pending", "err", err, "claimed", len(claimed), "unclaimed", len(unclaimed))
		return PayoutSummary{}, &PartialWriteError{
			Op:        "settle",
			PayoutID:  payout.ID,
			Completed: claimed,
			Failed:    unclaimed,
			Cause:     err,
		}
	}

	// 5. Cash drawer
	if source == FundingCash {
		pe.refreshDrawer(ctx, log, professionalID, payout.ID)
	}

	amount, _ := total.Float64()
	pe.recorder().Settled(string(source), amount)
	log.Info("settlement completed", "amount", payout.Amount.StringFixed(2), "entries", len(claimed))

	return PayoutSummary{Payout: payout, EntryIDs: claimed}, nil
}

// Payouts lists the professional's payouts, newest first.
func (pe *PayoutEngine) Payouts(ctx context.Context, professionalID ProfessionalID) ([]Payout, error) {
	return pe.Store.ListPayouts(ctx, professionalID)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation compares a payout with the entries that reference it.
type Reconciliation struct {
	PayoutID       PayoutID
	ProfessionalID ProfessionalID
	PayoutAmount   decimal.Decimal // zero when the payout record is missing
	EntriesNet     decimal.Decimal
	EntryIDs       []EntryID
	Missing        bool // entries reference a payout that no longer exists
}

// Consistent reports whether -PayoutAmount equals EntriesNet and the payout exists.
func (r Reconciliation) Consistent() bool {
	return !r.Missing && r.PayoutAmount.Neg().Equal(r.EntriesNet)
}

// Difference is what the payout booked minus what its entries add up to.
func (r Reconciliation) Difference() decimal.Decimal {
	return r.PayoutAmount.Neg().Sub(r.EntriesNet)
}

// Verify checks a single payout against its member entries.
func (pe *PayoutEngine) Verify(ctx context.Context, id PayoutID) (Reconciliation, error) {
	p, err := pe.Store.GetPayout(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	members, err := pe.Store.ListEntries(ctx, EntryFilter{SettlementRef: id})
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		PayoutID:       p.ID,
		ProfessionalID: p.ProfessionalID,
		PayoutAmount:   p.Amount,
		EntriesNet:     SumNet(members),
		EntryIDs:       EntryIDs(members),
	}, nil
}

// Audit verifies every payout of the professional and reports orphaned
// PAID entries. Only inconsistent results are returned.
func (pe *PayoutEngine) Audit(ctx context.Context, professionalID ProfessionalID) ([]Reconciliation, error) {
	payouts, err := pe.Store.ListPayouts(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	paid, err := pe.Store.ListEntries(ctx, EntryFilter{ProfessionalID: professionalID, Status: StatusPaid})
	if err != nil {
		return nil, err
	}

	byRef := make(map[PayoutID][]Entry)
	for _, e := range paid {
		if e.SettlementRef == nil || e.SettlementRef.IsManual() {
			continue
		}
		byRef[*e.SettlementRef] = append(byRef[*e.SettlementRef], e)
	}

	var issues []Reconciliation
	for _, p := range payouts {
		members := byRef[p.ID]
		delete(byRef, p.ID)
		r := Reconciliation{
			PayoutID:       p.ID,
			ProfessionalID: p.ProfessionalID,
			PayoutAmount:   p.Amount,
			EntriesNet:     SumNet(members),
			EntryIDs:       EntryIDs(members),
		}
		if !r.Consistent() {
			issues = append(issues, r)
		}
	}
	for ref, members := range byRef {
		issues = append(issues, Reconciliation{
			PayoutID:       ref,
			ProfessionalID: professionalID,
			PayoutAmount:   decimal.Zero,
			EntriesNet:     SumNet(members),
			EntryIDs:       EntryIDs(members),
			Missing:        true,
		})
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].PayoutID < issues[j].PayoutID })
	return issues, nil
}

func (pe *PayoutEngine) refreshDrawer(ctx context.Context, log *slog.Logger, professionalID ProfessionalID, id PayoutID) {
	if pe.CashDrawer == nil {
		return
	}
	if err := pe.CashDrawer.Refresh(ctx, professionalID, id); err != nil {
		log.Warn("cash drawer refresh failed", "err", err)
	}
}

func (pe *PayoutEngine) logger() *slog.Logger {
	if pe.Logger == nil {
		return slog.Default()
	}
	return pe.Logger
}

func (pe *PayoutEngine) recorder() Recorder {
	if pe.Recorder == nil {
		return nopRecorder{}
	}
	return pe.Recorder
}
