/*
reversal.go - ReversalEngine: undo a settlement

UNDO FLOW:
  1. Delete the Payout record (already gone = this is a re-run, continue)
     Cash payout deleted by this call  ->  notify the cash drawer
  2. Every entry with SettlementRef == payout  ->  PENDING, ref NULL

  After success the professional's pending balance is exactly what it was
  before the settlement.

PARTIAL FAILURE:
  Step 2 touches entries one by one. An entry that fails to revert is
  reported in PartialFailureError.Unreverted; the others stay reverted.
  There is no global rollback.

IDEMPOTENCE:
  Entries are found by their reference, so entries already back to PENDING
  are simply not found again. Running Undo twice ends in the same state as
  running it once, and the second run is not an error.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// UndoResult acknowledges a completed reversal.
type UndoResult struct {
	PayoutID PayoutID
	Reverted []EntryID
	// PayoutFound is false when the payout record was already gone,
	// i.e. this call finished (or repeated) an earlier reversal.
	PayoutFound bool
}

// ReversalEngine undoes payouts.
type ReversalEngine struct {
	Store      Store
	CashDrawer CashDrawer
	Recorder   Recorder
	Logger     *slog.Logger
}

func NewReversalEngine(store Store, drawer CashDrawer) *ReversalEngine {
	if drawer == nil {
		drawer = NopCashDrawer{}
	}
	return &ReversalEngine{Store: store, CashDrawer: drawer, Recorder: nopRecorder{}, Logger: slog.Default()}
}

// Undo reverses the payout and returns its entries to PENDING.
func (re *ReversalEngine) Undo(ctx context.Context, id PayoutID) (UndoResult, error) {
	if id == "" {
		return UndoResult{}, invalid("payout_id", "required")
	}
	if id.IsManual() {
		return UndoResult{}, invalid("payout_id", "entries paid individually have no payout to undo")
	}
	log := re.logger().With("payout_id", id)
	result := UndoResult{PayoutID: id}

	// Read before delete so the cash drawer can be told afterwards.
	payout, err := re.Store.GetPayout(ctx, id)
	switch {
	case err == nil:
		result.PayoutFound = true
	case errors.Is(err, ErrPayoutNotFound):
	default:
		return UndoResult{}, fmt.Errorf("undo payout %s: %w", id, err)
	}

	// 1. Delete the payout
	if result.PayoutFound {
		err := re.Store.DeletePayout(ctx, id)
		switch {
		case err == nil:
			// The drawer balance moved with the delete, whatever happens to
			// the entries below.
			if payout.FundingSource == FundingCash && re.CashDrawer != nil {
				if err := re.CashDrawer.Refresh(ctx, payout.ProfessionalID, id); err != nil {
					log.Warn("cash drawer refresh failed", "err", err)
				}
			}
		case !errors.Is(err, ErrPayoutNotFound):
			re.recorder().Reversed("failed")
			return UndoResult{}, fmt.Errorf("undo payout %s: delete payout: %w", id, err)
		}
	}

	// 2. Release member entries
	members, err := re.Store.ListEntries(ctx, EntryFilter{SettlementRef: id})
	if err != nil {
		re.recorder().PartialWrite("undo")
		return UndoResult{}, fmt.Errorf("undo payout %s: entries not listed after payout delete: %w",
			id, errors.Join(ErrPartialWrite, err))
	}

	var unreverted []EntryID
	causes := make(map[EntryID]error)
	for _, e := range members {
		err := re.Store.ReleaseEntry(ctx, e.ID, id)
		if err == nil {
			result.Reverted = append(result.Reverted, e.ID)
			continue
		}
		// Another undo of the same payout got there first.
		if errors.Is(err, ErrPreconditionFailed) && re.alreadyReleased(ctx, e.ID, id) {
			continue
		}
		unreverted = append(unreverted, e.ID)
		causes[e.ID] = err
	}

	if len(unreverted) > 0 {
		re.recorder().PartialWrite("undo")
		re.recorder().Reversed("partial")
		log.Error("undo left entries paid", "reverted", len(result.Reverted), "unreverted", len(unreverted))
		return result, &PartialFailureError{
			PayoutID:   id,
			Reverted:   result.Reverted,
			Unreverted: unreverted,
			Causes:     causes,
		}
	}

	if result.PayoutFound || len(result.Reverted) > 0 {
		re.recorder().Reversed("completed")
		log.Info("payout reversed", "entries", len(result.Reverted))
	} else {
		re.recorder().Reversed("noop")
		log.Debug("payout already reversed")
	}
	return result, nil
}

func (re *ReversalEngine) alreadyReleased(ctx context.Context, entryID EntryID, id PayoutID) bool {
	e, err := re.Store.GetEntry(ctx, entryID)
	return err == nil && !e.SettledBy(id)
}

func (re *ReversalEngine) logger() *slog.Logger {
	if re.Logger == nil {
		return slog.Default()
	}
	return re.Logger
}

func (re *ReversalEngine) recorder() Recorder {
	if re.Recorder == nil {
		return nopRecorder{}
	}
	return re.Recorder
}
