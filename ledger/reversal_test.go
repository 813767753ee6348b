package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/ledger"
)

func TestUndo_RoundTripRestoresBalance(t *testing.T) {
	// GIVEN: Mixed credits and a debit
	// WHEN: settle then undo
	// THEN: Balance and every entry are back to their pre-settle state

	f := newFixture(t)
	ctx := context.Background()

	ids := []ledger.EntryID{
		f.service(t, "pro-1", "120", 1),
		f.service(t, "pro-1", "35.50", 2),
		f.record(t, ledger.EntryInput{ProfessionalID: "pro-1", Kind: ledger.KindEmployeePurchase, GrossAmount: d("-12")}),
	}
	before := f.balance(t, "pro-1")

	summary, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingBank)
	require.NoError(t, err)
	requireDecimal(t, "0", f.balance(t, "pro-1"))

	result, err := f.reversal.Undo(ctx, summary.Payout.ID)
	require.NoError(t, err)
	assert.True(t, result.PayoutFound)
	assert.ElementsMatch(t, ids, result.Reverted)

	requireDecimal(t, before.String(), f.balance(t, "pro-1"))
	for _, id := range ids {
		e := f.entry(t, id)
		assert.Equal(t, ledger.StatusPending, e.Status)
		assert.Nil(t, e.SettlementRef)
	}

	_, err = f.store.GetPayout(ctx, summary.Payout.ID)
	assert.ErrorIs(t, err, ledger.ErrPayoutNotFound)
}

func TestUndo_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service(t, "pro-1", "100", 1)
	summary, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingBank)
	require.NoError(t, err)

	_, err = f.reversal.Undo(ctx, summary.Payout.ID)
	require.NoError(t, err)
	afterFirst := f.balance(t, "pro-1")

	second, err := f.reversal.Undo(ctx, summary.Payout.ID)
	require.NoError(t, err, "second undo is a no-op, not an error")
	assert.False(t, second.PayoutFound)
	assert.Empty(t, second.Reverted)
	requireDecimal(t, afterFirst.String(), f.balance(t, "pro-1"))
}

func TestUndo_ReversedEntriesCanBeSettledAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service(t, "pro-1", "100", 1)
	first, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingBank)
	require.NoError(t, err)
	_, err = f.reversal.Undo(ctx, first.Payout.ID)
	require.NoError(t, err)

	second, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingCash)
	require.NoError(t, err)
	assert.NotEqual(t, first.Payout.ID, second.Payout.ID)
	requireDecimal(t, "-40", second.Payout.Amount)
}

func TestUndo_PartialFailureReportsUnrevertedAndIsRerunnable(t *testing.T) {
	// GIVEN: A payout of three entries; releasing one of them fails
	// THEN: The other two are reverted, the failing one is reported,
	//       and a re-run after the fault clears finishes the job

	f := newFixture(t)
	ctx := context.Background()

	a := f.service(t, "pro-1", "100", 1)
	b := f.service(t, "pro-1", "100", 2)
	c := f.service(t, "pro-1", "100", 3)
	summary, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingCash)
	require.NoError(t, err)

	f.store.setReleaseFailure(b, errStoreDown)
	result, err := f.reversal.Undo(ctx, summary.Payout.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPartialWrite)

	var pf *ledger.PartialFailureError
	require.True(t, errors.As(err, &pf))
	assert.Equal(t, []ledger.EntryID{b}, pf.Unreverted)
	assert.ElementsMatch(t, []ledger.EntryID{a, c}, pf.Reverted)
	assert.ErrorIs(t, pf.Causes[b], errStoreDown)
	assert.ElementsMatch(t, []ledger.EntryID{a, c}, result.Reverted)

	assert.Equal(t, ledger.StatusPending, f.entry(t, a).Status)
	assert.Equal(t, ledger.StatusPaid, f.entry(t, b).Status)
	assert.Equal(t, ledger.StatusPending, f.entry(t, c).Status)

	// The orphan is visible to the audit.
	issues, err := f.payouts.Audit(ctx, "pro-1")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Missing)
	assert.Equal(t, []ledger.EntryID{b}, issues[0].EntryIDs)

	// The payout is gone, so the drawer was refreshed even though one entry
	// is still paid.
	assert.Equal(t, []ledger.PayoutID{summary.Payout.ID, summary.Payout.ID}, f.drawer.calls())

	f.store.setReleaseFailure(b, nil)
	rerun, err := f.reversal.Undo(ctx, summary.Payout.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{b}, rerun.Reverted)
	requireDecimal(t, "120", f.balance(t, "pro-1"))

	// The re-run finds no payout and does not refresh again.
	assert.Len(t, f.drawer.calls(), 2)
}

func TestUndo_CashPayoutRefreshesDrawer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service(t, "pro-1", "100", 1)
	summary, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingCash)
	require.NoError(t, err)

	_, err = f.reversal.Undo(ctx, summary.Payout.ID)
	require.NoError(t, err)
	assert.Equal(t, []ledger.PayoutID{summary.Payout.ID, summary.Payout.ID}, f.drawer.calls())
}

func TestUndo_DeleteFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service(t, "pro-1", "100", 1)
	summary, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingCash)
	require.NoError(t, err)

	f.store.failDelete = errStoreDown
	_, err = f.reversal.Undo(ctx, summary.Payout.ID)
	assert.ErrorIs(t, err, errStoreDown)
	assert.NotErrorIs(t, err, ledger.ErrPartialWrite)
	assert.Len(t, f.drawer.calls(), 1, "only the settlement refreshed the drawer")

	rec, err := f.payouts.Verify(ctx, summary.Payout.ID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent())
}

func TestUndo_RejectsManualRefsAndEmptyIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reversal.Undo(ctx, "")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = f.reversal.Undo(ctx, ledger.ManualSettlementRef("e-1"))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestUndo_OnlyTouchesItsOwnEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.service(t, "pro-1", "100", 1)
	other := f.service(t, "pro-2", "100", 1)
	p1, err := f.payouts.Settle(ctx, "pro-1", ledger.FundingBank)
	require.NoError(t, err)
	_, err = f.payouts.Settle(ctx, "pro-2", ledger.FundingBank)
	require.NoError(t, err)

	_, err = f.reversal.Undo(ctx, p1.Payout.ID)
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusPaid, f.entry(t, other).Status)
	requireDecimal(t, "0", f.balance(t, "pro-2"))
}
