package report_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/store"
	"github.com/warp/commission-engine/report"
	"github.com/xuri/excelize/v2"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStatement_WorkbookContents(t *testing.T) {
	// GIVEN: One settled entry and one pending entry
	// THEN: Both appear on the entries sheet, the payout on the payouts
	//       sheet, and the balance row equals the pending balance

	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.SaveProfessional(context.Background(), ledger.Professional{ID: "pro-1", Name: "Rafa", DefaultCommissionRate: d("40")}))
	l := ledger.NewTransactionLedger(s, s)
	payouts := ledger.NewPayoutEngine(s, nil)

	_, err := l.RecordEntry(ctx, ledger.EntryInput{ProfessionalID: "pro-1", Kind: ledger.KindService, GrossAmount: d("100"), Label: "Corte",
		OccurredAt: time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	_, err = payouts.Settle(ctx, "pro-1", ledger.FundingCash)
	require.NoError(t, err)
	_, err = l.RecordEntry(ctx, ledger.EntryInput{ProfessionalID: "pro-1", Kind: ledger.KindService, GrossAmount: d("50"), Label: "Barba",
		OccurredAt: time.Date(2025, time.March, 2, 10, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	st, err := report.Build(ctx, l, payouts, "pro-1")
	require.NoError(t, err)
	assert.Equal(t, "Rafa", st.Professional.Name)
	assert.Len(t, st.Entries, 2)
	assert.Len(t, st.Payouts, 1)
	assert.True(t, st.PendingBalance.Equal(d("20")))

	var buf bytes.Buffer
	require.NoError(t, st.WriteXLSX(&buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Entries", "Payouts"}, f.GetSheetList())

	name, err := f.GetCellValue("Entries", "B1")
	require.NoError(t, err)
	assert.Equal(t, "Rafa", name)

	rows, err := f.GetRows("Entries")
	require.NoError(t, err)
	// title, blank, header, two entries, blank, balance
	require.Len(t, rows, 7)
	assert.Equal(t, "Corte", rows[3][3])
	assert.Equal(t, "PAID", rows[3][8])
	assert.Equal(t, "Barba", rows[4][3])
	assert.Equal(t, "PENDING", rows[4][8])

	balance, err := f.GetCellValue("Entries", "H7", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	assert.Equal(t, "20", balance)

	payoutRows, err := f.GetRows("Payouts")
	require.NoError(t, err)
	require.Len(t, payoutRows, 2)
	assert.Equal(t, "cash", payoutRows[1][2])
}

func TestBuild_UnknownProfessionalUsesID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	l := ledger.NewTransactionLedger(s, s)

	st, err := report.Build(ctx, l, ledger.NewPayoutEngine(s, nil), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", st.Professional.Name)
	assert.Empty(t, st.Entries)
	assert.True(t, st.PendingBalance.IsZero())
	assert.Contains(t, st.FileName(), "statement_ghost_")

	var buf bytes.Buffer
	require.NoError(t, st.WriteXLSX(&buf))
	assert.NotZero(t, buf.Len())
}
