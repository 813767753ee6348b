/*
Package report renders commission statements as XLSX workbooks.

WORKBOOK LAYOUT:
  Sheet "Entries":  one row per ledger entry, oldest first, with the
                    derived net amount, then a pending balance row
  Sheet "Payouts":  one row per payout, newest first

Amounts are written as numbers with a 2-decimal format so the sheet can be
summed. The pending balance row is computed by the ledger, not by a sheet
formula, so it always equals what the API reports.
*/
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/ledger"
	"github.com/xuri/excelize/v2"
)

const (
	entriesSheet = "Entries"
	payoutsSheet = "Payouts"
)

// Statement is everything shown for one professional.
type Statement struct {
	Professional   ledger.Professional
	Entries        []ledger.Entry
	Payouts        []ledger.Payout
	PendingBalance decimal.Decimal
	GeneratedAt    time.Time
}

// Build gathers a professional's statement. A professional missing from
// the directory still gets a statement under their id.
func Build(ctx context.Context, l *ledger.TransactionLedger, payouts *ledger.PayoutEngine, id ledger.ProfessionalID) (Statement, error) {
	st := Statement{Professional: ledger.Professional{ID: id, Name: string(id)}, GeneratedAt: time.Now().UTC()}

	if l.Directory != nil {
		p, err := l.Directory.GetProfessional(ctx, id)
		switch {
		case err == nil:
			st.Professional = p
		case errors.Is(err, ledger.ErrProfessionalNotFound):
		default:
			return Statement{}, fmt.Errorf("statement %s: %w", id, err)
		}
	}

	var err error
	if st.Entries, err = l.History(ctx, id); err != nil {
		return Statement{}, fmt.Errorf("statement %s: %w", id, err)
	}
	if st.Payouts, err = payouts.Payouts(ctx, id); err != nil {
		return Statement{}, fmt.Errorf("statement %s: %w", id, err)
	}
	st.PendingBalance = pendingOf(st.Entries)
	return st, nil
}

func pendingOf(entries []ledger.Entry) decimal.Decimal {
	var pending []ledger.Entry
	for _, e := range entries {
		if e.IsPending() {
			pending = append(pending, e)
		}
	}
	return ledger.SumNet(pending)
}

// FileName is the suggested download name.
func (s Statement) FileName() string {
	return fmt.Sprintf("statement_%s_%s.xlsx", s.Professional.ID, s.GeneratedAt.Format("20060102_150405"))
}

// WriteXLSX renders the workbook to w.
func (s Statement) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), entriesSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(payoutsSheet); err != nil {
		return err
	}

	money, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	if err := s.writeEntries(f, money, bold); err != nil {
		return fmt.Errorf("entries sheet: %w", err)
	}
	if err := s.writePayouts(f, money, bold); err != nil {
		return fmt.Errorf("payouts sheet: %w", err)
	}

	f.SetActiveSheet(0)
	return f.Write(w)
}

func (s Statement) writeEntries(f *excelize.File, money, bold int) error {
	title := []interface{}{"Professional", s.Professional.Name, "Generated", s.GeneratedAt.Format(time.RFC3339)}
	if err := f.SetSheetRow(entriesSheet, "A1", &title); err != nil {
		return err
	}

	header := []interface{}{
		"occurred_at", "entry_id", "kind", "label", "counterparty",
		"gross_amount", "commission_rate", "net_amount", "status", "settlement_ref",
	}
	if err := f.SetSheetRow(entriesSheet, "A3", &header); err != nil {
		return err
	}
	if err := f.SetCellStyle(entriesSheet, "A3", "J3", bold); err != nil {
		return err
	}

	row := 4
	for _, e := range s.Entries {
		ref := ""
		if e.SettlementRef != nil {
			ref = string(*e.SettlementRef)
		}
		values := []interface{}{
			e.OccurredAt.Format("2006-01-02 15:04"),
			string(e.ID),
			string(e.Kind),
			e.Label,
			e.CounterpartyLabel,
			e.GrossAmount.InexactFloat64(),
			e.CommissionRate.InexactFloat64(),
			e.NetAmount().Round(2).InexactFloat64(),
			string(e.Status),
			ref,
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(entriesSheet, cell, &values); err != nil {
			return err
		}
		row++
	}
	if row > 4 {
		if err := f.SetCellStyle(entriesSheet, "F4", fmt.Sprintf("F%d", row-1), money); err != nil {
			return err
		}
		if err := f.SetCellStyle(entriesSheet, "H4", fmt.Sprintf("H%d", row-1), money); err != nil {
			return err
		}
	}

	balanceRow := row + 1
	if err := f.SetCellValue(entriesSheet, fmt.Sprintf("G%d", balanceRow), "Pending balance"); err != nil {
		return err
	}
	cell := fmt.Sprintf("H%d", balanceRow)
	if err := f.SetCellValue(entriesSheet, cell, s.PendingBalance.Round(2).InexactFloat64()); err != nil {
		return err
	}
	return f.SetCellStyle(entriesSheet, fmt.Sprintf("G%d", balanceRow), cell, bold)
}

func (s Statement) writePayouts(f *excelize.File, money, bold int) error {
	header := []interface{}{"created_at", "payout_id", "funding_source", "entries", "amount"}
	if err := f.SetSheetRow(payoutsSheet, "A1", &header); err != nil {
		return err
	}
	if err := f.SetCellStyle(payoutsSheet, "A1", "E1", bold); err != nil {
		return err
	}

	for i, p := range s.Payouts {
		values := []interface{}{
			p.CreatedAt.Format("2006-01-02 15:04"),
			string(p.ID),
			string(p.FundingSource),
			p.EntryCount,
			p.Amount.InexactFloat64(),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(payoutsSheet, cell, &values); err != nil {
			return err
		}
	}
	if len(s.Payouts) > 0 {
		return f.SetCellStyle(payoutsSheet, "E2", fmt.Sprintf("E%d", len(s.Payouts)+1), money)
	}
	return nil
}
