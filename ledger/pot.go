/*
pot.go - RevenuePotDistributor: share subscription revenue with a professional

PURPOSE:
  Splits a pot of recurring subscription revenue between the house and one
  professional and originates a single SUBSCRIPTION_PAYOUT entry for the
  professional's share. The entry then lives through the ordinary
  pending / settle / reverse lifecycle; the distributor keeps no state.

EXAMPLE:
  pot 1000.00, shop 60 / pro 40
    proShare  = 1000.00 * 40 / 100 = 400.00
    shopShare = 600.00
    entry     = {Kind: SUBSCRIPTION_PAYOUT, Gross: 400.00, Rate: 100}  -> net 400.00

POT TOTAL:
  Override (manually typed amount) wins. Otherwise the live recurring
  revenue is read from the RevenueSource, normally the subscription
  metrics aggregator.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RevenueSource supplies the live recurring revenue figure.
type RevenueSource interface {
	RecurringRevenue(ctx context.Context) (decimal.Decimal, error)
}

// Split is a shop/professional percentage pair that must sum to 100.
type Split struct {
	ShopPercent decimal.Decimal
	ProPercent  decimal.Decimal
}

func (s Split) Validate() error {
	if err := checkBounds("shop_percent", s.ShopPercent); err != nil {
		return err
	}
	if err := checkBounds("pro_percent", s.ProPercent); err != nil {
		return err
	}
	if s.ShopPercent.IsNegative() || s.ShopPercent.GreaterThan(hundred) {
		return invalid("shop_percent", "must be between 0 and 100")
	}
	if s.ProPercent.IsNegative() || s.ProPercent.GreaterThan(hundred) {
		return invalid("pro_percent", "must be between 0 and 100")
	}
	if !s.ShopPercent.Add(s.ProPercent).Equal(hundred) {
		return invalid("split", fmt.Sprintf("shop %s + pro %s must equal 100", s.ShopPercent, s.ProPercent))
	}
	return nil
}

// PotRequest describes one distribution.
type PotRequest struct {
	ProfessionalID ProfessionalID
	Split          Split
	Override       *decimal.Decimal // manual pot total; nil = live revenue
	Label          string
	OccurredAt     time.Time
}

// Distribution is the computed split plus the originated entry.
type Distribution struct {
	Total     decimal.Decimal
	ShopShare decimal.Decimal
	ProShare  decimal.Decimal
	EntryID   EntryID
	Live      bool // total came from the RevenueSource
}

// PotDistributor originates subscription-pot entries.
type PotDistributor struct {
	Ledger  *TransactionLedger
	Revenue RevenueSource
}

func NewPotDistributor(l *TransactionLedger, revenue RevenueSource) *PotDistributor {
	return &PotDistributor{Ledger: l, Revenue: revenue}
}

// Split computes shares without recording anything.
func (d *PotDistributor) Split(total decimal.Decimal, split Split) (shop, pro decimal.Decimal, err error) {
	if err := split.Validate(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := checkBounds("total_amount", total); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if total.IsNegative() {
		return decimal.Zero, decimal.Zero, invalid("total_amount", "must not be negative")
	}
	pro = total.Mul(split.ProPercent).Div(hundred).Round(maxScale)
	return total.Sub(pro), pro, nil
}

// Distribute computes the split and records the professional's share.
func (d *PotDistributor) Distribute(ctx context.Context, req PotRequest) (Distribution, error) {
	if err := req.Split.Validate(); err != nil {
		return Distribution{}, err
	}

	var (
		total decimal.Decimal
		live  bool
	)
	switch {
	case req.Override != nil:
		total = *req.Override
	case d.Revenue != nil:
		var err error
		total, err = d.Revenue.RecurringRevenue(ctx)
		if err != nil {
			return Distribution{}, fmt.Errorf("distribute pot: read recurring revenue: %w", err)
		}
		live = true
	default:
		return Distribution{}, invalid("total_amount", "required when no revenue source is configured")
	}

	shop, pro, err := d.Split(total, req.Split)
	if err != nil {
		return Distribution{}, err
	}
	if !pro.IsPositive() {
		return Distribution{}, invalid("pro_share", fmt.Sprintf("is %s, nothing to distribute", pro.StringFixed(2)))
	}

	label := req.Label
	if label == "" {
		label = fmt.Sprintf("Subscription pot %s%%", req.Split.ProPercent.String())
	}
	rate := hundred
	id, err := d.Ledger.RecordEntry(ctx, EntryInput{
		ProfessionalID: req.ProfessionalID,
		Kind:           KindSubscriptionPayout,
		GrossAmount:    pro,
		CommissionRate: &rate,
		OccurredAt:     req.OccurredAt,
		Label:          label,
	})
	if err != nil {
		return Distribution{}, err
	}

	return Distribution{Total: total, ShopShare: shop, ProShare: pro, EntryID: id, Live: live}, nil
}
