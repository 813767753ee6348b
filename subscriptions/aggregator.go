package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultLookback is the usage window when the caller does not pick one.
	DefaultLookback = 30 * 24 * time.Hour
	forecastWindow  = 30 * 24 * time.Hour
)

var hundred = decimal.NewFromInt(100)

// Aggregator computes Snapshots from a ReadModel.
type Aggregator struct {
	Source ReadModel
	Logger *slog.Logger
	Now    func() time.Time
	// Location decides where a calendar month starts. Defaults to UTC.
	Location *time.Location
}

func NewAggregator(source ReadModel) *Aggregator {
	return &Aggregator{
		Source:   source,
		Logger:   slog.Default(),
		Now:      time.Now,
		Location: time.UTC,
	}
}

// RecurringRevenue returns the current MRR.
func (a *Aggregator) RecurringRevenue(ctx context.Context) (decimal.Decimal, error) {
	subs, err := a.Source.ListSubscriptions(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recurring revenue: %w", err)
	}
	return mrr(subs), nil
}

// Compute derives every metric. lookback <= 0 selects DefaultLookback.
func (a *Aggregator) Compute(ctx context.Context, lookback time.Duration) (Snapshot, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	now := a.now()

	subs, err := a.Source.ListSubscriptions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("compute metrics: list subscriptions: %w", err)
	}
	appts, err := a.Source.ListAppointments(ctx, now.Add(-lookback))
	if err != nil {
		return Snapshot{}, fmt.Errorf("compute metrics: list appointments: %w", err)
	}

	snap := Snapshot{
		ComputedAt:      now,
		Lookback:        lookback,
		MRR:             mrr(subs),
		CashForecast30d: forecast(subs, now),
		ChurnRate:       churn(subs, monthStart(now, a.location())),
		UsageComparison: usage(appts, now.Add(-lookback)),
		Delinquencies:   delinquencies(subs),
	}
	for _, s := range subs {
		if s.Status == StatusActive {
			snap.ActiveSubscribers++
		}
	}
	if snap.ActiveSubscribers > 0 {
		snap.AvgVisitsPerSubscriber = decimal.NewFromInt(int64(snap.UsageComparison.Subscriber)).
			DivRound(decimal.NewFromInt(int64(snap.ActiveSubscribers)), 2)
	}

	a.logger().Debug("subscription metrics computed",
		"subscriptions", len(subs),
		"appointments", len(appts),
		"mrr", snap.MRR.StringFixed(2),
	)
	return snap, nil
}

// =============================================================================
// METRICS
// =============================================================================

func mrr(subs []Subscription) decimal.Decimal {
	total := decimal.Zero
	for _, s := range subs {
		if s.Status == StatusActive {
			total = total.Add(s.Amount)
		}
	}
	return total
}

func forecast(subs []Subscription, now time.Time) decimal.Decimal {
	until := now.Add(forecastWindow)
	total := decimal.Zero
	for _, s := range subs {
		if s.Status != StatusActive || s.NextRenewalAt == nil {
			continue
		}
		if s.NextRenewalAt.Before(now) || s.NextRenewalAt.After(until) {
			continue
		}
		total = total.Add(s.Amount)
	}
	return total
}

// churn counts cancellations since start against subscriptions that were
// active right before it.
func churn(subs []Subscription, start time.Time) decimal.Decimal {
	var canceled, base int64
	for _, s := range subs {
		if s.CanceledAt != nil && !s.CanceledAt.Before(start) {
			canceled++
		}
		if s.ActiveAt(start) {
			base++
		}
	}
	if base == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(canceled).Mul(hundred).DivRound(decimal.NewFromInt(base), 2)
}

func usage(appts []Appointment, since time.Time) UsageComparison {
	var u UsageComparison
	for _, ap := range appts {
		if ap.Status != AppointmentCompleted || ap.OccurredAt.Before(since) {
			continue
		}
		if ap.SubscriptionID != "" {
			u.Subscriber++
		} else {
			u.Regular++
		}
	}
	return u
}

func delinquencies(subs []Subscription) []Delinquency {
	result := []Delinquency{}
	for _, s := range subs {
		if !s.LastPaymentStatus.Delinquent() {
			continue
		}
		result = append(result, Delinquency{
			SubscriptionID: s.ID,
			CustomerID:     s.CustomerID,
			PlanID:         s.PlanID,
			Amount:         s.Amount,
			PaymentStatus:  s.LastPaymentStatus,
			NextRenewalAt:  s.NextRenewalAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SubscriptionID < result[j].SubscriptionID })
	return result
}

func monthStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

func (a *Aggregator) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

func (a *Aggregator) location() *time.Location {
	if a.Location == nil {
		return time.UTC
	}
	return a.Location
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
