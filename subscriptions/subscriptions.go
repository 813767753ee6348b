/*
Package subscriptions derives SaaS financial metrics from the subscription
and appointment logs.

READ MODEL:
  Subscriptions and appointments are owned by the provisioning and booking
  flows. This package only reads them, through ReadModel, and never writes.

METRICS (all recomputed on every call, nothing cached):

  MRR               sum(Amount) of active subscriptions
  CashForecast30d   sum(Amount) of active subscriptions renewing in [now, now+30d]
  ChurnRate         canceled since month start / active before month start * 100
  UsageComparison   completed visits in the lookback window, with vs without
                    a subscription
  AvgVisits         subscriber visits / active subscribers
  Delinquencies     subscriptions whose last payment failed or is past due
*/
package subscriptions

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ-MODEL TYPES
// =============================================================================

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
	PaymentPastDue PaymentStatus = "past_due"
)

// Delinquent reports whether the last payment attempt failed or is overdue.
func (p PaymentStatus) Delinquent() bool {
	return p == PaymentFailed || p == PaymentPastDue
}

// Subscription is a customer's recurring plan.
type Subscription struct {
	ID                string
	CustomerID        string
	PlanID            string
	Amount            decimal.Decimal
	Status            Status
	LastPaymentStatus PaymentStatus // empty when no payment was attempted yet
	NextRenewalAt     *time.Time
	CreatedAt         time.Time
	CanceledAt        *time.Time
}

// ActiveAt reports whether the subscription existed and was not canceled at t.
func (s Subscription) ActiveAt(t time.Time) bool {
	if !s.CreatedAt.Before(t) {
		return false
	}
	return s.CanceledAt == nil || !s.CanceledAt.Before(t)
}

type AppointmentStatus string

const (
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentCanceled  AppointmentStatus = "canceled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Appointment is one booked visit. SubscriptionID is empty for regular
// (pay-per-visit) customers.
type Appointment struct {
	ID             string
	Status         AppointmentStatus
	SubscriptionID string
	OccurredAt     time.Time
}

// ReadModel is the query side the aggregator depends on.
type ReadModel interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	// ListAppointments returns appointments with OccurredAt >= since.
	ListAppointments(ctx context.Context, since time.Time) ([]Appointment, error)
}

// =============================================================================
// DERIVED TYPES
// =============================================================================

// Delinquency is one subscription whose last payment failed or is past due.
type Delinquency struct {
	SubscriptionID string
	CustomerID     string
	PlanID         string
	Amount         decimal.Decimal
	PaymentStatus  PaymentStatus
	NextRenewalAt  *time.Time
}

// UsageComparison counts completed visits by customer type.
type UsageComparison struct {
	Subscriber int
	Regular    int
}

// Snapshot is one on-demand computation of every metric.
type Snapshot struct {
	ComputedAt             time.Time
	Lookback               time.Duration
	MRR                    decimal.Decimal
	CashForecast30d        decimal.Decimal
	ChurnRate              decimal.Decimal // percent
	UsageComparison        UsageComparison
	AvgVisitsPerSubscriber decimal.Decimal
	ActiveSubscribers      int
	Delinquencies          []Delinquency
}
