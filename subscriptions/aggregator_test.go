package subscriptions_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/subscriptions"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type readModel struct {
	subs  []subscriptions.Subscription
	appts []subscriptions.Appointment
	err   error
	since time.Time
}

func (r *readModel) ListSubscriptions(context.Context) ([]subscriptions.Subscription, error) {
	return r.subs, r.err
}

func (r *readModel) ListAppointments(_ context.Context, since time.Time) ([]subscriptions.Appointment, error) {
	r.since = since
	var out []subscriptions.Appointment
	for _, a := range r.appts {
		if !a.OccurredAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, r.err
}

var now = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(month time.Month, dd int) time.Time {
	return time.Date(2025, month, dd, 9, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func aggregator(rm *readModel) *subscriptions.Aggregator {
	a := subscriptions.NewAggregator(rm)
	a.Now = func() time.Time { return now }
	return a
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

// =============================================================================
// TESTS
// =============================================================================

func TestCompute_MRRAndChurn(t *testing.T) {
	// GIVEN: Two active subscriptions created this month (90 + 50) and one
	//        that was active before this month and was canceled this month
	// THEN: MRR = 140.00, churn = 100%

	rm := &readModel{subs: []subscriptions.Subscription{
		{ID: "s1", Amount: d("90.00"), Status: subscriptions.StatusActive, CreatedAt: day(time.March, 2)},
		{ID: "s2", Amount: d("50.00"), Status: subscriptions.StatusActive, CreatedAt: day(time.March, 5)},
		{ID: "s3", Amount: d("70.00"), Status: subscriptions.StatusCanceled, CreatedAt: day(time.February, 1), CanceledAt: ptr(day(time.March, 10))},
	}}

	snap, err := aggregator(rm).Compute(context.Background(), 0)
	require.NoError(t, err)

	requireDecimal(t, "140.00", snap.MRR)
	requireDecimal(t, "100", snap.ChurnRate)
	assert.Equal(t, 2, snap.ActiveSubscribers)
	assert.Equal(t, subscriptions.DefaultLookback, snap.Lookback)
}

func TestCompute_ChurnIgnoresOlderCancellations(t *testing.T) {
	rm := &readModel{subs: []subscriptions.Subscription{
		{ID: "s1", Amount: d("10"), Status: subscriptions.StatusActive, CreatedAt: day(time.January, 1)},
		{ID: "s2", Amount: d("10"), Status: subscriptions.StatusActive, CreatedAt: day(time.January, 1)},
		{ID: "s3", Amount: d("10"), Status: subscriptions.StatusActive, CreatedAt: day(time.January, 1)},
		{ID: "s4", Amount: d("10"), Status: subscriptions.StatusCanceled, CreatedAt: day(time.January, 1), CanceledAt: ptr(day(time.March, 1))},
		{ID: "s5", Amount: d("10"), Status: subscriptions.StatusCanceled, CreatedAt: day(time.January, 1), CanceledAt: ptr(day(time.February, 20))},
	}}

	snap, err := aggregator(rm).Compute(context.Background(), 0)
	require.NoError(t, err)
	requireDecimal(t, "25", snap.ChurnRate)
}

func TestCompute_ChurnZeroWithoutBase(t *testing.T) {
	rm := &readModel{subs: []subscriptions.Subscription{
		{ID: "s1", Amount: d("10"), Status: subscriptions.StatusActive, CreatedAt: day(time.March, 3)},
	}}

	snap, err := aggregator(rm).Compute(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, snap.ChurnRate.IsZero())
	assert.True(t, snap.AvgVisitsPerSubscriber.IsZero())
}

func TestCompute_CashForecastNext30Days(t *testing.T) {
	rm := &readModel{subs: []subscriptions.Subscription{
		{ID: "in", Amount: d("90"), Status: subscriptions.StatusActive, NextRenewalAt: ptr(day(time.March, 20))},
		{ID: "edge", Amount: d("15"), Status: subscriptions.StatusActive, NextRenewalAt: ptr(now.Add(30 * 24 * time.Hour))},
		{ID: "late", Amount: d("50"), Status: subscriptions.StatusActive, NextRenewalAt: ptr(day(time.May, 1))},
		{ID: "past", Amount: d("40"), Status: subscriptions.StatusActive, NextRenewalAt: ptr(day(time.March, 1))},
		{ID: "due", Amount: d("70"), Status: subscriptions.StatusPastDue, NextRenewalAt: ptr(day(time.March, 20))},
		{ID: "none", Amount: d("30"), Status: subscriptions.StatusActive},
	}}

	snap, err := aggregator(rm).Compute(context.Background(), 0)
	require.NoError(t, err)
	requireDecimal(t, "105", snap.CashForecast30d)
	requireDecimal(t, "225", snap.MRR)
}

func TestCompute_UsageAndAverageVisits(t *testing.T) {
	// GIVEN: 2 active subscribers, 3 completed subscriber visits in the
	//        window, 2 completed regular visits, and noise outside it
	// THEN: 3 vs 2 and 1.5 visits per subscriber

	rm := &readModel{
		subs: []subscriptions.Subscription{
			{ID: "s1", Amount: d("90"), Status: subscriptions.StatusActive},
			{ID: "s2", Amount: d("50"), Status: subscriptions.StatusActive},
		},
		appts: []subscriptions.Appointment{
			{ID: "a1", Status: subscriptions.AppointmentCompleted, SubscriptionID: "s1", OccurredAt: day(time.March, 1)},
			{ID: "a2", Status: subscriptions.AppointmentCompleted, SubscriptionID: "s1", OccurredAt: day(time.March, 8)},
			{ID: "a3", Status: subscriptions.AppointmentCompleted, SubscriptionID: "s2", OccurredAt: day(time.March, 9)},
			{ID: "a4", Status: subscriptions.AppointmentCompleted, OccurredAt: day(time.March, 9)},
			{ID: "a5", Status: subscriptions.AppointmentCompleted, OccurredAt: day(time.March, 10)},
			{ID: "a6", Status: subscriptions.AppointmentNoShow, SubscriptionID: "s2", OccurredAt: day(time.March, 11)},
			{ID: "a7", Status: subscriptions.AppointmentScheduled, OccurredAt: day(time.March, 20)},
			{ID: "old", Status: subscriptions.AppointmentCompleted, SubscriptionID: "s1", OccurredAt: day(time.January, 2)},
		},
	}

	snap, err := aggregator(rm).Compute(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, subscriptions.UsageComparison{Subscriber: 3, Regular: 2}, snap.UsageComparison)
	requireDecimal(t, "1.5", snap.AvgVisitsPerSubscriber)
	assert.Equal(t, now.Add(-30*24*time.Hour), rm.since)
}

func TestCompute_LookbackNarrowsUsage(t *testing.T) {
	rm := &readModel{
		subs: []subscriptions.Subscription{{ID: "s1", Amount: d("90"), Status: subscriptions.StatusActive}},
		appts: []subscriptions.Appointment{
			{ID: "a1", Status: subscriptions.AppointmentCompleted, SubscriptionID: "s1", OccurredAt: day(time.March, 1)},
			{ID: "a2", Status: subscriptions.AppointmentCompleted, SubscriptionID: "s1", OccurredAt: day(time.March, 14)},
		},
	}

	snap, err := aggregator(rm).Compute(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.UsageComparison.Subscriber)
}

func TestCompute_Delinquencies(t *testing.T) {
	rm := &readModel{subs: []subscriptions.Subscription{
		{ID: "s3", CustomerID: "c3", Amount: d("70"), Status: subscriptions.StatusPastDue, LastPaymentStatus: subscriptions.PaymentPastDue},
		{ID: "s1", CustomerID: "c1", Amount: d("90"), Status: subscriptions.StatusActive, LastPaymentStatus: subscriptions.PaymentFailed},
		{ID: "s2", CustomerID: "c2", Amount: d("50"), Status: subscriptions.StatusActive, LastPaymentStatus: subscriptions.PaymentPaid},
		{ID: "s4", CustomerID: "c4", Amount: d("50"), Status: subscriptions.StatusActive},
	}}

	snap, err := aggregator(rm).Compute(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, snap.Delinquencies, 2)
	assert.Equal(t, "s1", snap.Delinquencies[0].SubscriptionID)
	assert.Equal(t, subscriptions.PaymentFailed, snap.Delinquencies[0].PaymentStatus)
	assert.Equal(t, "s3", snap.Delinquencies[1].SubscriptionID)
	assert.Equal(t, "c3", snap.Delinquencies[1].CustomerID)
}

func TestCompute_EmptyReadModel(t *testing.T) {
	snap, err := aggregator(&readModel{}).Compute(context.Background(), 0)
	require.NoError(t, err)

	assert.True(t, snap.MRR.IsZero())
	assert.True(t, snap.CashForecast30d.IsZero())
	assert.NotNil(t, snap.Delinquencies)
	assert.Empty(t, snap.Delinquencies)
}

func TestCompute_SourceFailure(t *testing.T) {
	boom := errors.New("read model offline")
	_, err := aggregator(&readModel{err: boom}).Compute(context.Background(), 0)
	assert.ErrorIs(t, err, boom)

	_, err = aggregator(&readModel{err: boom}).RecurringRevenue(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRecurringRevenue_MatchesMRR(t *testing.T) {
	rm := &readModel{subs: []subscriptions.Subscription{
		{ID: "s1", Amount: d("90.00"), Status: subscriptions.StatusActive},
		{ID: "s2", Amount: d("50.00"), Status: subscriptions.StatusPastDue},
	}}

	got, err := aggregator(rm).RecurringRevenue(context.Background())
	require.NoError(t, err)
	requireDecimal(t, "90.00", got)
}

func TestSubscription_ActiveAt(t *testing.T) {
	start := day(time.March, 1)
	s := subscriptions.Subscription{CreatedAt: day(time.February, 1)}
	assert.True(t, s.ActiveAt(start))

	s.CanceledAt = ptr(day(time.February, 20))
	assert.False(t, s.ActiveAt(start))

	s = subscriptions.Subscription{CreatedAt: day(time.March, 2)}
	assert.False(t, s.ActiveAt(start))
}
