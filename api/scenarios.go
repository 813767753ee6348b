/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	barbershop data. Each scenario creates professionals, ledger entries,
	payouts and subscription read-model rows that exercise specific
	features end to end through the same engines the API uses.

AVAILABLE SCENARIOS:

	busy-day:          Two barbers, services, product sales, a bonus and an
	                   employee purchase debit
	month-close:       A settled cash payout, new pending work, and one entry
	                   paid individually
	subscription-club: Active, canceled and delinquent subscriptions, visits,
	                   and a live 60/40 pot distribution

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create professionals
 3. Record entries through the TransactionLedger
 4. Optionally settle, mark paid, or distribute the pot
 5. Optionally fill the subscription read model

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "month-close"}

NOTE:

	Scenarios reset the store. Only mounted when scenarios are enabled in
	config (app.env=dev).

SEE ALSO:
  - handlers.go: Handler wiring
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/subscriptions"
)

// DemoStore is the extra write surface scenarios need.
type DemoStore interface {
	Reset(ctx context.Context) error
	SaveSubscription(ctx context.Context, sub subscriptions.Subscription) error
	SaveAppointment(ctx context.Context, a subscriptions.Appointment) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "busy-day",
		Name:        "Busy Day",
		Description: "Two barbers with services, product sales, a bonus and an employee purchase",
	},
	{
		ID:          "month-close",
		Name:        "Month Close",
		Description: "Settled cash payout, new pending work, one entry paid individually",
	},
	{
		ID:          "subscription-club",
		Name:        "Subscription Club",
		Description: "Subscriptions with churn and delinquency, visits, and a live pot distribution",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "busy-day":
		load = h.loadBusyDayScenario
	case "month-close":
		load = h.loadMonthCloseScenario
	case "subscription-club":
		load = h.loadSubscriptionClubScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.demo.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadBusyDayScenario: two barbers working the same day.
//
// rafa (40%): 2 cuts at 50.00, a pomade sale at 80.00 (10%), a 25.00 bonus
// and a -35.00 employee purchase -> pending 40 + 8 + 25 - 35 = 38.00
// duda (50%): 1 beard at 30.00 -> pending 15.00
func (h *Handler) loadBusyDayScenario(ctx context.Context) error {
	if err := h.saveBarbers(ctx); err != nil {
		return err
	}
	day := h.scenarioDay()

	entries := []ledger.EntryInput{
		{ProfessionalID: "rafa", Kind: ledger.KindService, GrossAmount: dec("50"), Label: "Corte", CounterpartyLabel: "Joao", OccurredAt: day.Add(9 * time.Hour)},
		{ProfessionalID: "rafa", Kind: ledger.KindService, GrossAmount: dec("50"), Label: "Corte", CounterpartyLabel: "Pedro", OccurredAt: day.Add(10 * time.Hour)},
		{ProfessionalID: "rafa", Kind: ledger.KindProductSale, GrossAmount: dec("80"), CommissionRate: rate("10"), Label: "Pomada", OccurredAt: day.Add(10*time.Hour + 30*time.Minute)},
		{ProfessionalID: "rafa", Kind: ledger.KindBonus, GrossAmount: dec("25"), Label: "Meta semanal", OccurredAt: day.Add(12 * time.Hour)},
		{ProfessionalID: "rafa", Kind: ledger.KindEmployeePurchase, GrossAmount: dec("-35"), Label: "Shampoo", OccurredAt: day.Add(13 * time.Hour)},
		{ProfessionalID: "duda", Kind: ledger.KindService, GrossAmount: dec("30"), Label: "Barba", CounterpartyLabel: "Lucas", OccurredAt: day.Add(11 * time.Hour)},
	}
	return h.recordAll(ctx, entries)
}

// loadMonthCloseScenario: last week settled in cash, this week pending.
//
// rafa: 3 cuts settled (60.00 payout), then 2 new cuts pending (40.00),
// then one of those paid by hand -> pending 20.00, payouts [-60.00]
func (h *Handler) loadMonthCloseScenario(ctx context.Context) error {
	if err := h.saveBarbers(ctx); err != nil {
		return err
	}
	day := h.scenarioDay()

	settled := []ledger.EntryInput{
		{ProfessionalID: "rafa", Kind: ledger.KindService, GrossAmount: dec("50"), Label: "Corte", OccurredAt: day.AddDate(0, 0, -8)},
		{ProfessionalID: "rafa", Kind: ledger.KindService, GrossAmount: dec("50"), Label: "Corte", OccurredAt: day.AddDate(0, 0, -7)},
		{ProfessionalID: "rafa", Kind: ledger.KindService, GrossAmount: dec("50"), Label: "Corte", OccurredAt: day.AddDate(0, 0, -6)},
	}
	if err := h.recordAll(ctx, settled); err != nil {
		return err
	}
	if _, err := h.Payouts.Settle(ctx, "rafa", ledger.FundingCash); err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	first, err := h.Ledger.RecordEntry(ctx, ledger.EntryInput{
		ProfessionalID: "rafa", Kind: ledger.KindService, GrossAmount: dec("50"), Label: "Corte", OccurredAt: day.AddDate(0, 0, -1),
	})
	if err != nil {
		return err
	}
	if _, err := h.Ledger.RecordEntry(ctx, ledger.EntryInput{
		ProfessionalID: "rafa", Kind: ledger.KindService, GrossAmount: dec("50"), Label: "Corte", OccurredAt: day,
	}); err != nil {
		return err
	}
	return h.Ledger.MarkPaidIndividually(ctx, first)
}

// loadSubscriptionClubScenario: a small subscription club this month.
//
// 4 plans at 70.00, 70.00, 85.00 and 99.90 active (MRR 324.90), one
// canceled this month, one past due. 5 subscriber visits and 3 regular
// visits in the last 30 days. rafa receives 40% of the live MRR.
func (h *Handler) loadSubscriptionClubScenario(ctx context.Context) error {
	if err := h.saveBarbers(ctx); err != nil {
		return err
	}
	now := h.Aggregator.Now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	renewal := func(days int) *time.Time {
		t := now.AddDate(0, 0, days)
		return &t
	}
	canceledAt := now.Add(-time.Hour)
	if canceledAt.Before(monthStart) {
		canceledAt = monthStart
	}

	subs := []subscriptions.Subscription{
		{ID: "sub-1", CustomerID: "joao", PlanID: "corte-mensal", Amount: dec("70"), Status: subscriptions.StatusActive,
			LastPaymentStatus: subscriptions.PaymentPaid, NextRenewalAt: renewal(5), CreatedAt: monthStart.AddDate(0, -3, 0)},
		{ID: "sub-2", CustomerID: "pedro", PlanID: "corte-mensal", Amount: dec("70"), Status: subscriptions.StatusActive,
			LastPaymentStatus: subscriptions.PaymentPaid, NextRenewalAt: renewal(12), CreatedAt: monthStart.AddDate(0, -2, 0)},
		{ID: "sub-3", CustomerID: "lucas", PlanID: "corte-barba", Amount: dec("85"), Status: subscriptions.StatusActive,
			LastPaymentStatus: subscriptions.PaymentPaid, NextRenewalAt: renewal(40), CreatedAt: monthStart.AddDate(0, -1, 0)},
		{ID: "sub-4", CustomerID: "tiago", PlanID: "vip", Amount: dec("99.90"), Status: subscriptions.StatusActive,
			LastPaymentStatus: subscriptions.PaymentPastDue, NextRenewalAt: renewal(-2), CreatedAt: monthStart.AddDate(0, -4, 0)},
		{ID: "sub-5", CustomerID: "bruno", PlanID: "corte-mensal", Amount: dec("70"), Status: subscriptions.StatusCanceled,
			LastPaymentStatus: subscriptions.PaymentFailed, CreatedAt: monthStart.AddDate(0, -5, 0), CanceledAt: &canceledAt},
	}
	for _, sub := range subs {
		if err := h.demo.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("save subscription %s: %w", sub.ID, err)
		}
	}

	visits := []subscriptions.Appointment{
		{ID: "apt-1", Status: subscriptions.AppointmentCompleted, SubscriptionID: "sub-1", OccurredAt: now.AddDate(0, 0, -20)},
		{ID: "apt-2", Status: subscriptions.AppointmentCompleted, SubscriptionID: "sub-1", OccurredAt: now.AddDate(0, 0, -6)},
		{ID: "apt-3", Status: subscriptions.AppointmentCompleted, SubscriptionID: "sub-2", OccurredAt: now.AddDate(0, 0, -10)},
		{ID: "apt-4", Status: subscriptions.AppointmentCompleted, SubscriptionID: "sub-3", OccurredAt: now.AddDate(0, 0, -3)},
		{ID: "apt-5", Status: subscriptions.AppointmentCompleted, SubscriptionID: "sub-4", OccurredAt: now.AddDate(0, 0, -1)},
		{ID: "apt-6", Status: subscriptions.AppointmentCompleted, OccurredAt: now.AddDate(0, 0, -15)},
		{ID: "apt-7", Status: subscriptions.AppointmentCompleted, OccurredAt: now.AddDate(0, 0, -4)},
		{ID: "apt-8", Status: subscriptions.AppointmentCompleted, OccurredAt: now.AddDate(0, 0, -2)},
		{ID: "apt-9", Status: subscriptions.AppointmentNoShow, SubscriptionID: "sub-2", OccurredAt: now.AddDate(0, 0, -2)},
		{ID: "apt-10", Status: subscriptions.AppointmentScheduled, SubscriptionID: "sub-3", OccurredAt: now.AddDate(0, 0, 3)},
	}
	for _, a := range visits {
		if err := h.demo.SaveAppointment(ctx, a); err != nil {
			return fmt.Errorf("save appointment %s: %w", a.ID, err)
		}
	}

	_, err := h.Pot.Distribute(ctx, ledger.PotRequest{
		ProfessionalID: "rafa",
		Split:          ledger.Split{ShopPercent: dec("60"), ProPercent: dec("40")},
		Label:          "Clube de assinatura",
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) saveBarbers(ctx context.Context) error {
	barbers := []ledger.Professional{
		{ID: "rafa", Name: "Rafa", Role: "barber", DefaultCommissionRate: dec("40"), Status: ledger.ProfessionalActive},
		{ID: "duda", Name: "Duda", Role: "barber", DefaultCommissionRate: dec("50"), Status: ledger.ProfessionalActive},
	}
	for _, p := range barbers {
		if err := h.Backend.SaveProfessional(ctx, p); err != nil {
			return fmt.Errorf("save professional %s: %w", p.ID, err)
		}
	}
	return nil
}

func (h *Handler) recordAll(ctx context.Context, entries []ledger.EntryInput) error {
	for _, in := range entries {
		if _, err := h.Ledger.RecordEntry(ctx, in); err != nil {
			return fmt.Errorf("record %s %s: %w", in.ProfessionalID, in.Label, err)
		}
	}
	return nil
}

// scenarioDay is midnight UTC of the current day.
func (h *Handler) scenarioDay() time.Time {
	now := h.Aggregator.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rate(s string) *decimal.Decimal {
	r := dec(s)
	return &r
}
