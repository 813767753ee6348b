/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Every amount and rate crosses the wire as a decimal string ("40.00",
  "-35.5") so no client ever sees a binary float. Requests accept the
  same format.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required, oneof). Domain rules (split sums to 100, debit sign, rate
  range) stay in the ledger package and come back as ledger.ErrValidation.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/subscriptions"
)

// =============================================================================
// PROFESSIONALS
// =============================================================================

// ProfessionalDTO represents a directory record in API responses.
type ProfessionalDTO struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Role                  string `json:"role,omitempty"`
	DefaultCommissionRate string `json:"default_commission_rate"`
	Status                string `json:"status"`
}

// SaveProfessionalRequest is the body of PUT /api/professionals/{id}.
type SaveProfessionalRequest struct {
	Name                  string `json:"name" validate:"required"`
	Role                  string `json:"role"`
	DefaultCommissionRate string `json:"default_commission_rate" validate:"required,decimal"`
	Status                string `json:"status" validate:"omitempty,oneof=ACTIVE VACATION"`
}

// BalanceDTO is the pending balance of one professional.
type BalanceDTO struct {
	ProfessionalID string `json:"professional_id"`
	PendingBalance string `json:"pending_balance"`
	PendingEntries int    `json:"pending_entries"`
}

// =============================================================================
// ENTRIES
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID                string `json:"id"`
	ProfessionalID    string `json:"professional_id"`
	Kind              string `json:"kind"`
	GrossAmount       string `json:"gross_amount"`
	CommissionRate    string `json:"commission_rate"`
	NetAmount         string `json:"net_amount"`
	Status            string `json:"status"`
	SettlementRef     string `json:"settlement_ref,omitempty"`
	OccurredAt        string `json:"occurred_at"`
	Label             string `json:"label,omitempty"`
	CounterpartyLabel string `json:"counterparty_label,omitempty"`
	CreatedAt         string `json:"created_at"`
}

// RecordEntryRequest is the body of POST /api/entries. An empty
// commission_rate selects the default for the kind.
type RecordEntryRequest struct {
	ProfessionalID    string `json:"professional_id" validate:"required"`
	Kind              string `json:"kind" validate:"required,oneof=SERVICE PRODUCT_SALE BONUS EMPLOYEE_PURCHASE SUBSCRIPTION_PAYOUT OTHER"`
	GrossAmount       string `json:"gross_amount" validate:"required,decimal"`
	CommissionRate    string `json:"commission_rate" validate:"omitempty,decimal"`
	OccurredAt        string `json:"occurred_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Label             string `json:"label"`
	CounterpartyLabel string `json:"counterparty_label"`
}

// RecordEntryResponse acknowledges a new entry.
type RecordEntryResponse struct {
	EntryID string `json:"entry_id"`
}

// AdjustRateRequest is the body of PUT /api/entries/{id}/rate.
type AdjustRateRequest struct {
	CommissionRate string `json:"commission_rate" validate:"required,decimal"`
}

// =============================================================================
// PAYOUTS
// =============================================================================

// SettleRequest is the body of POST /api/professionals/{id}/settle.
type SettleRequest struct {
	FundingSource string `json:"funding_source" validate:"required,oneof=cash bank"`
}

// PayoutDTO represents a payout in API responses.
type PayoutDTO struct {
	ID             string `json:"id"`
	ProfessionalID string `json:"professional_id"`
	Amount         string `json:"amount"`
	FundingSource  string `json:"funding_source"`
	EntryCount     int    `json:"entry_count"`
	CreatedAt      string `json:"created_at"`
}

// SettleResponse is returned after a successful settlement.
type SettleResponse struct {
	Payout   PayoutDTO `json:"payout"`
	EntryIDs []string  `json:"entry_ids"`
}

// UndoResponse acknowledges a reversal. PayoutFound is false when the
// payout was already gone and this call only finished releasing entries.
type UndoResponse struct {
	PayoutID    string   `json:"payout_id"`
	Reverted    []string `json:"reverted"`
	PayoutFound bool     `json:"payout_found"`
}

// PartialFailureResponse reports an undo that left entries PAID. Sent with
// 207 Multi-Status; repeating the undo is safe.
type PartialFailureResponse struct {
	PayoutID   string   `json:"payout_id"`
	Reverted   []string `json:"reverted"`
	Unreverted []string `json:"unreverted"`
}

// ReconciliationDTO compares a payout with the entries referencing it.
type ReconciliationDTO struct {
	PayoutID       string   `json:"payout_id"`
	ProfessionalID string   `json:"professional_id"`
	PayoutAmount   string   `json:"payout_amount"`
	EntriesNet     string   `json:"entries_net"`
	Difference     string   `json:"difference"`
	EntryIDs       []string `json:"entry_ids"`
	Missing        bool     `json:"missing"`
	Consistent     bool     `json:"consistent"`
}

// =============================================================================
// REVENUE POT
// =============================================================================

// DistributePotRequest is the body of POST /api/pot/distribute. Without
// total_amount the live recurring revenue is used.
type DistributePotRequest struct {
	ProfessionalID string `json:"professional_id" validate:"required"`
	ShopPercent    string `json:"shop_percent" validate:"required,decimal"`
	ProPercent     string `json:"pro_percent" validate:"required,decimal"`
	TotalAmount    string `json:"total_amount" validate:"omitempty,decimal"`
	Label          string `json:"label"`
}

// DistributionDTO is the computed split plus the originated entry.
type DistributionDTO struct {
	Total     string `json:"total"`
	ShopShare string `json:"shop_share"`
	ProShare  string `json:"pro_share"`
	EntryID   string `json:"entry_id"`
	Live      bool   `json:"live"`
}

// =============================================================================
// SUBSCRIPTION METRICS
// =============================================================================

// SubscriptionMetricsDTO is the metrics snapshot.
type SubscriptionMetricsDTO struct {
	ComputedAt             string           `json:"computed_at"`
	LookbackDays           int              `json:"lookback_days"`
	MRR                    string           `json:"mrr"`
	CashForecast30d        string           `json:"cash_forecast_30d"`
	ChurnRate              string           `json:"churn_rate"`
	SubscriberVisits       int              `json:"subscriber_visits"`
	RegularVisits          int              `json:"regular_visits"`
	AvgVisitsPerSubscriber string           `json:"avg_visits_per_subscriber"`
	ActiveSubscribers      int              `json:"active_subscribers"`
	Delinquencies          []DelinquencyDTO `json:"delinquencies"`
}

// DelinquencyDTO is one subscription with a failed or overdue payment.
type DelinquencyDTO struct {
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	PlanID         string `json:"plan_id"`
	Amount         string `json:"amount"`
	PaymentStatus  string `json:"payment_status"`
	NextRenewalAt  string `json:"next_renewal_at,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request body for loading a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// PartialWriteDetails lists what a failed settlement left behind.
type PartialWriteDetails struct {
	PayoutID  string   `json:"payout_id"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func toProfessionalDTO(p ledger.Professional) ProfessionalDTO {
	return ProfessionalDTO{
		ID:                    string(p.ID),
		Name:                  p.Name,
		Role:                  p.Role,
		DefaultCommissionRate: p.DefaultCommissionRate.String(),
		Status:                string(p.Status),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:                string(e.ID),
		ProfessionalID:    string(e.ProfessionalID),
		Kind:              string(e.Kind),
		GrossAmount:       money(e.GrossAmount),
		CommissionRate:    e.CommissionRate.String(),
		NetAmount:         money(e.NetAmount()),
		Status:            string(e.Status),
		OccurredAt:        e.OccurredAt.Format(time.RFC3339),
		Label:             e.Label,
		CounterpartyLabel: e.CounterpartyLabel,
		CreatedAt:         e.CreatedAt.Format(time.RFC3339),
	}
	if e.SettlementRef != nil {
		dto.SettlementRef = string(*e.SettlementRef)
	}
	return dto
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toPayoutDTO(p ledger.Payout) PayoutDTO {
	return PayoutDTO{
		ID:             string(p.ID),
		ProfessionalID: string(p.ProfessionalID),
		Amount:         money(p.Amount),
		FundingSource:  string(p.FundingSource),
		EntryCount:     p.EntryCount,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
}

func toReconciliationDTO(r ledger.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		PayoutID:       string(r.PayoutID),
		ProfessionalID: string(r.ProfessionalID),
		PayoutAmount:   money(r.PayoutAmount),
		EntriesNet:     money(r.EntriesNet),
		Difference:     money(r.Difference()),
		EntryIDs:       idStrings(r.EntryIDs),
		Missing:        r.Missing,
		Consistent:     r.Consistent(),
	}
}

func toMetricsDTO(s subscriptions.Snapshot) SubscriptionMetricsDTO {
	dto := SubscriptionMetricsDTO{
		ComputedAt:             s.ComputedAt.Format(time.RFC3339),
		LookbackDays:           int(s.Lookback / (24 * time.Hour)),
		MRR:                    money(s.MRR),
		CashForecast30d:        money(s.CashForecast30d),
		ChurnRate:              money(s.ChurnRate),
		SubscriberVisits:       s.UsageComparison.Subscriber,
		RegularVisits:          s.UsageComparison.Regular,
		AvgVisitsPerSubscriber: money(s.AvgVisitsPerSubscriber),
		ActiveSubscribers:      s.ActiveSubscribers,
		Delinquencies:          make([]DelinquencyDTO, len(s.Delinquencies)),
	}
	for i, d := range s.Delinquencies {
		dto.Delinquencies[i] = DelinquencyDTO{
			SubscriptionID: d.SubscriptionID,
			CustomerID:     d.CustomerID,
			PlanID:         d.PlanID,
			Amount:         money(d.Amount),
			PaymentStatus:  string(d.PaymentStatus),
		}
		if d.NextRenewalAt != nil {
			dto.Delinquencies[i].NextRenewalAt = d.NextRenewalAt.Format(time.RFC3339)
		}
	}
	return dto
}

func idStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
