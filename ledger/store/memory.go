// Package store provides an in-memory ledger.Store, professional directory
// and subscription read model.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/subscriptions"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps entries, payouts and professionals in maps. Every guarded
// write checks its precondition under the write lock, so concurrent
// callers observe the same semantics as the SQL stores.
type Memory struct {
	mu            sync.RWMutex
	entries       map[ledger.EntryID]ledger.Entry
	payouts       map[ledger.PayoutID]ledger.Payout
	professionals map[ledger.ProfessionalID]ledger.Professional
	subscriptions map[string]subscriptions.Subscription
	appointments  map[string]subscriptions.Appointment
}

func NewMemory() *Memory {
	return &Memory{
		entries:       make(map[ledger.EntryID]ledger.Entry),
		payouts:       make(map[ledger.PayoutID]ledger.Payout),
		professionals: make(map[ledger.ProfessionalID]ledger.Professional),
		subscriptions: make(map[string]subscriptions.Subscription),
		appointments:  make(map[string]subscriptions.Appointment),
	}
}

func (m *Memory) InsertEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.ID]; ok {
		return ledger.ErrDuplicateID
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (m *Memory) ListEntries(_ context.Context, f ledger.EntryFilter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Entry
	for _, e := range m.entries {
		if f.ProfessionalID != "" && e.ProfessionalID != f.ProfessionalID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.SettlementRef != "" && !e.SettledBy(f.SettlementRef) {
			continue
		}
		result = append(result, cloneEntry(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

func (m *Memory) UpdateRate(_ context.Context, id ledger.EntryID, rate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.Status != ledger.StatusPending {
		return ledger.ErrPreconditionFailed
	}
	e.CommissionRate = rate
	m.entries[id] = e
	return nil
}

func (m *Memory) ClaimEntry(_ context.Context, id ledger.EntryID, ref ledger.PayoutID, expectedRate decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.Status != ledger.StatusPending || e.SettlementRef != nil || !e.CommissionRate.Equal(expectedRate) {
		return ledger.ErrPreconditionFailed
	}
	r := ref
	e.Status = ledger.StatusPaid
	e.SettlementRef = &r
	m.entries[id] = e
	return nil
}

func (m *Memory) ReleaseEntry(_ context.Context, id ledger.EntryID, ref ledger.PayoutID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if !e.SettledBy(ref) {
		return ledger.ErrPreconditionFailed
	}
	e.Status = ledger.StatusPending
	e.SettlementRef = nil
	m.entries[id] = e
	return nil
}

func (m *Memory) InsertPayout(_ context.Context, p ledger.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payouts[p.ID]; ok {
		return ledger.ErrDuplicateID
	}
	m.payouts[p.ID] = p
	return nil
}

func (m *Memory) GetPayout(_ context.Context, id ledger.PayoutID) (ledger.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payouts[id]
	if !ok {
		return ledger.Payout{}, ledger.ErrPayoutNotFound
	}
	return p, nil
}

func (m *Memory) ListPayouts(_ context.Context, professionalID ledger.ProfessionalID) ([]ledger.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Payout
	for _, p := range m.payouts {
		if p.ProfessionalID == professionalID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) DeletePayout(_ context.Context, id ledger.PayoutID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payouts[id]; !ok {
		return ledger.ErrPayoutNotFound
	}
	delete(m.payouts, id)
	return nil
}

// =============================================================================
// PROFESSIONAL DIRECTORY
// =============================================================================

// SaveProfessional adds or replaces a directory record.
func (m *Memory) SaveProfessional(_ context.Context, p ledger.Professional) error {
	if p.Status == "" {
		p.Status = ledger.ProfessionalActive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.professionals[p.ID] = p
	return nil
}

func (m *Memory) DeleteProfessional(_ context.Context, id ledger.ProfessionalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.professionals[id]; !ok {
		return ledger.ErrProfessionalNotFound
	}
	delete(m.professionals, id)
	return nil
}

func (m *Memory) GetProfessional(_ context.Context, id ledger.ProfessionalID) (ledger.Professional, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.professionals[id]
	if !ok {
		return ledger.Professional{}, ledger.ErrProfessionalNotFound
	}
	return p, nil
}

// =============================================================================
// SUBSCRIPTION READ MODEL
// =============================================================================

func (m *Memory) SaveSubscription(_ context.Context, sub subscriptions.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = sub
	return nil
}

// ListSubscriptions returns every subscription ordered by id.
func (m *Memory) ListSubscriptions(_ context.Context) ([]subscriptions.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]subscriptions.Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveAppointment(_ context.Context, a subscriptions.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[a.ID] = a
	return nil
}

// ListAppointments returns appointments at or after since, oldest first.
func (m *Memory) ListAppointments(_ context.Context, since time.Time) ([]subscriptions.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []subscriptions.Appointment
	for _, a := range m.appointments {
		if !a.OccurredAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[ledger.EntryID]ledger.Entry)
	m.payouts = make(map[ledger.PayoutID]ledger.Payout)
	m.professionals = make(map[ledger.ProfessionalID]ledger.Professional)
	m.subscriptions = make(map[string]subscriptions.Subscription)
	m.appointments = make(map[string]subscriptions.Appointment)
	return nil
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	if e.SettlementRef != nil {
		ref := *e.SettlementRef
		e.SettlementRef = &ref
	}
	return e
}
