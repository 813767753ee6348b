package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var errStoreDown = errors.New("connection reset by peer")

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ratePtr(s string) *decimal.Decimal {
	r := d(s)
	return &r
}

func at(day int) time.Time {
	return time.Date(2025, time.March, day, 10, 0, 0, 0, time.UTC)
}

// faultyStore wraps the memory store with per-entry failures and a hook
// that runs before each claim.
type faultyStore struct {
	*store.Memory

	mu          sync.Mutex
	failClaim   map[ledger.EntryID]error
	failRelease map[ledger.EntryID]error
	failDelete  error
	beforeClaim func(id ledger.EntryID)
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		Memory:      store.NewMemory(),
		failClaim:   make(map[ledger.EntryID]error),
		failRelease: make(map[ledger.EntryID]error),
	}
}

func (f *faultyStore) ClaimEntry(ctx context.Context, id ledger.EntryID, ref ledger.PayoutID, rate decimal.Decimal) error {
	f.mu.Lock()
	hook := f.beforeClaim
	err := f.failClaim[id]
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if err != nil {
		return err
	}
	return f.Memory.ClaimEntry(ctx, id, ref, rate)
}

func (f *faultyStore) ReleaseEntry(ctx context.Context, id ledger.EntryID, ref ledger.PayoutID) error {
	f.mu.Lock()
	err := f.failRelease[id]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Memory.ReleaseEntry(ctx, id, ref)
}

func (f *faultyStore) DeletePayout(ctx context.Context, id ledger.PayoutID) error {
	f.mu.Lock()
	err := f.failDelete
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Memory.DeletePayout(ctx, id)
}

func (f *faultyStore) setReleaseFailure(id ledger.EntryID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failRelease, id)
		return
	}
	f.failRelease[id] = err
}

type recordingDrawer struct {
	mu      sync.Mutex
	refresh []ledger.PayoutID
}

func (r *recordingDrawer) Refresh(_ context.Context, _ ledger.ProfessionalID, id ledger.PayoutID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh = append(r.refresh, id)
	return nil
}

func (r *recordingDrawer) calls() []ledger.PayoutID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.PayoutID(nil), r.refresh...)
}

type fixture struct {
	store    *faultyStore
	ledger   *ledger.TransactionLedger
	payouts  *ledger.PayoutEngine
	reversal *ledger.ReversalEngine
	drawer   *recordingDrawer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newFaultyStore()
	require.NoError(t, s.SaveProfessional(context.Background(), ledger.Professional{
		ID:                    "pro-1",
		Name:                  "Rafa",
		Role:                  "barber",
		DefaultCommissionRate: d("40"),
		Status:                ledger.ProfessionalActive,
	}))
	require.NoError(t, s.SaveProfessional(context.Background(), ledger.Professional{
		ID:                    "pro-2",
		Name:                  "Duda",
		Role:                  "barber",
		DefaultCommissionRate: d("50"),
		Status:                ledger.ProfessionalActive,
	}))
	drawer := &recordingDrawer{}
	return &fixture{
		store:    s,
		ledger:   ledger.NewTransactionLedger(s, s),
		payouts:  ledger.NewPayoutEngine(s, drawer),
		reversal: ledger.NewReversalEngine(s, drawer),
		drawer:   drawer,
	}
}

func (f *fixture) record(t *testing.T, in ledger.EntryInput) ledger.EntryID {
	t.Helper()
	id, err := f.ledger.RecordEntry(context.Background(), in)
	require.NoError(t, err)
	return id
}

func (f *fixture) service(t *testing.T, pro ledger.ProfessionalID, gross string, day int) ledger.EntryID {
	t.Helper()
	return f.record(t, ledger.EntryInput{
		ProfessionalID: pro,
		Kind:           ledger.KindService,
		GrossAmount:    d(gross),
		OccurredAt:     at(day),
		Label:          "Corte",
	})
}

func (f *fixture) balance(t *testing.T, pro ledger.ProfessionalID) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.PendingBalance(context.Background(), pro)
	require.NoError(t, err)
	return b
}

func (f *fixture) entry(t *testing.T, id ledger.EntryID) ledger.Entry {
	t.Helper()
	e, err := f.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}
