package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/telemetry"
)

func TestNewLogger_DebugOnlyInDev(t *testing.T) {
	var buf bytes.Buffer
	telemetry.NewLoggerTo(&buf, "prod").Debug("hidden")
	assert.Empty(t, buf.String())

	telemetry.NewLoggerTo(&buf, "dev").Debug("shown", "payout_id", "p-1")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "p-1", line["payout_id"])
	assert.Equal(t, "dev", line["env"])
}

func TestMetrics_ImplementsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg, "test")

	var r ledger.Recorder = m
	r.EntryRecorded("SERVICE")
	r.EntryRecorded("SERVICE")
	r.Settled("cash", 40)
	r.SettleFailed("precondition")
	r.Reversed("partial")
	r.PartialWrite("undo")

	count, err := testutil.GatherAndCount(reg,
		"commission_entries_recorded_total",
		"commission_settlements_total",
		"commission_reversals_total",
		"commission_partial_writes_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	expected := `
# HELP commission_entries_recorded_total Ledger entries recorded by kind.
# TYPE commission_entries_recorded_total counter
commission_entries_recorded_total{env="test",kind="SERVICE",service="commission-engine"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "commission_entries_recorded_total"))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.EntryRecorded("BONUS")
		m.Settled("bank", 1)
		m.SettleFailed("store")
		m.Reversed("noop")
		m.PartialWrite("settle")
	})

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	assert.NotNil(t, h)
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg, "test")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/payouts/{id}/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/payouts/"+id+"/verify", nil))
	}

	count, err := testutil.GatherAndCount(reg, "commission_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one series for the route, not one per id")
}

func TestWebhookDrawer_PostsEvent(t *testing.T) {
	var got telemetry.DrawerEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := telemetry.NewWebhookDrawer(srv.URL, time.Second, 10)
	require.NoError(t, d.Refresh(context.Background(), "pro-1", "p-1"))

	assert.Equal(t, "cash_payout_changed", got.Event)
	assert.Equal(t, "pro-1", got.ProfessionalID)
	assert.Equal(t, "p-1", got.PayoutID)
}

func TestWebhookDrawer_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := telemetry.NewWebhookDrawer(srv.URL, time.Second, 10)
	err := d.Refresh(context.Background(), "pro-1", "p-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookDrawer_LimiterHonoursContext(t *testing.T) {
	d := telemetry.NewWebhookDrawer("http://127.0.0.1:0", time.Second, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, d.Refresh(ctx, "pro-1", "p-1"))
}

func TestLogDrawer_NeverFails(t *testing.T) {
	var buf bytes.Buffer
	d := telemetry.LogDrawer{Logger: telemetry.NewLoggerTo(&buf, "prod")}

	require.NoError(t, d.Refresh(context.Background(), "pro-1", "p-1"))
	assert.Contains(t, buf.String(), "cash drawer refresh requested")
}
