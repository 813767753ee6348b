package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/warp/commission-engine/ledger"
	"golang.org/x/time/rate"
)

// =============================================================================
// CASH DRAWER NOTIFIERS (ledger.CashDrawer)
// =============================================================================

// LogDrawer only logs refresh requests. Used when no cash register is
// integrated.
type LogDrawer struct {
	Logger *slog.Logger
}

func (d LogDrawer) Refresh(_ context.Context, professionalID ledger.ProfessionalID, payoutID ledger.PayoutID) error {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("cash drawer refresh requested", "professional_id", professionalID, "payout_id", payoutID)
	return nil
}

// DrawerEvent is the body posted by WebhookDrawer.
type DrawerEvent struct {
	Event          string    `json:"event"`
	ProfessionalID string    `json:"professional_id"`
	PayoutID       string    `json:"payout_id"`
	SentAt         time.Time `json:"sent_at"`
}

// WebhookDrawer posts a DrawerEvent to the cash register service so it
// recomputes the drawer balance. Requests are rate limited so a burst of
// settlements cannot flood the register.
type WebhookDrawer struct {
	URL     string
	Client  *http.Client
	Limiter *rate.Limiter
}

// NewWebhookDrawer allows perSecond requests per second with a burst of the same size.
func NewWebhookDrawer(url string, timeout time.Duration, perSecond int) *WebhookDrawer {
	if perSecond <= 0 {
		perSecond = 5
	}
	return &WebhookDrawer{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

func (d *WebhookDrawer) Refresh(ctx context.Context, professionalID ledger.ProfessionalID, payoutID ledger.PayoutID) error {
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("cash drawer: %w", err)
		}
	}

	body, err := json.Marshal(DrawerEvent{
		Event:          "cash_payout_changed",
		ProfessionalID: string(professionalID),
		PayoutID:       string(payoutID),
		SentAt:         time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cash drawer: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cash drawer: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("cash drawer: unexpected status %d", resp.StatusCode)
	}
	return nil
}
