package provenance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDisplayedWithoutProvenance AlertType = "displayed_without_provenance"
	AlertBuildReferences            AlertType = "build_references_without_provenance"
)

// Alert is one webhook notification.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a Report into alerts and posts them to a webhook.
type Alerter struct {
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an Alerter. An empty webhookURL disables sending.
func NewAlerter(webhookURL string) *Alerter {
	return &Alerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns the alerts a report warrants. Rows merely lacking
// provenance while hidden are not alerted on.
func (a *Alerter) Evaluate(r *Report) []Alert {
	var alerts []Alert

	if d := r.DisplayedWithoutProvenance; d.Total > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertDisplayedWithoutProvenance,
			Severity: "high",
			Message: fmt.Sprintf("%d active canonical row(s) have no ingestion-backed mapping (%d products, %d plants, %d offers)",
				d.Total, d.Products, d.Plants, d.Offers),
			Details: map[string]any{
				"products": d.Products,
				"plants":   d.Plants,
				"offers":   d.Offers,
			},
			Timestamp: r.CheckedAt,
		})
	}

	if b := r.BuildPartsReferencingNonProvenance; b.Total > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBuildReferences,
			Severity: "medium",
			Message:  fmt.Sprintf("%d build item(s) reference canonical rows without provenance", b.Total),
			Details: map[string]any{
				"products": b.Products,
				"plants":   b.Plants,
			},
			Timestamp: r.CheckedAt,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the webhook and returns how many were sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("provenance: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("provenance: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "provenance: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "provenance: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "provenance: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("provenance: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
