// Package notify отправляет уведомления о созданных отправлениях во внешний webhook.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/shipgate/internal/model"
)

// EventShipmentCreated обозначает событие о созданном отправлении.
const EventShipmentCreated = "shipment.created"

// Event содержит тело уведомления.
type Event struct {
	Type           string    `json:"type"`
	ShipmentID     string    `json:"shipment_id"`
	PayerID        string    `json:"payer_id"`
	TrackingNumber string    `json:"tracking_number"`
	Carrier        string    `json:"carrier"`
	Charged        float64   `json:"charged"`
	CreatedAt      time.Time `json:"created_at"`
}

// WebhookNotifier отправляет события POST-запросом с повторами.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhookNotifier создаёт notifier. Пустой url отключает отправку.
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = leveledLogger{s: logger.Sugar()}

	return &WebhookNotifier{url: url, client: client}
}

// Enabled сообщает, настроен ли адрес webhook.
func (n *WebhookNotifier) Enabled() bool {
	return n != nil && n.url != ""
}

// ShipmentCreated отправляет событие о созданном отправлении.
func (n *WebhookNotifier) ShipmentCreated(ctx context.Context, s *model.Shipment) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(Event{
		Type:           EventShipmentCreated,
		ShipmentID:     s.ID,
		PayerID:        s.PayerID,
		TrackingNumber: s.TrackingNumber,
		Carrier:        s.Carrier,
		Charged:        s.Charged.Euros(),
		CreatedAt:      s.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
