// Package connector talks to outside HTTP services: the alert webhook and
// the public server list.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/events"
)

// WebhookNotifier posts operator alerts as embeds to a Discord-compatible
// webhook.
type WebhookNotifier struct {
	url      string
	cfg      config.NotificationConfig
	hostname string
	eventBus *events.EventBus
	client   *http.Client
}

// NewWebhookNotifier returns nil when no webhook URL is configured.
func NewWebhookNotifier(cfg *config.Config, eventBus *events.EventBus) *WebhookNotifier {
	nc := cfg.GetApplicationData().Notifications
	if nc.WebhookURL == "" {
		return nil
	}
	return &WebhookNotifier{
		url:      nc.WebhookURL,
		cfg:      nc,
		hostname: cfg.GetServer().Hostname,
		eventBus: eventBus,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Start forwards alerts until ctx is cancelled.
func (w *WebhookNotifier) Start(ctx context.Context) {
	w.eventBus.Subscribe(events.EventNotifyAdmin, "webhook.notify", w.onNotify)
	defer w.eventBus.Unsubscribe(events.EventNotifyAdmin, "webhook.notify")
	if w.cfg.NotifyOnKick {
		w.eventBus.Subscribe(events.EventPeerDisconnected, "webhook.kick", w.onPeerDisconnected)
		defer w.eventBus.Unsubscribe(events.EventPeerDisconnected, "webhook.kick")
	}
	<-ctx.Done()
}

func (w *WebhookNotifier) onNotify(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.NotifyPayload)
	if !ok {
		return nil
	}
	return w.Send(ctx, p.Title, p.Message, p.Level)
}

func (w *WebhookNotifier) onPeerDisconnected(ctx context.Context, ev events.Event) error {
	p, ok := ev.Payload.(events.PeerPayload)
	if !ok || p.Reason != events.ReasonKicked {
		return nil
	}
	return w.Send(ctx, "Peer kicked",
		fmt.Sprintf("Peer %d (%s, %s) was kicked", p.ID, p.Name, p.Addr), "info")
}

// Send posts one alert.
func (w *WebhookNotifier) Send(ctx context.Context, title, message, level string) error {
	var color int
	switch level {
	case "critical", "error":
		color = 0xFF0000
	case "warning":
		color = 0xFFAA00
	default:
		color = 0x00FF00
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   time.Now().Format(time.RFC3339),
				"footer": map[string]string{
					"text": "Replicator " + w.hostname,
				},
			},
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	log.Debug().Str("title", title).Msg("webhook notification sent")
	return nil
}
