// ABOUTME: Webhook payload normalization
// ABOUTME: Converts inbound platform webhook JSON into the internal change event shape
package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaycrm/bridge/models"
)

// WebhookPayload is the minimal shape both platforms deliver on contact
// creates and updates.
type WebhookPayload struct {
	EventType  string            `json:"event_type"` // e.g. "contact.created", "contact.updated"
	ObjectID   string            `json:"object_id"`
	Fields     map[string]string `json:"fields"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ParseWebhook normalizes a raw webhook body from the given platform into a
// change event for the guard pipeline.
func ParseWebhook(platform models.Platform, body []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent

	if !platform.Valid() {
		return ev, fmt.Errorf("unknown platform %q", platform)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ev, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	if payload.ObjectID == "" {
		return ev, fmt.Errorf("webhook payload missing object_id")
	}
	if !strings.HasPrefix(payload.EventType, "contact.") {
		return ev, fmt.Errorf("unsupported event type %q", payload.EventType)
	}
	if len(payload.Fields) == 0 {
		return ev, fmt.Errorf("webhook payload missing fields")
	}

	occurredAt := payload.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	return models.ChangeEvent{
		Source:     platform,
		ObjectID:   payload.ObjectID,
		Fields:     payload.Fields,
		OccurredAt: occurredAt,
		Trigger:    models.TriggerWebhook,
	}, nil
}
