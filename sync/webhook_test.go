// ABOUTME: Tests for webhook payload normalization
// ABOUTME: Covers validation of platform, event type, object id, and fields
package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/bridge/models"
)

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
		"event_type": "contact.updated",
		"object_id": "R42",
		"fields": {"email": "a@x.com", "firstname": "Jane"},
		"occurred_at": "2026-01-01T12:00:00Z"
	}`)

	ev, err := ParseWebhook(models.PlatformPortal, body)
	require.NoError(t, err)
	assert.Equal(t, models.PlatformPortal, ev.Source)
	assert.Equal(t, "R42", ev.ObjectID)
	assert.Equal(t, "a@x.com", ev.Fields["email"])
	assert.Equal(t, models.TriggerWebhook, ev.Trigger)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestParseWebhookDefaultsOccurredAt(t *testing.T) {
	body := []byte(`{"event_type":"contact.created","object_id":"L1","fields":{"email":"a@x.com"}}`)

	ev, err := ParseWebhook(models.PlatformSite, body)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ev.OccurredAt, 5*time.Second)
}

func TestParseWebhookRejectsBadInput(t *testing.T) {
	valid := `{"event_type":"contact.created","object_id":"L1","fields":{"email":"a@x.com"}}`

	cases := []struct {
		name     string
		platform models.Platform
		body     string
	}{
		{"unknown platform", models.Platform("crm9000"), valid},
		{"malformed json", models.PlatformSite, `{`},
		{"missing object id", models.PlatformSite, `{"event_type":"contact.created","fields":{"a":"b"}}`},
		{"wrong event type", models.PlatformSite, `{"event_type":"deal.created","object_id":"L1","fields":{"a":"b"}}`},
		{"empty fields", models.PlatformSite, `{"event_type":"contact.created","object_id":"L1","fields":{}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseWebhook(tc.platform, []byte(tc.body))
			assert.Error(t, err)
		})
	}
}
