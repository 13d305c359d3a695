// ABOUTME: Full-sweep mode for manual synchronization
// ABOUTME: Synthesizes change events for every record through the identical guard/write pipeline
package sync

import (
	"context"
	"fmt"

	"github.com/relaycrm/bridge/creds"
	"github.com/relaycrm/bridge/models"
)

// SweepStats summarizes one full-sweep pass.
type SweepStats struct {
	Total     int
	Committed int
	Skipped   int
	Failed    int
}

// Sweep iterates every contact on the source platform and feeds each through
// Process. There is no special-cased bulk path, so sweep and webhook-driven
// sync cannot diverge in semantics. Cancellation is honored between records:
// the in-progress record always completes its write before the sweep stops.
func (e *Engine) Sweep(ctx context.Context, source models.Platform, lister Lister) (SweepStats, error) {
	var stats SweepStats

	if !source.Valid() {
		return stats, fmt.Errorf("unknown sweep source %q", source)
	}

	contacts, err := lister.ListContacts(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list %s contacts: %w", source, err)
	}

	for _, contact := range contacts {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		ev := models.ChangeEvent{
			Source:     source,
			ObjectID:   contact.ID,
			Fields:     contact.Fields,
			OccurredAt: e.now(),
			Trigger:    models.TriggerSweep,
		}

		se, err := e.Process(ctx, ev)
		if err != nil {
			return stats, fmt.Errorf("sweep aborted on contact %s: %w", contact.ID, err)
		}

		stats.Total++
		switch se.Status {
		case models.StatusSuccess:
			stats.Committed++
		case models.StatusSkipped:
			stats.Skipped++
		case models.StatusFailed:
			stats.Failed++
		}
	}

	return stats, nil
}

// TokenLister adapts an HTTPClient into a Lister, acquiring a valid bearer
// token from the credential store and paging through the platform's contacts.
type TokenLister struct {
	client *HTTPClient
	creds  *creds.Store
	tenant string
}

// NewTokenLister builds a sweep lister for one platform client.
func NewTokenLister(client *HTTPClient, store *creds.Store, tenant string) *TokenLister {
	return &TokenLister{client: client, creds: store, tenant: tenant}
}

// ListContacts fetches every page of contacts from the platform.
func (l *TokenLister) ListContacts(ctx context.Context) ([]SourceContact, error) {
	token, err := l.creds.GetValidToken(ctx, l.tenant)
	if err != nil {
		return nil, err
	}

	var all []SourceContact
	pageNum := 0
	for {
		page, err := l.client.listPage(ctx, token, pageNum)
		if err != nil {
			return nil, err
		}

		for _, c := range page.Results {
			all = append(all, SourceContact{ID: c.ID, Fields: c.Properties})
		}

		if page.NextPage == 0 {
			break
		}
		pageNum = page.NextPage
	}

	return all, nil
}
