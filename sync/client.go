// ABOUTME: Remote CRM client abstraction and typed client errors
// ABOUTME: Contract the engine uses for search, create, and update on either platform
package sync

import (
	"context"
	"fmt"

	"github.com/relaycrm/bridge/models"
)

// CRMClient is the contact CRUD contract for one platform. Implementations
// must fail with a *ClientError so the engine can record the error kind.
type CRMClient interface {
	// FindByEmail searches the platform for a contact with the given
	// unique key. Returns "" when no match exists.
	FindByEmail(ctx context.Context, token, email string) (string, error)

	// Create creates a contact and returns its platform id.
	Create(ctx context.Context, token string, properties map[string]string) (string, error)

	// Update overwrites the mapped properties of an existing contact.
	Update(ctx context.Context, token, id string, properties map[string]string) error
}

// SourceContact is one record produced by a full-sweep listing.
type SourceContact struct {
	ID     string
	Fields map[string]string
}

// Lister enumerates all contacts on a platform for full-sweep mode.
type Lister interface {
	ListContacts(ctx context.Context) ([]SourceContact, error)
}

// ClientError is a typed remote-call failure. Kind maps directly onto the
// error_kind column of the failed sync event.
type ClientError struct {
	Kind       models.ErrorKind
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
