// ABOUTME: Data models for the contact sync bridge
// ABOUTME: Defines credentials, mapping rules, ledger entries, sync events, and change events
package models

import (
	"time"

	"github.com/google/uuid"
)

// Platform identifies one of the two connected systems.
type Platform string

const (
	PlatformSite   Platform = "site"
	PlatformPortal Platform = "portal"
)

// Opposite returns the platform a change from p propagates to.
func (p Platform) Opposite() Platform {
	if p == PlatformSite {
		return PlatformPortal
	}
	return PlatformSite
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformSite || p == PlatformPortal
}

// Direction constrains which way a mapping rule applies.
type Direction string

const (
	DirectionSiteToPortal Direction = "site_to_portal"
	DirectionPortalToSite Direction = "portal_to_site"
	DirectionBoth         Direction = "both"
)

// DirectionFrom returns the sync direction for a change originating on p.
func DirectionFrom(p Platform) Direction {
	if p == PlatformSite {
		return DirectionSiteToPortal
	}
	return DirectionPortalToSite
}

// Transform is the closed set of value transforms a mapping rule may apply.
type Transform string

const (
	TransformIdentity      Transform = "identity"
	TransformTrim          Transform = "trim"
	TransformUppercase     Transform = "uppercase"
	TransformLowercase     Transform = "lowercase"
	TransformTrimLowercase Transform = "trim_lowercase"
	TransformPhoneE164     Transform = "phone_e164"
)

// Trigger records what produced a change event.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerSweep   Trigger = "sweep"
	TriggerRetry   Trigger = "retry"
)

// Action constants for sync events.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// Sync event status constants.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Guard skip reasons.
const (
	SkipReasonRecentWrite   = "loop-guard: recent write"
	SkipReasonOpposingWrite = "loop-guard: recent opposing write"
	SkipReasonUnchanged     = "no-op: unchanged"
)

// ErrorKind classifies a failed sync event.
type ErrorKind string

const (
	ErrorKindAuthExpired        ErrorKind = "auth_expired"
	ErrorKindRateLimited        ErrorKind = "rate_limited"
	ErrorKindValidationRejected ErrorKind = "validation_rejected"
	ErrorKindNotFound           ErrorKind = "not_found"
	ErrorKindNetworkError       ErrorKind = "network_error"
	ErrorKindLedgerConflict     ErrorKind = "ledger_conflict"
)

// SyncSource records which side originated the last propagation.
type SyncSource string

const (
	SourceSite   SyncSource = "site"
	SourcePortal SyncSource = "portal"
	SourceManual SyncSource = "manual"
)

// SourceFor converts a platform to its sync source value.
func SourceFor(p Platform) SyncSource {
	return SyncSource(p)
}

// TenantCredential holds the encrypted OAuth tokens for one connected portal.
// Token blobs are only decrypted inside the credential store.
type TenantCredential struct {
	Tenant          string    `json:"tenant"`
	AccessTokenEnc  []byte    `json:"-"`
	RefreshTokenEnc []byte    `json:"-"`
	ExpiresAt       time.Time `json:"expires_at"`
	SyncEnabled     bool      `json:"sync_enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MappingRule maps one local field to one remote property.
type MappingRule struct {
	ID             uuid.UUID `json:"id"`
	LocalField     string    `json:"local_field"`
	RemoteProperty string    `json:"remote_property"`
	Direction      Direction `json:"direction"`
	Transform      Transform `json:"transform"`
	IsDefault      bool      `json:"is_default"`
	Active         bool      `json:"active"`
	Position       int       `json:"position"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ContactMapping is the durable cross-reference between a site contact and a
// portal contact, and the anchor for loop prevention.
type ContactMapping struct {
	ID             uuid.UUID  `json:"id"`
	LocalID        string     `json:"local_id"`
	RemoteID       string     `json:"remote_id"`
	LastSyncSource SyncSource `json:"last_sync_source"`
	LastSyncedAt   time.Time  `json:"last_synced_at"`
	LastKnownHash  string     `json:"last_known_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncEvent is one append-only audit record of a reconciliation attempt.
type SyncEvent struct {
	ID         string     `json:"id"` // ULID, sortable by creation time
	Source     SyncSource `json:"source"`
	Trigger    Trigger    `json:"trigger"`
	Action     string     `json:"action,omitempty"`
	Status     string     `json:"status"`
	LocalID    string     `json:"local_id,omitempty"`
	RemoteID   string     `json:"remote_id,omitempty"`
	SkipReason string     `json:"skip_reason,omitempty"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
	Fields     string     `json:"fields,omitempty"` // raw inbound fields as JSON, kept for manual retry
	DurationMS int64      `json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ChangeEvent is the normalized representation of a create/update on either
// platform, as consumed by the reconciliation engine.
type ChangeEvent struct {
	Source     Platform          `json:"source"`
	ObjectID   string            `json:"object_id"`
	Fields     map[string]string `json:"fields"`
	OccurredAt time.Time         `json:"occurred_at"`
	Trigger    Trigger           `json:"trigger"`
}
