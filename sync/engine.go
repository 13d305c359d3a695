// ABOUTME: Reconciliation engine for bi-directional contact sync
// ABOUTME: Runs the three-layer loop guard, transforms, remote write, and ledger/audit updates
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaycrm/bridge/creds"
	"github.com/relaycrm/bridge/db"
	"github.com/relaycrm/bridge/models"
	"github.com/relaycrm/bridge/rules"
)

// Options configures an Engine.
type Options struct {
	// Tenant is the connected portal this engine serves.
	Tenant string

	// DedupeWindow overrides DefaultDedupeWindow when positive.
	DedupeWindow time.Duration

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Engine consumes change events from either platform and decides whether and
// how they propagate to the other. One engine instance serves one tenant; it
// is safe for concurrent use.
type Engine struct {
	db      *sql.DB
	creds   *creds.Store
	clients map[models.Platform]CRMClient
	dedupe  *DedupeCache
	tenant  string
	window  time.Duration
	now     func() time.Time
	locks   *keyedMutex
}

// NewEngine wires an engine over the database, credential store, and the two
// platform clients.
func NewEngine(database *sql.DB, store *creds.Store, site, portal CRMClient, opts Options) *Engine {
	window := opts.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dedupe := NewDedupeCache()
	dedupe.now = now

	return &Engine{
		db:    database,
		creds: store,
		clients: map[models.Platform]CRMClient{
			models.PlatformSite:   site,
			models.PlatformPortal: portal,
		},
		dedupe: dedupe,
		tenant: opts.Tenant,
		window: window,
		now:    now,
		locks:  newKeyedMutex(),
	}
}

// Dedupe exposes the engine's loop-guard cache.
func (e *Engine) Dedupe() *DedupeCache {
	return e.dedupe
}

// Process runs one change event through the full pipeline:
// RECEIVED -> GUARD_CHECK -> {SKIPPED | TRANSFORMING} -> WRITING ->
// {COMMITTED | FAILED}. It always appends a sync event; the returned error is
// reserved for infrastructure failures (the audit store itself).
func (e *Engine) Process(ctx context.Context, ev models.ChangeEvent) (*models.SyncEvent, error) {
	if !ev.Source.Valid() {
		return nil, fmt.Errorf("change event has unknown source %q", ev.Source)
	}
	start := e.now()

	// Guard check and ledger write must not interleave for one identity.
	unlock := e.locks.Lock(e.identityKey(ev))
	defer unlock()

	// Guard 1: we just wrote this record ourselves.
	if e.dedupe.WasRecentlyWritten(identityFor(ev.Source, ev.ObjectID)) {
		return e.record(ev, nil, start, func(se *models.SyncEvent) {
			se.Status = models.StatusSkipped
			se.SkipReason = models.SkipReasonRecentWrite
		})
	}

	mapping, err := e.findMapping(ev)
	if err != nil {
		return nil, err
	}

	// Guard 2: the ledger says the opposite platform wrote within the
	// window. Covers cache eviction and process restarts.
	if mapping != nil &&
		mapping.LastSyncSource == models.SourceFor(ev.Source.Opposite()) &&
		e.now().Sub(mapping.LastSyncedAt) < e.window {
		return e.record(ev, mapping, start, func(se *models.SyncEvent) {
			se.Status = models.StatusSkipped
			se.SkipReason = models.SkipReasonOpposingWrite
		})
	}

	// TRANSFORMING: build the outbound payload and its canonical form.
	allRules, err := db.ListMappingRules(e.db)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping rules: %w", err)
	}
	resolved := rules.Resolve(allRules, models.DirectionFrom(ev.Source))
	payload, canonical := e.transform(ev, resolved)

	// Guard 3: the canonical values match the last committed write from
	// either direction, so this event is an unchanged echo or redelivery.
	hash := ContentHash(canonical)
	if mapping != nil && mapping.LastKnownHash == hash {
		return e.record(ev, mapping, start, func(se *models.SyncEvent) {
			se.Status = models.StatusSkipped
			se.SkipReason = models.SkipReasonUnchanged
		})
	}

	// WRITING: a disconnected tenant fails fast without any remote call.
	token, err := e.creds.GetValidToken(ctx, e.tenant)
	if err != nil {
		return e.record(ev, mapping, start, func(se *models.SyncEvent) {
			se.Status = models.StatusFailed
			se.ErrorKind = models.ErrorKindAuthExpired
			se.ErrorText = err.Error()
		})
	}

	dest := ev.Source.Opposite()
	client := e.clients[dest]

	// Action stays empty until the create/update decision is made, so a
	// failure during the search is not mislabeled.
	var action string
	var destID string

	if mapping == nil {
		// Cross-platform dedup: an unlinked contact may already exist
		// on the destination under the same unique key.
		if email := payload[destEmailField(ev.Source, resolved)]; email != "" {
			destID, err = client.FindByEmail(ctx, token, email)
			if err != nil {
				return e.recordClientFailure(ev, mapping, start, action, err)
			}
		}

		if destID == "" {
			action = models.ActionCreate
			destID, err = client.Create(ctx, token, payload)
			if err != nil {
				return e.recordClientFailure(ev, mapping, start, action, err)
			}
		} else {
			action = models.ActionUpdate
			if err := client.Update(ctx, token, destID, payload); err != nil {
				return e.recordClientFailure(ev, mapping, start, action, err)
			}
		}

		m := &models.ContactMapping{
			LastSyncSource: models.SourceFor(ev.Source),
			LastSyncedAt:   e.now(),
			LastKnownHash:  hash,
		}
		if ev.Source == models.PlatformSite {
			m.LocalID, m.RemoteID = ev.ObjectID, destID
		} else {
			m.LocalID, m.RemoteID = destID, ev.ObjectID
		}

		if err := db.UpsertMapping(e.db, m); err != nil {
			if errors.Is(err, db.ErrLedgerConflict) {
				log.Printf("ERROR: sync: ledger write conflict for (%s, %s): %v", m.LocalID, m.RemoteID, err)
				return e.record(ev, m, start, func(se *models.SyncEvent) {
					se.Status = models.StatusFailed
					se.Action = action
					se.ErrorKind = models.ErrorKindLedgerConflict
					se.ErrorText = err.Error()
				})
			}
			return nil, err
		}
		mapping = m
	} else {
		action = models.ActionUpdate
		if dest == models.PlatformPortal {
			destID = mapping.RemoteID
		} else {
			destID = mapping.LocalID
		}

		if err := client.Update(ctx, token, destID, payload); err != nil {
			return e.recordClientFailure(ev, mapping, start, action, err)
		}

		if err := db.TouchMapping(e.db, mapping.ID, models.SourceFor(ev.Source), hash, e.now()); err != nil {
			return nil, err
		}
	}

	// COMMITTED: arm the fast-path guard against our own echo.
	e.dedupe.MarkWritten(identityFor(dest, destID), e.window)

	return e.record(ev, mapping, start, func(se *models.SyncEvent) {
		se.Status = models.StatusSuccess
		se.Action = action
	})
}

// Retry re-enters a failed event into the pipeline from RECEIVED, so the
// guards run again before any write.
func (e *Engine) Retry(ctx context.Context, eventID string) (*models.SyncEvent, error) {
	orig, err := db.GetSyncEvent(e.db, eventID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("sync event not found: %s", eventID)
	}
	if orig.Status != models.StatusFailed {
		return nil, fmt.Errorf("only failed events can be retried (event %s is %s)", eventID, orig.Status)
	}

	source := models.Platform(orig.Source)
	if !source.Valid() {
		return nil, fmt.Errorf("sync event %s has unknown source %q", eventID, orig.Source)
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(orig.Fields), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode stored event fields: %w", err)
	}

	objectID := orig.LocalID
	if source == models.PlatformPortal {
		objectID = orig.RemoteID
	}
	if objectID == "" {
		return nil, fmt.Errorf("sync event %s has no source object id", eventID)
	}

	return e.Process(ctx, models.ChangeEvent{
		Source:     source,
		ObjectID:   objectID,
		Fields:     fields,
		OccurredAt: e.now(),
		Trigger:    models.TriggerRetry,
	})
}

// transform applies the resolved rules to the event's raw values. It returns
// the outbound payload keyed by destination field names, plus a canonical map
// always keyed by local field names. Content hashes are taken over the
// canonical map so they compare across directions: transforms are idempotent,
// so an unchanged echo of our own write hashes equal to the write itself.
func (e *Engine) transform(ev models.ChangeEvent, resolved []models.MappingRule) (payload, canonical map[string]string) {
	payload = make(map[string]string, len(resolved))
	canonical = make(map[string]string, len(resolved))
	for _, r := range resolved {
		srcField, dstField := r.LocalField, r.RemoteProperty
		if ev.Source == models.PlatformPortal {
			srcField, dstField = r.RemoteProperty, r.LocalField
		}

		raw, ok := ev.Fields[srcField]
		if !ok {
			continue
		}

		out, unknown := rules.Apply(r, raw)
		if unknown {
			log.Printf("sync: unknown transform %q on rule %s -> %s, passing value through",
				r.Transform, r.LocalField, r.RemoteProperty)
		}
		payload[dstField] = out
		canonical[r.LocalField] = out
	}
	return payload, canonical
}

// findMapping loads the ledger entry for the event's source-side identity.
func (e *Engine) findMapping(ev models.ChangeEvent) (*models.ContactMapping, error) {
	if ev.Source == models.PlatformSite {
		return db.FindMappingByLocalID(e.db, ev.ObjectID)
	}
	return db.FindMappingByRemoteID(e.db, ev.ObjectID)
}

// identityKey picks the serialization key for an event: the mapping pair when
// the contact is linked, otherwise the per-platform object id. Unlinked
// concurrent events from opposite platforms can still race to create the
// mapping; the ledger's 1:1 constraints turn that into a conflict failure
// rather than a duplicate row.
func (e *Engine) identityKey(ev models.ChangeEvent) string {
	mapping, err := e.findMapping(ev)
	if err == nil && mapping != nil {
		return "pair:" + mapping.ID.String()
	}
	return fmt.Sprintf("obj:%s:%s", ev.Source, ev.ObjectID)
}

func identityFor(p models.Platform, objectID string) string {
	return string(p) + ":" + objectID
}

// destEmailField finds the destination-side name of the unique-key field.
func destEmailField(source models.Platform, resolved []models.MappingRule) string {
	for _, r := range resolved {
		srcField, dstField := r.LocalField, r.RemoteProperty
		if source == models.PlatformPortal {
			srcField, dstField = r.RemoteProperty, r.LocalField
		}
		if srcField == "email" {
			return dstField
		}
	}
	return "email"
}

// recordClientFailure appends a FAILED event with the typed error kind from a
// remote call.
func (e *Engine) recordClientFailure(ev models.ChangeEvent, mapping *models.ContactMapping, start time.Time, action string, err error) (*models.SyncEvent, error) {
	kind := models.ErrorKindNetworkError
	if ce, ok := asClientError(err); ok {
		kind = ce.Kind
	}

	return e.record(ev, mapping, start, func(se *models.SyncEvent) {
		se.Status = models.StatusFailed
		se.Action = action
		se.ErrorKind = kind
		se.ErrorText = err.Error()
	})
}

// record builds and appends one audit event.
func (e *Engine) record(ev models.ChangeEvent, mapping *models.ContactMapping, start time.Time, build func(*models.SyncEvent)) (*models.SyncEvent, error) {
	se := &models.SyncEvent{
		ID:         ulid.Make().String(),
		Source:     models.SourceFor(ev.Source),
		Trigger:    ev.Trigger,
		DurationMS: e.now().Sub(start).Milliseconds(),
		CreatedAt:  e.now(),
	}

	if ev.Source == models.PlatformSite {
		se.LocalID = ev.ObjectID
		if mapping != nil {
			se.RemoteID = mapping.RemoteID
		}
	} else {
		se.RemoteID = ev.ObjectID
		if mapping != nil {
			se.LocalID = mapping.LocalID
		}
	}

	// Raw inbound fields are kept on the record so a failed event can be
	// retried without re-fetching the source platform.
	if buf, err := json.Marshal(ev.Fields); err == nil {
		se.Fields = string(buf)
	}

	build(se)

	if err := db.AppendSyncEvent(e.db, se); err != nil {
		return se, err
	}

	return se, nil
}
