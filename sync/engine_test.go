// ABOUTME: Tests for the reconciliation engine pipeline
// ABOUTME: Covers creates, loop guards, failure recording, retry, and ledger conflicts
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/bridge/creds"
	"github.com/relaycrm/bridge/db"
	"github.com/relaycrm/bridge/models"
	"github.com/relaycrm/bridge/rules"
)

// fakeClock is an adjustable wall clock shared by the engine and the dedupe
// cache under test.
type fakeClock struct {
	mu gosync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeClient is an in-memory CRMClient that records calls and can be armed to
// fail.
type fakeClient struct {
	mu       gosync.Mutex
	contacts map[string]map[string]string
	byEmail  map[string]string
	nextID   int
	prefix   string

	findErr   error
	createErr error
	updateErr error

	findCalls   int
	createCalls int
	updateCalls int
}

func newFakeClient(prefix string) *fakeClient {
	return &fakeClient{
		contacts: make(map[string]map[string]string),
		byEmail:  make(map[string]string),
		prefix:   prefix,
	}
}

func (f *fakeClient) FindByEmail(ctx context.Context, token, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return "", f.findErr
	}
	return f.byEmail[email], nil
}

func (f *fakeClient) Create(ctx context.Context, token string, properties map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("%s%d", f.prefix, f.nextID)
	f.contacts[id] = properties
	if email := properties["email"]; email != "" {
		f.byEmail[email] = id
	}
	return id, nil
}

func (f *fakeClient) Update(ctx context.Context, token, id string, properties map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	f.contacts[id] = properties
	return nil
}

func (f *fakeClient) calls() (find, create, update int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findCalls, f.createCalls, f.updateCalls
}

type engineFixture struct {
	engine *Engine
	site   *fakeClient
	portal *fakeClient
	db     *sql.DB
	store  *creds.Store
	clock  *fakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	database, err := db.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.EnsureRules(database, rules.Defaults()))

	store, err := creds.NewStore(database, creds.Options{Secret: "test-secret"})
	require.NoError(t, err)
	require.NoError(t, store.Store(context.Background(), "acme", "token", "refresh", time.Now().Add(time.Hour)))

	clock := newFakeClock()
	site := newFakeClient("L")
	portal := newFakeClient("R")

	engine := NewEngine(database, store, site, portal, Options{
		Tenant: "acme",
		Now:    clock.Now,
	})

	return &engineFixture{engine: engine, site: site, portal: portal, db: database, store: store, clock: clock}
}

func siteEvent(objectID string, fields map[string]string) models.ChangeEvent {
	return models.ChangeEvent{
		Source:   models.PlatformSite,
		ObjectID: objectID,
		Fields:   fields,
		Trigger:  models.TriggerWebhook,
	}
}

func portalEvent(objectID string, fields map[string]string) models.ChangeEvent {
	return models.ChangeEvent{
		Source:   models.PlatformPortal,
		ObjectID: objectID,
		Fields:   fields,
		Trigger:  models.TriggerWebhook,
	}
}

func TestProcessCreatesOnDestination(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{
		"email":      "  Jane@Example.COM ",
		"first_name": " Jane ",
		"phone":      "(555) 123-4567",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, se.Status)
	assert.Equal(t, models.ActionCreate, se.Action)
	assert.Equal(t, "L1", se.LocalID)
	require.NotEqual(t, "", se.RemoteID)

	// Transforms applied, values keyed by portal property names
	props := fx.portal.contacts[se.RemoteID]
	require.NotNil(t, props)
	assert.Equal(t, "jane@example.com", props["email"])
	assert.Equal(t, "Jane", props["firstname"])
	assert.Equal(t, "+15551234567", props["phone"])

	mapping, err := db.FindMappingByLocalID(fx.db, "L1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, se.RemoteID, mapping.RemoteID)
	assert.Equal(t, models.SourceSite, mapping.LastSyncSource)
}

func TestProcessEchoSkippedByDedupe(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "jane@example.com"}))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, se.Status)

	// The portal echoes our own write back as a webhook
	echo, err := fx.engine.Process(ctx, portalEvent(se.RemoteID, map[string]string{"email": "jane@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, echo.Status)
	assert.Equal(t, models.SkipReasonRecentWrite, echo.SkipReason)

	find, create, update := fx.site.calls()
	assert.Zero(t, find+create+update, "a skipped echo must make no remote calls")
}

func TestProcessRedeliverySkippedByHash(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fields := map[string]string{"email": "jane@example.com", "first_name": "Jane"}

	se, err := fx.engine.Process(ctx, siteEvent("L1", fields))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, se.Status)

	// The source platform redelivers the same webhook
	again, err := fx.engine.Process(ctx, siteEvent("L1", fields))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, again.Status)
	assert.Equal(t, models.SkipReasonUnchanged, again.SkipReason)

	_, create, update := fx.portal.calls()
	assert.Equal(t, 1, create)
	assert.Zero(t, update)
}

func TestOpposingWriteGuardSurvivesRestart(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "jane@example.com", "first_name": "Jane"}))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, se.Status)

	// A restart loses the in-memory cache; the ledger guard must still hold
	restarted := NewEngine(fx.db, fx.store, fx.site, fx.portal, Options{Tenant: "acme", Now: fx.clock.Now})

	// Changed values, so the hash guard cannot be what skips this
	echo, err := restarted.Process(ctx, portalEvent(se.RemoteID, map[string]string{"email": "jane@example.com", "firstname": "Janet"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, echo.Status)
	assert.Equal(t, models.SkipReasonOpposingWrite, echo.SkipReason)
}

func TestMappedUpdateFlowsAfterWindow(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "jane@example.com", "first_name": "Jane"}))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, se.Status)

	// A genuine portal-side edit after the window propagates to the site
	fx.clock.Advance(DefaultDedupeWindow + time.Second)
	edit, err := fx.engine.Process(ctx, portalEvent(se.RemoteID, map[string]string{"email": "jane@example.com", "firstname": "Janet"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, edit.Status)
	assert.Equal(t, models.ActionUpdate, edit.Action)
	assert.Equal(t, "L1", edit.LocalID)

	assert.Equal(t, "Janet", fx.site.contacts["L1"]["first_name"])

	mapping, err := db.FindMappingByLocalID(fx.db, "L1")
	require.NoError(t, err)
	assert.Equal(t, models.SourcePortal, mapping.LastSyncSource, "provenance follows the latest writer")
}

func TestProcessLinksExistingContactByEmail(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// The contact already exists on the portal, unlinked
	fx.portal.contacts["R9"] = map[string]string{"email": "jane@example.com"}
	fx.portal.byEmail["jane@example.com"] = "R9"

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "jane@example.com", "first_name": "Jane"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, se.Status)
	assert.Equal(t, models.ActionUpdate, se.Action, "an existing contact is linked, not duplicated")
	assert.Equal(t, "R9", se.RemoteID)

	_, create, update := fx.portal.calls()
	assert.Zero(t, create)
	assert.Equal(t, 1, update)

	mapping, err := db.FindMappingByLocalID(fx.db, "L1")
	require.NoError(t, err)
	assert.Equal(t, "R9", mapping.RemoteID)
}

func TestProcessRecordsClientFailure(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.portal.createErr = &ClientError{Kind: models.ErrorKindValidationRejected, StatusCode: 422, Message: "email is invalid"}

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "bad"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, se.Status)
	assert.Equal(t, models.ErrorKindValidationRejected, se.ErrorKind)
	assert.Contains(t, se.ErrorText, "email is invalid")

	count, err := db.CountMappings(fx.db)
	require.NoError(t, err)
	assert.Zero(t, count, "a failed write must not create a ledger entry")
}

func TestProcessDisconnectedTenantFailsFast(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.Revoke(ctx, "acme"))

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "jane@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, se.Status)
	assert.Equal(t, models.ErrorKindAuthExpired, se.ErrorKind)

	find, create, update := fx.portal.calls()
	assert.Zero(t, find+create+update, "disconnected tenants must not reach the remote platform")
}

func TestRetryFailedEvent(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.portal.createErr = &ClientError{Kind: models.ErrorKindRateLimited, StatusCode: 429, Message: "slow down"}
	failed, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "jane@example.com", "first_name": "Jane"}))
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)

	// The platform recovers; the retry runs the stored fields back through
	// the full pipeline
	fx.portal.createErr = nil
	retried, err := fx.engine.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, retried.Status)
	assert.Equal(t, models.TriggerRetry, retried.Trigger)
	assert.Equal(t, models.ActionCreate, retried.Action)

	props := fx.portal.contacts[retried.RemoteID]
	require.NotNil(t, props)
	assert.Equal(t, "jane@example.com", props["email"])

	// Only failed events are retryable
	_, err = fx.engine.Retry(ctx, retried.ID)
	assert.Error(t, err)
	_, err = fx.engine.Retry(ctx, "no-such-event")
	assert.Error(t, err)
}

func TestRetryAfterFixSkipsWhenAlreadySynced(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fields := map[string]string{"email": "jane@example.com"}

	fx.portal.createErr = &ClientError{Kind: models.ErrorKindNetworkError, Message: "connection reset"}
	failed, err := fx.engine.Process(ctx, siteEvent("L1", fields))
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)

	// The original webhook is redelivered and succeeds before the operator
	// retries; the retry must then skip instead of writing twice.
	fx.portal.createErr = nil
	ok, err := fx.engine.Process(ctx, siteEvent("L1", fields))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, ok.Status)

	retried, err := fx.engine.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, retried.Status)

	_, create, _ := fx.portal.calls()
	assert.Equal(t, 2, create, "one failed attempt plus one successful create; the retry adds none")
}

func TestProcessRecordsLedgerConflict(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{"email": "jane@example.com"}))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, se.Status)

	// An unlinked portal contact resolves by email to the already-linked
	// site contact; linking it would give L1 a second partner.
	fx.site.byEmail["jane@example.com"] = "L1"
	conflict, err := fx.engine.Process(ctx, portalEvent("R9", map[string]string{"email": "jane@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, conflict.Status)
	assert.Equal(t, models.ErrorKindLedgerConflict, conflict.ErrorKind)

	count, err := db.CountMappings(fx.db)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the original pair must survive the conflicting link")

	mapping, err := db.FindMappingByLocalID(fx.db, "L1")
	require.NoError(t, err)
	assert.Equal(t, se.RemoteID, mapping.RemoteID)
}

func TestConcurrentSameContactEventsWriteOnce(t *testing.T) {
	fx := newEngineFixture(t)
	fields := map[string]string{"email": "jane@example.com", "first_name": "Jane"}

	var wg gosync.WaitGroup
	results := make([]*models.SyncEvent, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			se, err := fx.engine.Process(context.Background(), siteEvent("L1", fields))
			assert.NoError(t, err)
			results[i] = se
		}(i)
	}
	wg.Wait()

	var success, skipped int
	for _, se := range results {
		require.NotNil(t, se)
		switch se.Status {
		case models.StatusSuccess:
			success++
		case models.StatusSkipped:
			skipped++
		}
	}
	assert.Equal(t, 1, success, "exactly one event propagates")
	assert.Equal(t, 3, skipped, "the rest are guarded off")

	_, create, update := fx.portal.calls()
	assert.Equal(t, 1, create)
	assert.Zero(t, update)

	count, err := db.CountMappings(fx.db)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUnchangedEchoAfterWindowSkippedByHash(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	se, err := fx.engine.Process(ctx, siteEvent("L1", map[string]string{
		"email":      "  Jane@Example.COM ",
		"first_name": " Jane ",
	}))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, se.Status)

	// Past the window the dedupe cache and the opposing-write guard no
	// longer apply, so only the content hash can stop this echo.
	fx.clock.Advance(DefaultDedupeWindow + time.Second)

	echo, err := fx.engine.Process(ctx, portalEvent(se.RemoteID, fx.portal.contacts[se.RemoteID]))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, echo.Status)
	assert.Equal(t, models.SkipReasonUnchanged, echo.SkipReason)

	find, create, update := fx.site.calls()
	assert.Zero(t, find+create+update, "an unchanged echo must not write back")
}

func TestSearchFailureLeavesActionEmpty(t *testing.T) {
	fx := newEngineFixture(t)
	fx.portal.findErr = &ClientError{Kind: models.ErrorKindRateLimited, StatusCode: 429, Message: "slow down"}

	se, err := fx.engine.Process(context.Background(), siteEvent("L1", map[string]string{"email": "jane@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, se.Status)
	assert.Equal(t, models.ErrorKindRateLimited, se.ErrorKind)
	assert.Equal(t, "", se.Action, "no create/update was chosen before the search failed")
}

func TestProcessRejectsUnknownSource(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.Process(context.Background(), models.ChangeEvent{
		Source:   models.Platform("crm9000"),
		ObjectID: "X1",
		Fields:   map[string]string{"email": "a@x.com"},
	})
	assert.Error(t, err)
}

func TestProcessAppendsAuditEventForEveryOutcome(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fields := map[string]string{"email": "jane@example.com"}

	se, err := fx.engine.Process(ctx, siteEvent("L1", fields))
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, se.Status)

	skip, err := fx.engine.Process(ctx, siteEvent("L1", fields))
	require.NoError(t, err)
	require.Equal(t, models.StatusSkipped, skip.Status)

	counts, err := db.CountEventsByStatus(fx.db)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusSuccess])
	assert.Equal(t, 1, counts[models.StatusSkipped])

	// Skipped events carry the stored reason
	stored, err := db.GetSyncEvent(fx.db, skip.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.SkipReasonUnchanged, stored.SkipReason)
}
