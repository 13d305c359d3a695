// ABOUTME: HTTP surface for webhooks, audit queries, retry, and sweeps
// ABOUTME: Normalizes inbound webhooks and feeds them to the reconciliation engine
package web

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	gosync "sync"

	"github.com/relaycrm/bridge/creds"
	"github.com/relaycrm/bridge/db"
	"github.com/relaycrm/bridge/models"
	"github.com/relaycrm/bridge/sync"
)

// maxWebhookBody bounds inbound payload size.
const maxWebhookBody = 1 << 20

// Server exposes the engine over HTTP. Webhooks are processed synchronously
// per request; the engine's per-identity locking gives parallelism across
// distinct contacts.
type Server struct {
	db      *sql.DB
	engine  *sync.Engine
	creds   *creds.Store
	tenant  string
	listers map[models.Platform]sync.Lister

	sweepMu     gosync.Mutex
	sweepCancel context.CancelFunc
}

// NewServer wires the HTTP surface.
func NewServer(database *sql.DB, engine *sync.Engine, store *creds.Store, tenant string, listers map[models.Platform]sync.Lister) *Server {
	return &Server{
		db:      database,
		engine:  engine,
		creds:   store,
		tenant:  tenant,
		listers: listers,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{platform}", s.handleWebhook)
	mux.HandleFunc("GET /events", s.handleListEvents)
	mux.HandleFunc("POST /events/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /sweep", s.handleSweep)
	mux.HandleFunc("POST /sweep/cancel", s.handleSweepCancel)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// Start runs the server until the listener fails.
func (s *Server) Start(addr string) error {
	log.Printf("Starting sync bridge server at http://localhost%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := models.Platform(r.PathValue("platform"))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read body: %w", err))
		return
	}

	ev, err := sync.ParseWebhook(platform, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	se, err := s.engine.Process(r.Context(), ev)
	if err != nil {
		log.Printf("web: webhook processing failed: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("processing failed"))
		return
	}

	writeJSON(w, http.StatusAccepted, se)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
		if limit > 200 {
			limit = 200
		}
	}

	events, err := db.ListSyncEvents(s.db, limit, r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	next := ""
	if len(events) == limit {
		next = events[len(events)-1].ID
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"next":   next,
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	se, err := s.engine.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, se)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	source := models.Platform(r.URL.Query().Get("source"))
	if !source.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("source must be %q or %q", models.PlatformSite, models.PlatformPortal))
		return
	}

	lister, ok := s.listers[source]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no sweep lister for platform %q", source))
		return
	}

	s.sweepMu.Lock()
	if s.sweepCancel != nil {
		s.sweepMu.Unlock()
		writeError(w, http.StatusConflict, fmt.Errorf("a sweep is already running"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepMu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.sweepMu.Lock()
			s.sweepCancel = nil
			s.sweepMu.Unlock()
		}()

		stats, err := s.engine.Sweep(ctx, source, lister)
		if err != nil {
			log.Printf("web: sweep from %s stopped: %v (processed %d)", source, err, stats.Total)
			return
		}
		log.Printf("web: sweep from %s done: %d total, %d committed, %d skipped, %d failed",
			source, stats.Total, stats.Committed, stats.Skipped, stats.Failed)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "source": string(source)})
}

func (s *Server) handleSweepCancel(w http.ResponseWriter, r *http.Request) {
	s.sweepMu.Lock()
	cancel := s.sweepCancel
	s.sweepMu.Unlock()

	if cancel == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("no sweep is running"))
		return
	}

	// The in-progress record finishes; the sweep stops before the next one.
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	connected, err := s.creds.Connected(r.Context(), s.tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	counts, err := db.CountEventsByStatus(s.db)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	mappings, err := db.CountMappings(s.db)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.sweepMu.Lock()
	sweepRunning := s.sweepCancel != nil
	s.sweepMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant":        s.tenant,
		"connected":     connected,
		"mappings":      mappings,
		"events":        counts,
		"sweep_running": sweepRunning,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
