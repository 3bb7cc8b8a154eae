package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/transcriptio/collab/internal/collab"
	"github.com/transcriptio/collab/internal/db"
	"github.com/transcriptio/collab/internal/presence"
)

// API is the operational HTTP surface next to the websocket endpoint:
// health, stats, per-transcript presence, and the snapshot store the
// clients' debounced saves talk to.
type API struct {
	manager      *collab.Manager
	store        presence.Store
	database     *db.Database
	activeWindow time.Duration
}

func New(manager *collab.Manager, store presence.Store, database *db.Database) *API {
	return &API{
		manager:      manager,
		store:        store,
		database:     database,
		activeWindow: 30 * time.Second,
	}
}

// SetActiveWindow overrides the live-presence window used by the
// presence endpoint. Call before serving traffic.
func (a *API) SetActiveWindow(d time.Duration) {
	if d > 0 {
		a.activeWindow = d
	}
}

// Routes wires all handlers onto a router.
func (a *API) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/transcripts/{id}/presence", a.PresenceHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/transcripts/{id}/snapshot", a.GetSnapshotHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/transcripts/{id}/snapshot", a.SaveSnapshotHandler).Methods(http.MethodPut)
	return r
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, connections := a.manager.Stats()
	stats := map[string]interface{}{
		"active_rooms":       rooms,
		"active_connections": connections,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["user_count"] = dbStats["user_count"]
			stats["snapshot_count"] = dbStats["snapshot_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

type presenceSummary struct {
	UserID       string            `json:"user_id"`
	ConnectionID string            `json:"connection_id"`
	Status       presence.Status   `json:"status"`
	Activity     presence.Activity `json:"activity"`
	IsTyping     bool              `json:"is_typing"`
	LastActive   time.Time         `json:"last_active"`
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	transcriptID := mux.Vars(r)["id"]

	records, err := a.store.ListActive(r.Context(), transcriptID, a.activeWindow)
	if err != nil {
		log.Printf("ListActive failed for %s: %v", transcriptID, err)
		errorResponse(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}

	users := make([]presenceSummary, 0, len(records))
	for _, rec := range records {
		users = append(users, presenceSummary{
			UserID:       rec.UserID,
			ConnectionID: rec.ConnectionID,
			Status:       rec.Status,
			Activity:     rec.Activity,
			IsTyping:     rec.IsTyping,
			LastActive:   rec.LastActive,
		})
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"transcript_id": transcriptID,
		"users":         users,
		"count":         len(users),
	})
}

func (a *API) GetSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	transcriptID := mux.Vars(r)["id"]

	snap, err := a.database.GetSnapshot(r.Context(), transcriptID)
	if errors.Is(err, db.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		log.Printf("GetSnapshot failed for %s: %v", transcriptID, err)
		errorResponse(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	jsonResponse(w, http.StatusOK, snap)
}

type saveSnapshotRequest struct {
	Content string `json:"content"`
}

func (a *API) SaveSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	transcriptID := mux.Vars(r)["id"]

	var req saveSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.database.SaveSnapshot(r.Context(), transcriptID, req.Content); err != nil {
		log.Printf("SaveSnapshot failed for %s: %v", transcriptID, err)
		errorResponse(w, http.StatusInternalServerError, "failed to save snapshot")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"status": "saved"})
}
