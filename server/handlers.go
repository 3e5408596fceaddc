package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/replive-recorder/db"
)

// Handlers holds endpoint dependencies.
type Handlers struct {
	db  *sql.DB
	src StatusSource
}

// NewHandlers creates the handler set. db may be nil.
func NewHandlers(dbx *sql.DB, src StatusSource) *Handlers {
	return &Handlers{db: dbx, src: src}
}

// HandleHealthz responds to liveness probe requests. The daemon is alive as
// long as it can serve; database connectivity is a readiness concern.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks:
// a valid access token and, when configured, database connectivity.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"credentials", func() error {
			exp := h.src.TokenExpiresAt()
			if exp.IsZero() {
				return fmt.Errorf("no access token yet")
			}
			if time.Now().After(exp) {
				return fmt.Errorf("access token expired")
			}
			return nil
		}},
		{"database", func() error {
			if h.db == nil {
				return nil // history disabled, not a readiness failure
			}
			return h.db.PingContext(r.Context())
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the current daemon state: per-channel liveness,
// active recordings, and token expiry.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type statusResponse struct {
		Channels       any        `json:"channels"`
		Recordings     any        `json:"recordings"`
		TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
		Time           time.Time  `json:"time"`
	}

	resp := statusResponse{
		Channels:   h.src.Channels(),
		Recordings: h.src.Recordings(),
		Time:       time.Now().UTC(),
	}
	if exp := h.src.TokenExpiresAt(); !exp.IsZero() {
		resp.TokenExpiresAt = &exp
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleRecordings lists recording history, newest first. Supports
// ?channel=<id> and ?limit=<n>.
func (h *Handlers) HandleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.db == nil {
		http.Error(w, "recording history not configured", http.StatusNotFound)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := db.ListRecordings(r.Context(), h.db, r.URL.Query().Get("channel"), limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []db.Recording{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}
