package auditd

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"lendledger/services/auditd/archive"
)

// adminRouter exposes the operator API: archive health and export history.
func adminRouter(store *archive.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		seq, err := store.LatestSequence()
		if err != nil {
			http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{
			"status":       "ok",
			"lastSequence": seq,
		})
	})

	r.Get("/exports", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		exports, err := store.ListExports(limit)
		if err != nil {
			http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, exports)
	})

	return r
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
	}
}
