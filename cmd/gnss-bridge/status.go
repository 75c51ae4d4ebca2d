package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kstaniek/gnss-bridge/internal/config"
	"github.com/kstaniek/gnss-bridge/internal/indicator"
	"github.com/kstaniek/gnss-bridge/internal/linkstate"
	"github.com/kstaniek/gnss-bridge/internal/stats"
)

type statusReport struct {
	Streams    []stats.Values     `json:"streams"`
	Indicators []indicator.State  `json:"indicators"`
	Links      []linkstate.Status `json:"links"`
}

// statusHandler serves the read-only stream stats and indicator view.
func statusHandler(reg *stats.Registry, lights *indicator.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rep := statusReport{
			Streams:    reg.All(),
			Indicators: lights.Snapshot(),
			Links:      linkstate.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rep)
	})
}

// configHandler reads and updates the adapter settings. Adapters pick up
// changes at the top of their next cycle. Passwords are never echoed.
func configHandler(store *config.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
		case http.MethodPut:
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
			dec.UseNumber()
			var values map[string]any
			if err := dec.Decode(&values); err != nil {
				http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err := store.Update(values); err != nil {
				code := http.StatusInternalServerError
				if errors.Is(err, config.ErrUnknownKey) || errors.Is(err, config.ErrType) {
					code = http.StatusBadRequest
				}
				http.Error(w, err.Error(), code)
				return
			}
		default:
			w.Header().Set("Allow", "GET, HEAD, PUT")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		values := store.Values()
		for k, v := range values {
			if strings.HasSuffix(k, ".password") && v != "" {
				values[k] = "********"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(values)
	})
}
