package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/fabricedelahaij/apigate/internal/cache"
	"github.com/fabricedelahaij/apigate/internal/compress"
)

// statusPayload is the diagnostic view returned by the status endpoint.
type statusPayload struct {
	Service     string                 `json:"service"`
	Env         string                 `json:"env"`
	Routes      []string               `json:"routes"`
	Cache       cache.Stats            `json:"cache"`
	RateLimiter storeStatus            `json:"rate_limiter"`
	CSRF        storeStatus            `json:"csrf"`
	Compression compress.StatsSnapshot `json:"compression"`
}

type storeStatus struct {
	Size int `json:"size"`
}

// serveStatus renders the introspection payload. In development mode a
// POST clears or invalidates cache entries; production only reads.
func (e *Engine) serveStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		payload := statusPayload{
			Service:     e.cfg.ServiceName,
			Env:         e.cfg.Env,
			Routes:      e.resolver.Snapshot().Templates(),
			Cache:       e.store.Stats(),
			RateLimiter: storeStatus{Size: e.limiter.Len()},
			CSRF:        storeStatus{Size: e.csrfStore.Len()},
			Compression: e.compressor.Stats(),
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(payload)

	case http.MethodPost:
		if !e.cfg.IsDevelopment() {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var cmd struct {
			Action      string `json:"action"`
			Fingerprint string `json:"fingerprint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch cmd.Action {
		case "clear_cache":
			e.store.Clear()
			w.WriteHeader(http.StatusNoContent)
		case "invalidate":
			if cmd.Fingerprint == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			e.store.Invalidate(cmd.Fingerprint)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
