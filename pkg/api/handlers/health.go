package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crashworks/collector/internal/versioninfo"
	"github.com/crashworks/collector/pkg/publish"
	"github.com/crashworks/collector/pkg/storage"
)

// healthCheckTimeout bounds the heartbeat's backend probes.
const healthCheckTimeout = 5 * time.Second

// HealthHandler handles the Dockerflow health endpoints.
//
//   - GET /__lbheartbeat__: load balancer liveness, always 200
//   - GET /__heartbeat__: deep health, probes storage and publish
//   - GET /__version__: the deploy pipeline's version document
//   - GET /__broken__: deliberate panic, verifies error reporting
type HealthHandler struct {
	storage   storage.CrashStorage
	publisher publish.CrashPublisher
	version   versioninfo.Info
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(store storage.CrashStorage, publisher publish.CrashPublisher, version versioninfo.Info) *HealthHandler {
	return &HealthHandler{
		storage:   store,
		publisher: publisher,
		version:   version,
	}
}

// LBHeartbeat handles GET /__lbheartbeat__. It answers 200 with an empty
// body as long as the process serves requests; the load balancer needs
// nothing deeper.
func (h *HealthHandler) LBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// heartbeatResponse is the __heartbeat__ body: per-check status plus a
// flat list of errors when any check failed.
type heartbeatResponse struct {
	Checks map[string]string `json:"checks"`
	Errors []string          `json:"errors,omitempty"`
}

// Heartbeat handles GET /__heartbeat__. It runs the storage and publish
// health checks; all ok answers 200, any failure answers 500 with the
// per-check detail.
func (h *HealthHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := heartbeatResponse{Checks: map[string]string{}}

	check := func(name string, err error) {
		if err != nil {
			resp.Checks[name] = "error"
			resp.Errors = append(resp.Errors, name+": "+err.Error())
			return
		}
		resp.Checks[name] = "ok"
	}

	check("crashstorage", h.storage.Verify(ctx))
	check("crashpublish", h.publisher.Verify(ctx))

	status := http.StatusOK
	if len(resp.Errors) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// Version handles GET /__version__, serving the version document read at
// startup. A deployment without the document serves "{}".
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.version.JSON())
}

// Broken handles GET /__broken__ by panicking on purpose. The recovery
// middleware turns it into a 500 and reports it, which is the point: it
// proves the Sentry pipeline end to end.
func (h *HealthHandler) Broken(w http.ResponseWriter, r *http.Request) {
	panic("intentional exception to test error reporting")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}
