package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/scribe-engine/internal/transcribe"
)

// Pinger checks a dependency's reachability.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker reports whether a long-lived connection is up.
type ConnChecker interface {
	IsConnected() bool
}

// QueueReporter exposes queue statistics.
type QueueReporter interface {
	Stats() transcribe.QueueStats
}

type HealthResponse struct {
	Status        string                   `json:"status"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Checks        map[string]string        `json:"checks"`
	Queue         *transcribe.QueueStats   `json:"queue,omitempty"`
	Backends      []transcribe.BackendInfo `json:"backends,omitempty"`
}

type HealthHandler struct {
	db        Pinger
	mqtt      ConnChecker // nil when not configured
	queue     QueueReporter
	backends  BackendLister
	storage   string
	version   string
	startTime time.Time
}

func NewHealthHandler(db Pinger, mqtt ConnChecker, queue QueueReporter, backends BackendLister, storageType, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		queue:     queue,
		backends:  backends,
		storage:   storageType,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.storage != "" {
		checks["storage"] = h.storage
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.queue != nil {
		st := h.queue.Stats()
		resp.Queue = &st
		checks["queue"] = "ok"
		if st.Workers == 0 {
			checks["queue"] = "no_workers"
		}
	}
	if h.backends != nil {
		resp.Backends = h.backends.Backends()
		for _, b := range resp.Backends {
			if !b.Available {
				checks["backend_"+b.Name] = "fallback"
			} else {
				checks["backend_"+b.Name] = "ok"
			}
		}
	}

	WriteJSON(w, httpStatus, resp)
}
