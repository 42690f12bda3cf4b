package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"camfleet/fleet-core/internal/metrics"
	"camfleet/fleet-core/internal/recordstore"
	"camfleet/fleet-core/internal/scheduler"
	"camfleet/fleet-core/internal/workflow"
)

// Store is the record-store surface the API needs.
type Store interface {
	GetDevice(ctx context.Context, id string) (*recordstore.Device, error)
	UpdateDevice(ctx context.Context, id string, patch map[string]any) (*recordstore.Device, error)
	GetTask(ctx context.Context, id string) (*recordstore.Task, error)
	Ping(ctx context.Context) error
}

// Actions accepts offline-action triggers.
type Actions interface {
	Submit(req workflow.Request) string
}

// Jobs exposes the scheduler's per-device job pair.
type Jobs interface {
	JobStatus(deviceID string) (string, error)
	NextExecution(deviceID string) (time.Time, scheduler.Phase, error)
	StartJobs(deviceID string) error
	StopJobs(deviceID string) error
}

type Handler struct {
	log     zerolog.Logger
	store   Store
	actions Actions
	jobs    Jobs
	metrics *metrics.Metrics
}

func NewHandler(log zerolog.Logger, store Store, actions Actions, jobs Jobs, m *metrics.Metrics) *Handler {
	return &Handler{log: log, store: store, actions: actions, jobs: jobs, metrics: m}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	// Health
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyZ)

	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API
	r.Route("/api", func(r chi.Router) {
		r.Post("/actions", h.handleSubmitAction)
		r.Get("/tasks/{id}", h.handleGetTask)
		r.Post("/slot/{device}/{slot}", h.handleSlotSwitch)

		r.Route("/automation/{device}", func(r chi.Router) {
			r.Get("/status", h.handleAutomationStatus)
			r.Post("/start", h.handleAutomationStart)
			r.Post("/stop", h.handleAutomationStop)
		})
	})

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		h.metrics.ObserveHTTPRequest(r.Method, routePattern, ww.Status(), time.Since(start))

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	resp := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	if details != nil {
		resp["error"].(map[string]any)["details"] = details
	}
	h.writeJSON(w, status, resp)
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleReadyZ(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "record store not ready", map[string]any{"error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type actionRequest struct {
	DeviceID string            `json:"deviceId"`
	Action   string            `json:"action"`
	Params   map[string]string `json:"params,omitempty"`
	TTL      *int              `json:"ttl,omitempty"`
}

// handleSubmitAction accepts an offline-action trigger. The workflow runs
// asynchronously; the caller polls the task record for progress.
func (h *Handler) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "invalid json body", map[string]any{"error": err.Error()})
		return
	}
	if req.DeviceID == "" || req.Action == "" {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "deviceId and action are required", nil)
		return
	}
	if req.TTL != nil && *req.TTL < 0 {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "ttl must not be negative", nil)
		return
	}

	eventID := h.actions.Submit(workflow.Request{
		DeviceID: req.DeviceID,
		Action:   req.Action,
		Params:   req.Params,
		TTL:      req.TTL,
	})

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"eventId": eventID,
	})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "task not found", map[string]any{"id": id})
			return
		}
		h.log.Error().Err(err).Str("id", id).Msg("get task failed")
		h.writeError(w, http.StatusInternalServerError, "store_error", "failed to fetch task", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, task)
}

// handleSlotSwitch lets an operator force the active uplink slot.
func (h *Handler) handleSlotSwitch(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device")
	slot := chi.URLParam(r, "slot")

	if slot != recordstore.SlotPrimary && slot != recordstore.SlotSecondary {
		h.writeError(w, http.StatusBadRequest, "invalid_slot", "slot must be primary or secondary", map[string]any{"slot": slot})
		return
	}

	device, err := h.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "device not found", map[string]any{"device": deviceID})
			return
		}
		h.log.Error().Err(err).Str("device", deviceID).Msg("get device failed")
		h.writeError(w, http.StatusInternalServerError, "store_error", "failed to fetch device", nil)
		return
	}

	if slot == recordstore.SlotSecondary && device.SlotHost(recordstore.SlotSecondary) == "" {
		h.writeError(w, http.StatusBadRequest, "slot_unconfigured", "device has no secondary slot configured", map[string]any{"device": deviceID})
		return
	}

	info := make(map[string]any, len(device.Information)+1)
	for k, v := range device.Information {
		info[k] = v
	}
	info["activeSlot"] = slot

	if _, err := h.store.UpdateDevice(r.Context(), deviceID, map[string]any{"information": info}); err != nil {
		h.log.Error().Err(err).Str("device", deviceID).Msg("slot switch failed")
		h.writeError(w, http.StatusInternalServerError, "store_error", "failed to update device", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"device":     deviceID,
		"activeSlot": slot,
	})
}

func (h *Handler) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device")

	status, err := h.jobs.JobStatus(deviceID)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoJobs) {
			h.writeError(w, http.StatusNotFound, "not_found", "no automation jobs for device", map[string]any{"device": deviceID})
			return
		}
		h.log.Error().Err(err).Str("device", deviceID).Msg("job status failed")
		h.writeError(w, http.StatusInternalServerError, "scheduler_error", "failed to read job status", nil)
		return
	}

	resp := map[string]any{"device": deviceID, "status": status}
	if next, phase, err := h.jobs.NextExecution(deviceID); err == nil {
		resp["nextExecution"] = map[string]any{
			"time":  next.UTC().Format(time.RFC3339),
			"phase": string(phase),
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAutomationStart(w http.ResponseWriter, r *http.Request) {
	h.automationToggle(w, r, h.jobs.StartJobs, "running")
}

func (h *Handler) handleAutomationStop(w http.ResponseWriter, r *http.Request) {
	h.automationToggle(w, r, h.jobs.StopJobs, "stopped")
}

func (h *Handler) automationToggle(w http.ResponseWriter, r *http.Request, op func(string) error, result string) {
	deviceID := chi.URLParam(r, "device")

	if err := op(deviceID); err != nil {
		if errors.Is(err, scheduler.ErrNoJobs) {
			h.writeError(w, http.StatusNotFound, "not_found", "no automation jobs for device", map[string]any{"device": deviceID})
			return
		}
		h.log.Error().Err(err).Str("device", deviceID).Msg("automation toggle failed")
		h.writeError(w, http.StatusInternalServerError, "scheduler_error", "failed to change job state", nil)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"device": deviceID, "status": result})
}
