// Package httpapi exposes the reconciled view to the UI under /api and the
// operational surface under /ops. It holds no state of its own; every
// mutation goes through the engine's contracted operations.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"dispatchd/internal/confirm"
	"dispatchd/internal/engine"
	"dispatchd/internal/events"
	"dispatchd/internal/record"
)

type Router struct {
	eng *engine.Engine
	bus *events.Bus
	log *zap.Logger
}

func NewRouter(eng *engine.Engine, bus *events.Bus, log *zap.Logger) *Router {
	return &Router{eng: eng, bus: bus, log: log}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/incidents", rt.listIncidents)
		r.Post("/uploads", rt.acceptUpload)
		r.Post("/incidents/manual", rt.addManual)
		r.Post("/incidents/{id}/confirm", rt.confirmIncident)
		r.Delete("/incidents/{id}", rt.dismissIncident)
		r.Get("/events", rt.streamEvents)
	})
	r.Route("/ops", func(r chi.Router) {
		r.Get("/health", rt.health)
		r.Get("/status", rt.status)
		r.Get("/jobs", rt.jobs)
		r.Get("/tombstones", rt.tombstones)
	})
	return r
}

func (rt *Router) listIncidents(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, rt.eng.Snapshot())
}

func (rt *Router) acceptUpload(w http.ResponseWriter, req *http.Request) {
	filename := "upload"
	switch {
	case req.Header.Get("Content-Type") == "application/json":
		var body struct {
			Filename string `json:"filename"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err == nil && body.Filename != "" {
			filename = body.Filename
		}
	default:
		// Multipart audio upload from the dashboard; only the name matters
		// here, the audio goes to the transcription backend out of band.
		if err := req.ParseMultipartForm(32 << 20); err == nil {
			if _, hdr, err := req.FormFile("file"); err == nil {
				filename = hdr.Filename
			}
		}
	}

	jobID, placeholder := rt.eng.AcceptUpload(req.Context(), filename)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id": jobID,
		"record": placeholder,
	})
}

func (rt *Router) addManual(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Address       string   `json:"address"`
		Lat           *float64 `json:"lat"`
		Lng           *float64 `json:"lng"`
		EmergencyType string   `json:"emergencyType"`
		EmergencyTags []string `json:"emergencyTags"`
		Notes         string   `json:"notes"`
		CallerPhone   string   `json:"callerPhone"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	rec := rt.eng.AddManual(engine.ManualEntry{
		Address:       body.Address,
		Lat:           body.Lat,
		Lng:           body.Lng,
		EmergencyType: body.EmergencyType,
		EmergencyTags: body.EmergencyTags,
		Notes:         body.Notes,
		CallerPhone:   body.CallerPhone,
	})
	respondJSON(w, http.StatusCreated, rec)
}

func (rt *Router) confirmIncident(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	var ov confirm.Overrides
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&ov)
	}
	rec, err := rt.eng.Confirm(req.Context(), id, ov)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, engine.ErrNotFound):
		httpError(w, http.StatusNotFound, "incident not found")
	case errors.Is(err, engine.ErrInvalidLocation):
		httpError(w, http.StatusUnprocessableEntity, "incident has no usable location")
	case errors.Is(err, engine.ErrDismissed):
		httpError(w, http.StatusGone, "incident was dismissed")
	default:
		rt.log.Warn("confirmation failed", zap.String("id", id), zap.Error(err))
		httpError(w, http.StatusBadGateway, "confirmation failed")
	}
}

func (rt *Router) dismissIncident(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	err := rt.eng.Dismiss(req.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, engine.ErrNotFound):
		httpError(w, http.StatusNotFound, "incident not found")
	default:
		rt.log.Warn("dismissal failed", zap.String("id", id), zap.Error(err))
		httpError(w, http.StatusInternalServerError, "dismissal failed")
	}
}

// streamEvents pushes engine events as SSE so open views converge without
// polling.
func (rt *Router) streamEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	ch := rt.bus.Subscribe()
	for {
		select {
		case <-req.Context().Done():
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (rt *Router) health(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) status(w http.ResponseWriter, req *http.Request) {
	snap := rt.eng.Snapshot()
	counts := map[record.Status]int{}
	for _, rec := range snap {
		counts[rec.Status]++
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"incidents": len(snap),
		"by_status": counts,
		"jobs":      rt.eng.Jobs(),
	})
}

func (rt *Router) jobs(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, rt.eng.Jobs())
}

func (rt *Router) tombstones(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, rt.eng.Tombstones())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
