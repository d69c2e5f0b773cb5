package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"stream-corruptor/internal/manifest"
	"stream-corruptor/internal/platform/apperror"
	"stream-corruptor/internal/platform/metrics"
	"stream-corruptor/internal/segment"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the proxy endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the proxy endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v2", func(r chi.Router) {
		r.Route("/manifests/dash", func(r chi.Router) {
			r.Get("/"+manifest.MasterPath, h.GetManifest)
			r.Get("/proxy-segment/{segment}", h.GetSegment)
		})
		r.Get("/segments/fragment", h.GetFragment)
		r.Get("/sessions/{token}", h.GetSession)
	})
	r.Get("/health", h.Health)
}

// GetManifest handles GET /api/v2/manifests/dash/proxy-master.mpd?url=<origin mpd>&<faults>.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	body, err := h.svc.Manifest(r.Context(), r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncManifestsRewritten()
	}
	w.Header().Set("Content-Type", manifest.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// GetSegment handles GET /api/v2/manifests/dash/proxy-segment/{segment}.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Segment(r.Context(), chi.URLParam(r, "segment"), r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, r, out)
}

// GetFragment handles GET /api/v2/segments/fragment?url=<origin segment>&<faults>.
func (h *Handler) GetFragment(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Fragment(r.Context(), r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, r, out)
}

// GetSession handles GET /api/v2/sessions/{token}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Session(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snap)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out segment.Outcome) {
	if h.metrics != nil {
		if out.Delayed > 0 {
			h.metrics.IncFault("delay")
		}
		h.metrics.IncFault(out.Kind.String())
	}

	switch out.Kind {
	case segment.OutcomeHang:
		<-r.Context().Done()
	case segment.OutcomeStatus:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.StatusCode)
		w.Write([]byte(out.Body))
	default:
		http.Redirect(w, r, out.Location, http.StatusFound)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	status := apperror.StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	apperror.Write(w, err)
}

// CORS allows any origin to call the proxy, as players load manifests
// cross-origin. Preflight requests are answered directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
